package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// DefaultMaxChildThreads is the parallel iteration cap used when none is configured.
const DefaultMaxChildThreads = 20

// IteratorMode defines how iteration items are dispatched
type IteratorMode string

const (
	IteratorModeParallel   IteratorMode = "parallel"
	IteratorModeSequential IteratorMode = "sequential"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
	ConfigSourceDefault    ConfigSource = "default"
)

// Config holds process-wide execution settings
type Config struct {
	MaxChildThreads        int
	RunnerWorkers          int
	IteratorMode           IteratorMode
	PresumedTimeoutSeconds int
	Simulation             bool
	Source                 ConfigSource
	IsKubernetes           bool
	EffectiveCPUs          int
}

// LoadConfig loads configuration with priority: env vars > auto-detection > defaults
func LoadConfig() *Config {
	config := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
		Source:        ConfigSourceDefault,
	}

	// CONDUIT_MAX_CHILD_THREADS=0 explicitly disables the cap
	if value, ok := os.LookupEnv("CONDUIT_MAX_CHILD_THREADS"); ok && value != "" {
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			config.MaxChildThreads = n
			config.Source = ConfigSourceEnvVar
		}
	}
	if config.Source != ConfigSourceEnvVar {
		config.MaxChildThreads = DefaultMaxChildThreads
	}

	if workers := getEnvInt("CONDUIT_RUNNER_WORKERS", 0); workers > 0 {
		config.RunnerWorkers = workers
		config.Source = ConfigSourceEnvVar
	} else {
		config.RunnerWorkers = getDefaultRunnerWorkers(config.IsKubernetes, config.EffectiveCPUs)
		if config.Source == ConfigSourceDefault {
			config.Source = ConfigSourceAutoDetect
		}
	}

	config.IteratorMode = IteratorMode(strings.ToLower(getEnv("CONDUIT_ITERATOR_MODE", string(IteratorModeSequential))))
	if config.IteratorMode != IteratorModeParallel && config.IteratorMode != IteratorModeSequential {
		config.IteratorMode = IteratorModeSequential
	}

	config.PresumedTimeoutSeconds = getEnvInt("CONDUIT_PRESUMED_TIMEOUT_SECONDS", 0)
	if config.PresumedTimeoutSeconds < 0 {
		config.PresumedTimeoutSeconds = 0
	}
	config.Simulation = getEnvBool("CONDUIT_SIMULATION", false)

	return config
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// getDefaultRunnerWorkers returns sensible defaults for the runner pool
func getDefaultRunnerWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 4)
	}
	return max(cpus*2, 8)
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean from environment variable with default fallback
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxChildThreads: %d, RunnerWorkers: %d, IteratorMode: %s, PresumedTimeout: %ds, Simulation: %t, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxChildThreads,
		c.RunnerWorkers,
		c.IteratorMode,
		c.PresumedTimeoutSeconds,
		c.Simulation,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
