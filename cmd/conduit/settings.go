package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Target kinds the relay pipeline can send to
const (
	TargetNATS        = "nats"
	TargetNATSAsync   = "nats-async"
	TargetAMQP        = "amqp"
	TargetKafka       = "kafka"
	TargetCloudEvents = "cloudevents"
)

// Split modes of the optional iteration step
const (
	SplitNone  = "none"
	SplitLines = "lines"
	SplitJSON  = "json"
)

// Settings are the runtime knobs of the worker. Precedence: defaults, then
// the settings file, then CONDUIT_* environment variables, then flags.
type Settings struct {
	NATS     NATSSettings     `yaml:"nats"`
	Runner   RunnerSettings   `yaml:"runner"`
	Relay    RelaySettings    `yaml:"relay"`
	Limits   LimitSettings    `yaml:"limits"`
	Audit    AuditSettings    `yaml:"audit"`
	Redis    RedisSettings    `yaml:"redis"`
	Tracing  TracingSettings  `yaml:"tracing"`
	Sentry   SentrySettings   `yaml:"sentry"`
	Metrics  MetricsSettings  `yaml:"metrics"`
	LogLevel string           `yaml:"log_level"`
}

type NATSSettings struct {
	URL        string `yaml:"url"`
	Stream     string `yaml:"stream"`
	Subject    string `yaml:"subject"`
	Consumer   string `yaml:"consumer"`
	Results    string `yaml:"results"`
	MaxDeliver int    `yaml:"max_deliver"`
}

type RunnerSettings struct {
	// Workers of 0 uses the detected default
	Workers        int           `yaml:"workers"`
	BatchSize      int           `yaml:"batch_size"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
}

// RelaySettings select where the hosted pipeline sends its input and
// whether the input is split into items first.
type RelaySettings struct {
	Split     string         `yaml:"split"`
	SplitPath string         `yaml:"split_path"`
	Parallel  bool           `yaml:"parallel"`
	MaxItems  int            `yaml:"max_items"`
	Target    TargetSettings `yaml:"target"`
	Retry     RetrySettings  `yaml:"retry"`
}

type TargetSettings struct {
	Kind       string        `yaml:"kind"`
	Subject    string        `yaml:"subject"`
	ReplyTo    string        `yaml:"reply_to"`
	URL        string        `yaml:"url"`
	Exchange   string        `yaml:"exchange"`
	RoutingKey string        `yaml:"routing_key"`
	Brokers    []string      `yaml:"brokers"`
	Topic      string        `yaml:"topic"`
	Timeout    time.Duration `yaml:"timeout"`
}

type RetrySettings struct {
	MaxRetries  int    `yaml:"max_retries"`
	MinInterval int    `yaml:"min_interval"`
	MaxInterval int    `yaml:"max_interval"`
	When        string `yaml:"when"`
}

type LimitSettings struct {
	MaxChildThreads        int  `yaml:"max_child_threads"`
	PresumedTimeoutSeconds int  `yaml:"presumed_timeout_seconds"`
	Simulation             bool `yaml:"simulation"`
}

type AuditSettings struct {
	// PostgresDSN enables the PostgreSQL message log
	PostgresDSN string `yaml:"postgres_dsn"`

	BlobConnectionString string `yaml:"blob_connection_string"`
	BlobContainer        string `yaml:"blob_container"`

	// Memory keeps records in process, for local runs
	Memory bool `yaml:"memory"`
}

type RedisSettings struct {
	Addr string        `yaml:"addr"`
	TTL  time.Duration `yaml:"ttl"`
}

type TracingSettings struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	URLPath     string            `yaml:"url_path"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	Environment string            `yaml:"environment"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

type SentrySettings struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

type MetricsSettings struct {
	Addr string `yaml:"addr"`
}

// DefaultSettings returns settings for a local NATS server
func DefaultSettings() Settings {
	return Settings{
		NATS: NATSSettings{
			URL:        "nats://127.0.0.1:4222",
			Stream:     "CONDUIT",
			Consumer:   "conduit-runner",
			Results:    "conduit.results",
			MaxDeliver: 5,
		},
		Runner: RunnerSettings{
			BatchSize:      10,
			ProcessTimeout: 5 * time.Minute,
		},
		Relay: RelaySettings{
			Split: SplitNone,
			Target: TargetSettings{
				Kind:    TargetNATS,
				Subject: "conduit.target",
				Timeout: 30 * time.Second,
			},
		},
		Limits: LimitSettings{
			MaxChildThreads: 20,
		},
		Tracing: TracingSettings{
			Endpoint:    "127.0.0.1:4318",
			Insecure:    true,
			Environment: "development",
			SampleRatio: 1.0,
		},
		Metrics:  MetricsSettings{Addr: ":9090"},
		LogLevel: "info",
	}
}

// LoadSettings reads path over the defaults and applies the environment.
// An empty path skips the file.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("read settings: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse settings yaml: %w", err)
		}
	}
	if err := s.applyEnv(os.LookupEnv); err != nil {
		return s, err
	}
	return s, nil
}

func (s *Settings) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("CONDUIT_NATS_URL", &s.NATS.URL)
	str("CONDUIT_STREAM", &s.NATS.Stream)
	str("CONDUIT_CONSUMER", &s.NATS.Consumer)
	str("CONDUIT_OTEL_ENDPOINT", &s.Tracing.Endpoint)
	str("CONDUIT_SENTRY_DSN", &s.Sentry.DSN)
	str("CONDUIT_LOG_DSN", &s.Audit.PostgresDSN)
	str("CONDUIT_REDIS_ADDR", &s.Redis.Addr)
	str("CONDUIT_LOG_LEVEL", &s.LogLevel)

	ints := []struct {
		key string
		dst *int
	}{
		{"CONDUIT_MAX_CHILD_THREADS", &s.Limits.MaxChildThreads},
		{"CONDUIT_PRESUMED_TIMEOUT_SECONDS", &s.Limits.PresumedTimeoutSeconds},
		{"CONDUIT_RUNNER_WORKERS", &s.Runner.Workers},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}

	if v, ok := lookup("CONDUIT_SIMULATION"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CONDUIT_SIMULATION: %w", err)
		}
		s.Limits.Simulation = b
	}
	return nil
}

// Validate checks the settings a worker cannot start without
func (s Settings) Validate() error {
	var problems []string
	if s.NATS.URL == "" {
		problems = append(problems, "nats.url is required")
	}
	if s.NATS.Stream == "" || s.NATS.Consumer == "" {
		problems = append(problems, "nats.stream and nats.consumer are required")
	}
	if s.Runner.BatchSize <= 0 {
		problems = append(problems, "runner.batch_size must be greater than 0")
	}
	if s.Runner.ProcessTimeout <= 0 {
		problems = append(problems, "runner.process_timeout must be greater than 0")
	}
	if s.Limits.MaxChildThreads < 0 || s.Limits.PresumedTimeoutSeconds < 0 {
		problems = append(problems, "limits must not be negative")
	}
	switch s.Relay.Split {
	case "", SplitNone, SplitLines, SplitJSON:
	default:
		problems = append(problems, fmt.Sprintf("unknown relay.split %q", s.Relay.Split))
	}
	switch s.Relay.Target.Kind {
	case TargetNATS, TargetNATSAsync:
		if s.Relay.Target.Subject == "" {
			problems = append(problems, "relay.target.subject is required")
		}
	case TargetAMQP:
		if s.Relay.Target.URL == "" {
			problems = append(problems, "relay.target.url is required")
		}
	case TargetKafka:
		if len(s.Relay.Target.Brokers) == 0 || s.Relay.Target.Topic == "" {
			problems = append(problems, "relay.target.brokers and relay.target.topic are required")
		}
	case TargetCloudEvents:
		if s.Relay.Target.URL == "" {
			problems = append(problems, "relay.target.url is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown relay.target.kind %q", s.Relay.Target.Kind))
	}
	if s.Tracing.SampleRatio < 0 || s.Tracing.SampleRatio > 1 {
		problems = append(problems, "tracing.sample_ratio must be between 0 and 1")
	}
	if (s.Audit.BlobConnectionString == "") != (s.Audit.BlobContainer == "") {
		problems = append(problems, "audit.blob_connection_string and audit.blob_container go together")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid settings: %s", strings.Join(problems, "; "))
	}
	return nil
}
