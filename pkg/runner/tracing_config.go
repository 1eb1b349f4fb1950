package runner

import (
	"time"

	internaltracing "github.com/wehubfusion/conduit/internal/tracing"
)

// TracingConfig configures the tracer provider a Runner installs
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Pipeline is recorded as a resource attribute on every span
	Pipeline   string
	InstanceID string

	OTLPEndpoint string
	URLPath      string
	Insecure     bool
	Headers      map[string]string

	// SampleRatio samples root spans; child spans follow their parent
	SampleRatio float64

	// ShutdownTimeout bounds the final flush on Close
	ShutdownTimeout time.Duration
}

// DefaultTracingConfig returns settings for a local collector
func DefaultTracingConfig(serviceName string) TracingConfig {
	cfg := internaltracing.DefaultConfig(serviceName)
	return TracingConfig{
		ServiceName:     cfg.ServiceName,
		ServiceVersion:  cfg.ServiceVersion,
		Environment:     cfg.Environment,
		OTLPEndpoint:    cfg.Endpoint,
		Insecure:        cfg.Insecure,
		SampleRatio:     cfg.SampleRatio,
		ShutdownTimeout: 10 * time.Second,
	}
}

func (c TracingConfig) toInternalConfig() internaltracing.Config {
	cfg := internaltracing.DefaultConfig(c.ServiceName)
	cfg.ServiceVersion = c.ServiceVersion
	cfg.Environment = c.Environment
	cfg.Pipeline = c.Pipeline
	cfg.InstanceID = c.InstanceID
	cfg.Endpoint = c.OTLPEndpoint
	cfg.URLPath = c.URLPath
	cfg.Insecure = c.Insecure
	cfg.Headers = c.Headers
	cfg.SampleRatio = c.SampleRatio
	return cfg
}
