// Package tracing installs the OpenTelemetry tracer provider of a conduit
// worker and defines the span attributes shared by runner, pipeline,
// dispatch and iteration spans.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

// Span and resource attributes
const (
	AttrPipeline      = attribute.Key("conduit.pipeline")
	AttrUnit          = attribute.Key("conduit.unit")
	AttrSender        = attribute.Key("conduit.sender")
	AttrAttempt       = attribute.Key("conduit.attempt")
	AttrForward       = attribute.Key("conduit.forward")
	AttrItemIndex     = attribute.Key("conduit.item.index")
	AttrExit          = attribute.Key("conduit.exit")
	AttrSteps         = attribute.Key("conduit.steps")
	AttrMessageID     = attribute.Key("conduit.message_id")
	AttrCorrelationID = attribute.Key("conduit.correlation_id")
	AttrSubject       = attribute.Key("messaging.destination.name")
	AttrInstance      = attribute.Key("service.instance.id")
)

// Config describes the tracer provider of one worker
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Pipeline names the hosted pipeline on every exported span
	Pipeline string

	// InstanceID identifies the worker; hostname-pid when empty
	InstanceID string

	// Endpoint is the collector host:port; URLPath overrides /v1/traces
	Endpoint string
	URLPath  string
	Insecure bool
	Headers  map[string]string

	// SampleRatio applies to root spans. Children follow their parent, so a
	// run sampled upstream stays sampled through every unit.
	SampleRatio float64

	BatchTimeout time.Duration

	// Exporter replaces the OTLP exporter when set
	Exporter sdktrace.SpanExporter
}

// DefaultConfig returns settings for a local collector
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: "dev",
		Environment:    "development",
		Endpoint:       "127.0.0.1:4318",
		Insecure:       true,
		SampleRatio:    1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Sampler returns the parent-based sampler for ratio
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func (c Config) instanceID() string {
	if c.InstanceID != "" {
		return c.InstanceID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

func (c Config) resource(ctx context.Context) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(c.ServiceName),
		semconv.ServiceVersion(c.ServiceVersion),
		semconv.DeploymentEnvironment(c.Environment),
		AttrInstance.String(c.instanceID()),
	}
	if c.Pipeline != "" {
		attrs = append(attrs, AttrPipeline.String(c.Pipeline))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

func (c Config) exporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	if c.Exporter != nil {
		return c.Exporter, nil
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(c.Endpoint)}
	if c.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if c.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(c.URLPath))
	}
	if len(c.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(c.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

// Provider is an installed tracer provider
type Provider struct {
	tp     *sdktrace.TracerProvider
	logger *zap.Logger
}

// Setup builds the tracer provider for cfg and installs it, together with
// the W3C trace context propagator, as the global provider.
func Setup(ctx context.Context, cfg Config, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}

	exporter, err := cfg.exporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	res, err := cfg.resource(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var batch []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batch = append(batch, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batch...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("Tracing enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("pipeline", cfg.Pipeline),
		zap.Float64("sample_ratio", cfg.SampleRatio))
	return &Provider{tp: tp, logger: logger}, nil
}

// Shutdown flushes pending spans, waiting at most timeout
func (p *Provider) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.tp.Shutdown(ctx); err != nil {
		p.logger.Error("Failed to flush traces", zap.Error(err))
		return err
	}
	return nil
}
