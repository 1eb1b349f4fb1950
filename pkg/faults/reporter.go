// Package faults forwards surfaced pipeline faults to an error tracker.
package faults

import (
	"context"
	"errors"
	"time"

	"github.com/getsentry/sentry-go"

	sdkerrors "github.com/wehubfusion/conduit/pkg/errors"
)

// Reporter receives faults that end a unit invocation.
type Reporter interface {
	Report(ctx context.Context, err error, tags map[string]string)
}

// Nop discards every report
type Nop struct{}

// Report implements Reporter
func (Nop) Report(context.Context, error, map[string]string) {}

// SentryReporter sends faults to Sentry. Cancellations are never reported.
type SentryReporter struct {
	hub *sentry.Hub
}

// SentryConfig holds Sentry client settings
type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
}

// NewSentryReporter initializes a dedicated Sentry client
func NewSentryReporter(cfg SentryConfig) (*SentryReporter, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1.0
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		SampleRate:  cfg.SampleRate,
	})
	if err != nil {
		return nil, err
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// NewSentryReporterWithHub uses an existing hub
func NewSentryReporterWithHub(hub *sentry.Hub) *SentryReporter {
	return &SentryReporter{hub: hub}
}

// Report captures err with the given tags plus the fault code and unit
func (r *SentryReporter) Report(ctx context.Context, err error, tags map[string]string) {
	if err == nil || sdkerrors.IsCancelled(err) {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		var fault *sdkerrors.Error
		if errors.As(err, &fault) {
			scope.SetTag("fault.code", fault.Code)
			if fault.Unit != "" {
				scope.SetTag("unit", fault.Unit)
			}
		}
		r.hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be sent
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}
