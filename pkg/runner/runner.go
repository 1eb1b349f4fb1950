// Package runner feeds pipeline runs from a broker. It pulls deliveries in
// batches, hands them to a pool of workers and settles every delivery with
// the broker once its run has ended.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	internaltracing "github.com/wehubfusion/conduit/internal/tracing"
	sdkerrors "github.com/wehubfusion/conduit/pkg/errors"
	"github.com/wehubfusion/conduit/pkg/faults"
	"github.com/wehubfusion/conduit/pkg/message"
	"github.com/wehubfusion/conduit/pkg/pipeline"
)

// Source yields deliveries. Fetch returns an empty batch when nothing is
// available within its own wait time.
type Source interface {
	Fetch(ctx context.Context, max int) ([]*message.Delivery, error)
}

// Processor runs one message through a pipeline. *pipeline.Pipeline
// implements it.
type Processor interface {
	Process(ctx context.Context, msg *message.Message, session *message.Session) (*pipeline.RunResult, error)
}

// ResultPublisher reports the outcome of a completed run
type ResultPublisher interface {
	Publish(ctx context.Context, d *message.Delivery, res *pipeline.RunResult) error
}

// Config configures a Runner
type Config struct {
	Source    Source
	Processor Processor

	// BatchSize is how many deliveries are pulled at once
	BatchSize int

	// Workers is the number of concurrent runs
	Workers int

	// ProcessTimeout bounds a single run
	ProcessTimeout time.Duration

	// Results, when set, receives every completed run
	Results ResultPublisher

	// Middleware wraps the run handler, outermost first
	Middleware []message.Middleware

	Reporter faults.Reporter
	Logger   *zap.Logger

	// Tracing is optional; when set the runner installs the tracer provider
	// and shuts it down on Close
	Tracing *TracingConfig
}

// Runner manages concurrent pipeline runs fed by a Source.
type Runner struct {
	cfg             Config
	handler         message.Handler
	logger          *zap.Logger
	reporter        faults.Reporter
	tracer          trace.Tracer
	tracing         *internaltracing.Provider
	shutdownTimeout time.Duration
}

// NewRunner validates cfg and creates a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Source == nil {
		return nil, errors.New("source cannot be nil")
	}
	if cfg.Processor == nil {
		return nil, errors.New("processor cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("batchSize must be greater than 0")
	}
	if cfg.Workers <= 0 {
		return nil, errors.New("workers must be greater than 0")
	}
	if cfg.ProcessTimeout <= 0 {
		return nil, errors.New("processTimeout must be greater than 0")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	r := &Runner{
		cfg:      cfg,
		logger:   cfg.Logger,
		reporter: cfg.Reporter,
		tracer:   otel.Tracer("conduit/runner"),
	}
	if r.reporter == nil {
		r.reporter = faults.Nop{}
	}
	r.handler = message.Chain(cfg.Middleware...)(r.run)

	if cfg.Tracing != nil {
		provider, err := internaltracing.Setup(context.Background(), cfg.Tracing.toInternalConfig(), cfg.Logger)
		if err != nil {
			cfg.Logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			r.tracing = provider
			r.shutdownTimeout = cfg.Tracing.ShutdownTimeout
			if r.shutdownTimeout <= 0 {
				r.shutdownTimeout = 10 * time.Second
			}
		}
	}
	return r, nil
}

// Close shuts down tracing when the runner installed it.
func (r *Runner) Close() error {
	if r.tracing == nil {
		return nil
	}
	return r.tracing.Shutdown(r.shutdownTimeout)
}

// Run pulls and processes deliveries until ctx is cancelled. Runs in flight
// when ctx ends see the cancellation and their deliveries are nak'ed.
func (r *Runner) Run(ctx context.Context) error {
	deliveries := make(chan *message.Delivery, r.cfg.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, deliveries)
		}(i)
	}

	go func() {
		defer close(deliveries)
		r.pull(ctx, deliveries)
	}()

	wg.Wait()
	r.logger.Info("Runner stopped")
	return ctx.Err()
}

func (r *Runner) pull(ctx context.Context, out chan<- *message.Delivery) {
	backoffDelay := 100 * time.Millisecond
	maxBackoff := 5 * time.Second

	for ctx.Err() == nil {
		batch, err := r.cfg.Source.Fetch(ctx, r.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("Error pulling messages", zap.Error(err))
			select {
			case <-time.After(backoffDelay):
			case <-ctx.Done():
				return
			}
			if backoffDelay < maxBackoff {
				backoffDelay *= 2
			}
			continue
		}
		backoffDelay = 100 * time.Millisecond

		for _, d := range batch {
			select {
			case out <- d:
			case <-ctx.Done():
				// not handed to a worker; let the broker redeliver it
				r.settle(d, sdkerrors.Cancelled("", ctx.Err()))
				return
			}
		}
	}
}

func (r *Runner) worker(ctx context.Context, workerID int, in <-chan *message.Delivery) {
	r.logger.Debug("Worker started", zap.Int("workerID", workerID))
	defer r.logger.Debug("Worker stopped", zap.Int("workerID", workerID))

	for d := range in {
		err := r.handler(ctx, d)
		r.settle(d, err)
	}
}

// settle acks a completed run, naks an interrupted one so it is redelivered
// and terminates everything else: the pipeline already retried what could
// be retried.
func (r *Runner) settle(d *message.Delivery, err error) {
	var settleErr error
	switch {
	case err == nil:
		settleErr = d.Ack()
	case sdkerrors.IsCancelled(err):
		settleErr = d.Nak()
	default:
		settleErr = d.Term()
	}
	if settleErr != nil {
		r.logger.Error("Error settling delivery",
			zap.String("subject", d.Subject),
			zap.Error(settleErr))
	}
}

// run is the innermost handler: one pipeline run for one delivery
func (r *Runner) run(ctx context.Context, d *message.Delivery) error {
	if d.Envelope == nil {
		return errors.New("delivery has no envelope")
	}
	ctx, span := r.tracer.Start(ctx, "runner.run",
		trace.WithAttributes(
			internaltracing.AttrSubject.String(d.Subject),
			internaltracing.AttrMessageID.String(d.MessageID),
			internaltracing.AttrCorrelationID.String(d.CorrelationID),
		))
	defer span.End()

	processCtx, cancel := context.WithTimeout(ctx, r.cfg.ProcessTimeout)
	defer cancel()

	msg := d.Message()
	session := d.Session()
	session.ScheduleClose(msg)
	defer func() {
		if err := session.Close(); err != nil {
			r.logger.Warn("Error closing session resources", zap.Error(err))
		}
	}()

	start := time.Now()
	res, err := r.cfg.Processor.Process(processCtx, msg, session)
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int64("processing.duration_ms", elapsed.Milliseconds()))

	if err != nil {
		// an expired run deadline surfaces as cancellation and is redelivered
		runTimeout := ctx.Err() == nil && errors.Is(processCtx.Err(), context.DeadlineExceeded)
		if runTimeout {
			r.logger.Warn("Run exceeded process timeout",
				zap.String("message_id", d.MessageID),
				zap.Duration("timeout", r.cfg.ProcessTimeout))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if runTimeout || !sdkerrors.IsCancelled(err) {
			r.reporter.Report(ctx, err, map[string]string{
				"message_id":     d.MessageID,
				"correlation_id": d.CorrelationID,
			})
		}
		return err
	}

	span.SetAttributes(
		internaltracing.AttrExit.String(res.Exit.Name),
		internaltracing.AttrSteps.Int(res.Steps))
	span.SetStatus(codes.Ok, "")
	r.logger.Info("Run completed",
		zap.String("message_id", d.MessageID),
		zap.String("correlation_id", d.CorrelationID),
		zap.String("exit", res.Exit.Name),
		zap.String("last_unit", res.LastUnit),
		zap.Duration("processingTime", elapsed))

	if r.cfg.Results != nil {
		// publish even when the caller is shutting down
		pubCtx, pubCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer pubCancel()
		if err := r.cfg.Results.Publish(pubCtx, d, res); err != nil {
			return fmt.Errorf("publish result: %w", err)
		}
	}
	return nil
}
