// Package dispatch sends a message to an external collaborator with bounded
// retries, classifies the outcome and maps it onto the unit's forwards.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/conduit/internal/tracing"
	sdkerrors "github.com/wehubfusion/conduit/pkg/errors"
	"github.com/wehubfusion/conduit/pkg/expr"
	"github.com/wehubfusion/conduit/pkg/faults"
	"github.com/wehubfusion/conduit/pkg/forward"
	"github.com/wehubfusion/conduit/pkg/message"
	"github.com/wehubfusion/conduit/pkg/pipeline"
)

const defaultAuditTrail = "no audit trail"

// Config configures a dispatch unit
type Config struct {
	Name   string
	Sender Sender

	// Listener resolves replies of asynchronous senders
	Listener   Listener
	LinkMethod LinkMethod

	// MessageLog receives one audit record per successful send
	MessageLog           MessageLog
	AuditTrailSessionKey string
	LabelSessionKey      string

	// Pre- and post-processing steps; any may be nil
	InputWrapper    pipeline.Processor
	InputValidator  pipeline.Processor
	OutputValidator pipeline.Processor
	OutputWrapper   pipeline.Processor

	Retry RetryPolicy

	// RetryWhen is evaluated on every successful reply; true sends again
	RetryWhen *expr.Predicate

	// ValidResult diverts replies it rejects to the illegalResult forward
	ValidResult func(*message.Message) bool

	// PresumedTimeoutInterval enables the fast-fail window after a timeout
	PresumedTimeoutInterval time.Duration
	Registry                OutcomeRegistry

	// ResultOnTimeout replaces the reply after a timeout and continues on success
	ResultOnTimeout string

	// Simulation enables the result sentinels and disables presumed timeouts
	Simulation        bool
	TimeoutOnResult   string
	ExceptionOnResult string

	// AllowedForwards extends the forward names the unit type declares
	AllowedForwards []string

	Logger   *zap.Logger
	Tracer   trace.Tracer
	Metrics  *Metrics
	Reporter faults.Reporter
	Sleep    Sleeper
	Now      func() time.Time
}

// Forwards declared by every dispatch unit
var declaredForwards = []string{
	forward.Success,
	forward.Exception,
	forward.Timeout,
	forward.IllegalResult,
	forward.PresumedTimeout,
	forward.Interrupt,
}

// Unit is a pipeline unit that sends its input through a Sender.
type Unit struct {
	*pipeline.Base

	config   Config
	policy   RetryPolicy
	registry OutcomeRegistry
	tracer   trace.Tracer
	reporter faults.Reporter
	sleep    Sleeper
	now      func() time.Time
	warnings []string
}

type sendOutcome struct {
	message *message.Message
	forward string
}

// New creates a dispatch unit. Configure must be called before use, which
// the owning pipeline does.
func New(cfg Config) (*Unit, error) {
	if cfg.Sender == nil {
		return nil, sdkerrors.Configuration(cfg.Name, "sender is required", nil)
	}
	if cfg.Retry.MinInterval == 0 {
		cfg.Retry.MinInterval = MinRetryInterval
	}
	if cfg.Retry.MaxInterval == 0 {
		cfg.Retry.MaxInterval = MaxRetryInterval
	}
	if cfg.LinkMethod == "" {
		cfg.LinkMethod = LinkCorrelationID
	}

	u := &Unit{
		Base:     pipeline.NewBase(cfg.Name, cfg.Logger, append(append([]string(nil), declaredForwards...), cfg.AllowedForwards...)...),
		config:   cfg,
		registry: cfg.Registry,
		tracer:   cfg.Tracer,
		reporter: cfg.Reporter,
		sleep:    cfg.Sleep,
		now:      cfg.Now,
	}
	if u.registry == nil {
		u.registry = DefaultRegistry
	}
	if u.tracer == nil {
		u.tracer = otel.Tracer("conduit/dispatch")
	}
	if u.reporter == nil {
		u.reporter = faults.Nop{}
	}
	if u.sleep == nil {
		u.sleep = SleepContext
	}
	if u.now == nil {
		u.now = time.Now
	}
	return u, nil
}

// Sender returns the configured sender
func (u *Unit) Sender() Sender {
	return u.config.Sender
}

// Policy returns the normalized retry policy
func (u *Unit) Policy() RetryPolicy {
	return u.policy
}

// Warnings returns the configuration adjustments made by Configure
func (u *Unit) Warnings() []string {
	return append([]string(nil), u.warnings...)
}

func (u *Unit) processors() []pipeline.Processor {
	return []pipeline.Processor{u.config.InputWrapper, u.config.InputValidator, u.config.OutputValidator, u.config.OutputWrapper}
}

// Configure validates the unit and normalizes the retry policy. Out-of-range
// retry intervals are clamped with a warning.
func (u *Unit) Configure(scope forward.Scope) error {
	if err := u.Base.Configure(scope); err != nil {
		return err
	}

	policy, warnings := u.config.Retry.Normalize()
	for _, w := range warnings {
		u.Logger().Warn("Retry policy adjusted", zap.String("warning", w))
	}
	u.policy = policy
	u.warnings = warnings

	if !u.config.Simulation && (u.config.TimeoutOnResult != "" || u.config.ExceptionOnResult != "") {
		return sdkerrors.Configuration(u.Name(), "timeoutOnResult and exceptionOnResult require simulation mode", nil)
	}
	if u.config.LinkMethod != LinkCorrelationID && u.config.LinkMethod != LinkMessageID {
		return sdkerrors.Configuration(u.Name(), fmt.Sprintf("unknown link method [%s]", u.config.LinkMethod), nil)
	}
	if u.config.ValidResult != nil {
		if _, ok := u.Table().Resolve(forward.IllegalResult); !ok {
			return sdkerrors.Configuration(u.Name(), "result validation requires an illegalResult forward", sdkerrors.ErrNoForward)
		}
	}
	for _, p := range u.processors() {
		if nested, ok := p.(pipeline.Unit); ok {
			if err := nested.Configure(scope); err != nil {
				return fmt.Errorf("configure %s: %w", nested.Name(), err)
			}
		}
	}
	return nil
}

// Start opens the sender, listener and message log, then starts nested units.
func (u *Unit) Start(ctx context.Context) error {
	if err := u.Base.Start(ctx); err != nil {
		return err
	}
	for _, c := range []interface{}{u.config.Sender, u.config.Listener, u.config.MessageLog} {
		if o, ok := c.(Opener); ok {
			if err := o.Open(ctx); err != nil {
				return sdkerrors.Configuration(u.Name(), "open collaborator", err)
			}
		}
	}
	for _, p := range u.processors() {
		if nested, ok := p.(pipeline.Unit); ok {
			if err := nested.Start(ctx); err != nil {
				return fmt.Errorf("start %s: %w", nested.Name(), err)
			}
		}
	}
	return nil
}

// Stop closes collaborators that implement io.Closer and stops nested units.
func (u *Unit) Stop(ctx context.Context) error {
	for _, c := range []interface{}{u.config.Sender, u.config.Listener, u.config.MessageLog} {
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				u.Logger().Warn("Error closing collaborator", zap.Error(err))
			}
		}
	}
	for _, p := range u.processors() {
		if nested, ok := p.(pipeline.Unit); ok {
			_ = nested.Stop(ctx)
		}
	}
	return u.Base.Stop(ctx)
}

// Process runs pre-processing, the send with retries, audit and
// post-processing. Pre- and post-processing steps that do not succeed end the
// invocation with their own result; the sender is never called after a
// failed input step.
func (u *Unit) Process(ctx context.Context, msg *message.Message, session *message.Session) (*pipeline.Result, error) {
	ctx, span := u.tracer.Start(ctx, "dispatch.process",
		trace.WithAttributes(tracing.AttrUnit.String(u.Name())))
	defer span.End()

	original := msg
	pre, err := u.applyChain(ctx, msg, session,
		step{"inputWrapper", u.config.InputWrapper},
		step{"inputValidator", u.config.InputValidator})
	if err != nil || !pre.Successful() {
		return u.finish(ctx, span, pre, err)
	}

	sent, err := u.sendWithRetries(ctx, pre.Message, original, session)
	if err != nil {
		res, err := u.onSendError(err)
		return u.finish(ctx, span, res, err)
	}

	if u.config.ValidResult != nil && !u.config.ValidResult(sent.message) {
		u.Logger().Warn("Sender returned an illegal result")
		return u.finish(ctx, span, &pipeline.Result{Forward: forward.IllegalResult, Message: sent.message}, nil)
	}

	post, err := u.applyChain(ctx, sent.message, session,
		step{"outputValidator", u.config.OutputValidator},
		step{"outputWrapper", u.config.OutputWrapper})
	if err != nil || !post.Successful() {
		return u.finish(ctx, span, post, err)
	}
	return u.finish(ctx, span, &pipeline.Result{Forward: sent.forward, Message: post.Message}, nil)
}

func (u *Unit) finish(ctx context.Context, span trace.Span, res *pipeline.Result, err error) (*pipeline.Result, error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !sdkerrors.IsCancelled(err) {
			u.Logger().Error("Dispatch failed", zap.Error(err))
			u.reporter.Report(ctx, err, map[string]string{"unit": u.Name()})
		}
		return nil, err
	}
	span.SetAttributes(tracing.AttrForward.String(res.Forward))
	span.SetStatus(codes.Ok, "")
	return res, nil
}

type step struct {
	name string
	p    pipeline.Processor
}

func (u *Unit) applyChain(ctx context.Context, msg *message.Message, session *message.Session, steps ...step) (*pipeline.Result, error) {
	current := msg
	for _, s := range steps {
		if s.p == nil {
			continue
		}
		u.Logger().Debug("Applying step", zap.String("step", s.name))
		res, err := s.p.Process(ctx, current, session)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.name, err)
		}
		if res == nil {
			return nil, sdkerrors.Dispatch(u.Name(), "retrieved null result from "+s.name, nil)
		}
		if !res.Successful() {
			return res, nil
		}
		if res.Message != nil && res.Message != current {
			session.ScheduleClose(res.Message)
			current = res.Message
		}
	}
	return pipeline.Success(current), nil
}

// onSendError maps a final send error onto a forward where one applies.
// Timeouts follow the timeout forward, else the success forward with
// ResultOnTimeout, else the exception forward.
func (u *Unit) onSendError(err error) (*pipeline.Result, error) {
	if sdkerrors.IsCancelled(err) || !sdkerrors.IsTimeout(err) {
		return nil, err
	}
	u.Logger().Warn("Timeout occurred", zap.Error(err))

	reply := message.NewStringMessage(pipeline.FormatError(u.Name(), err))
	if u.config.ResultOnTimeout != "" {
		reply = message.NewStringMessage(u.config.ResultOnTimeout)
	}
	if _, ok := u.Table().Resolve(forward.Timeout); ok {
		return &pipeline.Result{Forward: forward.Timeout, Message: reply}, nil
	}
	if u.config.ResultOnTimeout != "" {
		return &pipeline.Result{Forward: forward.Success, Message: reply}, nil
	}
	if _, ok := u.Table().Resolve(forward.Exception); ok {
		return &pipeline.Result{Forward: forward.Exception, Message: reply}, nil
	}
	return nil, err
}
