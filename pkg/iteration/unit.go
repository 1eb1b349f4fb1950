// Package iteration expands a message into items and dispatches every item,
// sequentially, in blocks or in parallel, collecting the outcomes into a
// result envelope.
package iteration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/conduit/internal/tracing"
	"github.com/wehubfusion/conduit/pkg/concurrency"
	"github.com/wehubfusion/conduit/pkg/dispatch"
	sdkerrors "github.com/wehubfusion/conduit/pkg/errors"
	"github.com/wehubfusion/conduit/pkg/expr"
	"github.com/wehubfusion/conduit/pkg/forward"
	"github.com/wehubfusion/conduit/pkg/message"
)

// Unit is a dispatch unit whose send is the whole iteration. Pre- and
// post-processing, retries, audit and forward mapping behave as for
// dispatch.Unit; the stop outcomes maxItemsReached and stopConditionMet are
// followed when the unit declares them and fall back to success otherwise.
type Unit struct {
	*dispatch.Unit
	items *itemSender
}

// New creates an iteration unit
func New(cfg Config) (*Unit, error) {
	if cfg.Source == nil {
		return nil, sdkerrors.Configuration(cfg.Name, "item source is required", nil)
	}
	if cfg.Sender == nil {
		return nil, sdkerrors.Configuration(cfg.Name, "sender is required", nil)
	}
	if cfg.MaxItems < 0 || cfg.BlockSize < 0 || cfg.MaxChildThreads < 0 {
		return nil, sdkerrors.Configuration(cfg.Name, "maxItems, blockSize and maxChildThreads must not be negative", nil)
	}
	switch cfg.Strategy {
	case "":
		cfg.Strategy = StrategySequential
	case StrategySequential, StrategyParallel:
	default:
		return nil, sdkerrors.Configuration(cfg.Name, fmt.Sprintf("unknown strategy [%s]", cfg.Strategy), nil)
	}
	if cfg.Strategy == StrategyParallel && cfg.blockMode() {
		return nil, sdkerrors.Configuration(cfg.Name, "blocks require the sequential strategy", nil)
	}

	s := &itemSender{cfg: cfg, inner: cfg.Sender, tracer: cfg.Tracer}
	if s.tracer == nil {
		s.tracer = otel.Tracer("conduit/iteration")
	}
	if cfg.Strategy == StrategyParallel {
		s.limiter = cfg.Limiter
		if s.limiter == nil {
			var opts []concurrency.Option
			if cfg.Metrics != nil {
				opts = append(opts, concurrency.WithInFlightGauge(cfg.Metrics.InFlight))
			}
			s.limiter = concurrency.NewLimiter(cfg.MaxChildThreads, opts...)
		}
	}

	dcfg := cfg.Config
	dcfg.Sender = s
	dcfg.AllowedForwards = append(append([]string(nil), cfg.AllowedForwards...), forward.MaxItemsReached, forward.StopConditionMet)
	du, err := dispatch.New(dcfg)
	if err != nil {
		return nil, err
	}
	s.name = du.Name()
	s.logger = du.Logger()
	return &Unit{Unit: du, items: s}, nil
}

// Limiter returns the limiter bounding parallel items, nil when sequential
func (u *Unit) Limiter() *concurrency.Limiter {
	return u.items.limiter
}

// itemSender runs one iteration as a single synchronous send
type itemSender struct {
	cfg     Config
	name    string
	inner   dispatch.Sender
	limiter *concurrency.Limiter
	logger  *zap.Logger
	tracer  trace.Tracer
}

func (s *itemSender) Name() string { return s.inner.Name() }

func (s *itemSender) Synchronous() bool { return true }

// Open opens the item sender when it needs it
func (s *itemSender) Open(ctx context.Context) error {
	if o, ok := s.inner.(dispatch.Opener); ok {
		return o.Open(ctx)
	}
	return nil
}

// Close closes the item sender when it is closable
func (s *itemSender) Close() error {
	if c, ok := s.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *itemSender) Send(ctx context.Context, msg *message.Message, session *message.Session) (*dispatch.SenderResult, error) {
	source, err := s.cfg.Source.Open(ctx, msg, session)
	if err != nil {
		return nil, sdkerrors.Dispatch(s.name, "open item source", err)
	}
	items := prepare(source, s.cfg)
	defer func() {
		if err := items.Close(); err != nil {
			s.logger.Warn("Error closing item source", zap.Error(err))
		}
	}()

	env := NewEnvelope(!s.cfg.Summary, s.cfg.AddInputToResult)
	var stop string
	if s.cfg.Strategy == StrategyParallel {
		stop, err = s.runParallel(ctx, items, session, env)
	} else {
		stop, err = s.runSequential(ctx, items, session, env)
	}
	env.Seal()
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Iteration finished",
		zap.Int("items", env.Count()),
		zap.String("stop", stop))
	return &dispatch.SenderResult{
		Success: true,
		Message: message.NewStringMessage(env.String()),
		Forward: stop,
	}, nil
}

func (s *itemSender) runSequential(ctx context.Context, items Items, session *message.Session, env *Envelope) (stop string, err error) {
	blocks := newBlockScope(s.inner, s.cfg, session)
	defer func() {
		cerr := blocks.close(context.WithoutCancel(ctx))
		if cerr == nil {
			return
		}
		if err != nil {
			s.logger.Warn("Error closing block", zap.Error(cerr))
			return
		}
		stop, err = "", sdkerrors.Dispatch(s.name, "close block", cerr)
	}()

	for n := 0; ; n++ {
		if err := sdkerrors.FromContext(ctx, s.name); err != nil {
			return "", err
		}
		item, ok, err := items.Next(ctx)
		if err != nil {
			return "", sdkerrors.Dispatch(s.name, "read next item", err)
		}
		if !ok {
			return "", nil
		}
		s.setItemNo(session, n)

		itemCtx, err := blocks.enter(ctx, item)
		if err != nil {
			return "", sdkerrors.Dispatch(s.name, "open block", err)
		}
		entry, err := s.handle(itemCtx, n, item, session)
		if err != nil {
			return "", err
		}
		if err := blocks.sent(ctx); err != nil {
			return "", sdkerrors.Dispatch(s.name, "close block", err)
		}
		if err := env.Add(entry); err != nil {
			return "", err
		}
		stop, err := s.stopReason(ctx, n+1, entry)
		if err != nil || stop != "" {
			return stop, err
		}
	}
}

type slot struct {
	entry Entry
	err   error
}

// runParallel submits every item to the limiter and waits for all submitted
// work, also when the run is cancelled or an item fails. Stop conditions are
// applied to the results in item order once all work is done: items after
// the stopping one have already reached the Sender, only the envelope is cut
// at the stopping item. MaxItems is the one limit enforced at submission.
func (s *itemSender) runParallel(ctx context.Context, items Items, session *message.Session, env *Envelope) (string, error) {
	group := s.limiter.NewGroup()
	var (
		slots     []*slot
		failed    atomic.Bool
		submitErr error
	)
	for n := 0; ; n++ {
		if err := sdkerrors.FromContext(ctx, s.name); err != nil {
			submitErr = err
			break
		}
		if failed.Load() {
			break
		}
		if s.cfg.MaxItems > 0 && n >= s.cfg.MaxItems {
			break
		}
		item, ok, err := items.Next(ctx)
		if err != nil {
			submitErr = sdkerrors.Dispatch(s.name, "read next item", err)
			break
		}
		if !ok {
			break
		}
		s.setItemNo(session, n)

		sl := &slot{}
		index := n
		err = group.Go(ctx, func() {
			sl.entry, sl.err = s.handle(ctx, index, item, session)
			if sl.err != nil {
				failed.Store(true)
			}
		})
		if err != nil {
			submitErr = sdkerrors.Cancelled(s.name, err)
			break
		}
		slots = append(slots, sl)
	}
	group.Wait()

	if submitErr != nil {
		return "", submitErr
	}
	var errs []error
	for _, sl := range slots {
		if sl.err == nil {
			continue
		}
		if sdkerrors.IsCancelled(sl.err) {
			return "", sl.err
		}
		errs = append(errs, sl.err)
	}
	if len(errs) > 0 {
		return "", sdkerrors.Dispatch(s.name, "an error occurred during parallel execution", errors.Join(errs...))
	}

	for i, sl := range slots {
		if err := env.Add(sl.entry); err != nil {
			return "", err
		}
		stop, err := s.stopReason(ctx, i+1, sl.entry)
		if err != nil || stop != "" {
			return stop, err
		}
	}
	return "", nil
}

// stopReason checks maxItems before the stop condition
func (s *itemSender) stopReason(ctx context.Context, count int, entry Entry) (string, error) {
	if s.cfg.MaxItems > 0 && count >= s.cfg.MaxItems {
		s.logger.Debug("Max items reached", zap.Int("count", count))
		return forward.MaxItemsReached, nil
	}
	if s.cfg.StopWhen == nil {
		return "", nil
	}
	stop, err := s.cfg.StopWhen.Eval(ctx, expr.ResultVars(entry.Result, map[string]interface{}{
		"item":  entry.Input,
		"index": entry.Index,
	}))
	if err != nil {
		return "", sdkerrors.Dispatch(s.name, "evaluate stop condition", err)
	}
	if stop {
		s.logger.Debug("Stop condition met", zap.Int("count", count))
		return forward.StopConditionMet, nil
	}
	return "", nil
}

func (s *itemSender) setItemNo(session *message.Session, index int) {
	if s.cfg.ItemNoSessionKey != "" {
		session.Set(s.cfg.ItemNoSessionKey, index+1)
	}
}

// handle sends one item and converts a failure into a marker entry when
// exceptions are ignored.
func (s *itemSender) handle(ctx context.Context, index int, item string, session *message.Session) (Entry, error) {
	ctx, span := s.tracer.Start(ctx, "iteration.item",
		trace.WithAttributes(
			tracing.AttrUnit.String(s.name),
			tracing.AttrItemIndex.Int(index)))
	defer span.End()

	entry := Entry{Index: index, Input: item}
	result, err := s.sendItem(ctx, item, session)
	if err == nil {
		entry.Result = result
		s.cfg.Metrics.Item(s.name, forward.Success)
		span.SetStatus(codes.Ok, "")
		return entry, nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if sdkerrors.IsCancelled(err) {
		return entry, err
	}

	entry.Kind, entry.Result = EntryException, err.Error()
	outcome := forward.Exception
	if sdkerrors.IsTimeout(err) {
		entry.Kind, outcome = EntryTimeout, forward.Timeout
	}
	s.cfg.Metrics.Item(s.name, outcome)
	if !s.cfg.IgnoreExceptions {
		return entry, sdkerrors.IterationItem(s.name, index, err)
	}
	s.logger.Info("Ignoring failed item",
		zap.Int("index", index),
		zap.String("outcome", outcome),
		zap.Error(err))
	return entry, nil
}

func (s *itemSender) sendItem(ctx context.Context, item string, session *message.Session) (string, error) {
	msg := message.NewStringMessage(item)
	session.ScheduleClose(msg)

	if s.cfg.Transform != nil {
		res, err := s.cfg.Transform.Process(ctx, msg, session)
		if err != nil {
			return "", fmt.Errorf("transform item: %w", err)
		}
		if !res.Successful() {
			return "", fmt.Errorf("transform item: unexpected result")
		}
		if res.Message != msg {
			session.ScheduleClose(res.Message)
			msg = res.Message
		}
	}

	res, err := s.inner.Send(ctx, msg, session)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", sdkerrors.Cancelled(s.name, ctxErr)
	}
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", errors.New("sender returned no result")
	}
	if !res.Success {
		if res.Error == "" {
			return "", errors.New("sender reported failure")
		}
		return "", errors.New(res.Error)
	}

	var text string
	if !res.Message.IsNull() {
		session.ScheduleClose(res.Message)
		text, err = res.Message.String()
		if err != nil {
			return "", fmt.Errorf("read item result: %w", err)
		}
	}
	if s.cfg.Simulation {
		if s.cfg.TimeoutOnResult != "" && text == s.cfg.TimeoutOnResult {
			return "", fmt.Errorf("%w: timeoutOnResult [%s]", sdkerrors.ErrTimeout, text)
		}
		if s.cfg.ExceptionOnResult != "" && text == s.cfg.ExceptionOnResult {
			return "", fmt.Errorf("exceptionOnResult [%s]", text)
		}
	}
	return text, nil
}
