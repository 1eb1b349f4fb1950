package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/conduit/internal/tracing"
	sdkerrors "github.com/wehubfusion/conduit/pkg/errors"
	"github.com/wehubfusion/conduit/pkg/expr"
	"github.com/wehubfusion/conduit/pkg/forward"
	"github.com/wehubfusion/conduit/pkg/message"
)

// errInvalidReply is returned when the retry predicate still holds after the
// last attempt.
var errInvalidReply = errors.New("invalid reply message is received")

// sendWithRetries performs up to Attempts() sends with backoff in between,
// then audits the accepted send and, for asynchronous senders, waits for the
// correlated reply.
func (u *Unit) sendWithRetries(ctx context.Context, msg, original *message.Message, session *message.Session) (*sendOutcome, error) {
	if err := u.presumedTimeout(ctx); err != nil {
		return nil, err
	}

	backoff := NewBackoff(u.policy)
	attempts := u.policy.Attempts()
	if u.config.MessageLog != nil || attempts > 1 {
		if err := retain(msg, original); err != nil {
			return nil, sdkerrors.Dispatch(u.Name(), "read message", err)
		}
	}
	var (
		res     *SenderResult
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := sdkerrors.FromContext(ctx, u.Name()); err != nil {
			return nil, err
		}

		var retry bool
		res, retry, lastErr = u.sendOnce(ctx, msg, session, attempt)
		if lastErr != nil && sdkerrors.IsCancelled(lastErr) {
			return nil, lastErr
		}
		if !retry {
			break
		}
		if attempt == attempts {
			if lastErr == nil {
				lastErr = sdkerrors.Dispatch(u.Name(), "retry condition still met after last attempt", errInvalidReply)
			}
			break
		}

		wait := backoff.Next()
		u.config.Metrics.retry(u.Name())
		u.Logger().Warn("Send attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("attempts", attempts),
			zap.Duration("backoff", wait),
			zap.Error(lastErr))
		if err := u.sleep(ctx, wait); err != nil {
			return nil, sdkerrors.Cancelled(u.Name(), err)
		}
		lastErr = nil
	}

	u.recordOutcome(ctx, lastErr)
	if lastErr != nil {
		return nil, lastErr
	}

	reply := res.Message
	if reply == nil {
		reply = message.Null()
	}
	if err := u.audit(ctx, original, reply, session); err != nil {
		return nil, err
	}
	if !u.config.Sender.Synchronous() && u.config.Listener != nil {
		awaited, err := u.await(ctx, reply, session)
		if err != nil {
			return nil, err
		}
		reply = awaited
	}
	return &sendOutcome{message: reply, forward: u.forwardFor(res)}, nil
}

// retain loads stream-backed content into memory so that every attempt and
// the audit step can read it, also after a sender drained it through Reader.
func retain(msgs ...*message.Message) error {
	for _, m := range msgs {
		if m == nil || m.IsNull() {
			continue
		}
		if _, err := m.Bytes(); err != nil {
			return err
		}
	}
	return nil
}

// sendOnce performs one attempt. It reports whether another attempt is
// wanted; a returned error is the classified failure of this attempt.
func (u *Unit) sendOnce(ctx context.Context, msg *message.Message, session *message.Session, attempt int) (*SenderResult, bool, error) {
	ctx, span := u.tracer.Start(ctx, "dispatch.send",
		trace.WithAttributes(
			tracing.AttrUnit.String(u.Name()),
			tracing.AttrSender.String(u.config.Sender.Name()),
			tracing.AttrAttempt.Int(attempt)))
	defer span.End()

	res, err := u.config.Sender.Send(ctx, msg, session)
	if ctxErr := ctx.Err(); ctxErr != nil {
		u.config.Metrics.attempt(u.Name(), forward.Interrupt)
		span.SetStatus(codes.Error, "interrupted")
		return nil, false, sdkerrors.Cancelled(u.Name(), ctxErr)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if sdkerrors.IsTimeout(err) {
			u.config.Metrics.attempt(u.Name(), forward.Timeout)
			return nil, true, sdkerrors.Dispatch(u.Name(), "timeout sending message", err)
		}
		u.config.Metrics.attempt(u.Name(), forward.Exception)
		return nil, true, sdkerrors.Dispatch(u.Name(), "sender failed", err)
	}
	if res == nil {
		u.config.Metrics.attempt(u.Name(), forward.Exception)
		return nil, true, sdkerrors.Dispatch(u.Name(), "sender returned no result", nil)
	}

	if !res.Success {
		if _, ok := u.hintTarget(res.Forward); ok {
			u.config.Metrics.attempt(u.Name(), res.Forward)
			return res, false, nil
		}
		u.config.Metrics.attempt(u.Name(), forward.Exception)
		span.SetStatus(codes.Error, res.Error)
		return nil, true, sdkerrors.Dispatch(u.Name(), "sender reported failure", errors.New(res.Error))
	}

	if u.config.Simulation && res.Message != nil {
		if err := u.checkSentinels(res.Message); err != nil {
			span.RecordError(err)
			return nil, true, err
		}
	}

	if u.config.RetryWhen != nil {
		again, err := u.evalRetry(ctx, res.Message)
		if err != nil {
			u.config.Metrics.attempt(u.Name(), forward.Exception)
			return nil, false, sdkerrors.Dispatch(u.Name(), "evaluate retry condition", err)
		}
		if again {
			u.config.Metrics.attempt(u.Name(), "retryCondition")
			span.AddEvent("retry condition met")
			return res, true, nil
		}
	}

	u.config.Metrics.attempt(u.Name(), forward.Success)
	span.SetStatus(codes.Ok, "")
	return res, false, nil
}

// checkSentinels converts a reply equal to a configured sentinel into the
// corresponding failure. Only consulted in simulation mode.
func (u *Unit) checkSentinels(reply *message.Message) error {
	if u.config.TimeoutOnResult == "" && u.config.ExceptionOnResult == "" {
		return nil
	}
	text, err := reply.String()
	if err != nil {
		return sdkerrors.Dispatch(u.Name(), "read reply", err)
	}
	switch {
	case u.config.TimeoutOnResult != "" && text == u.config.TimeoutOnResult:
		u.config.Metrics.attempt(u.Name(), forward.Timeout)
		return sdkerrors.Dispatch(u.Name(), fmt.Sprintf("timeoutOnResult [%s]", text), sdkerrors.ErrTimeout)
	case u.config.ExceptionOnResult != "" && text == u.config.ExceptionOnResult:
		u.config.Metrics.attempt(u.Name(), forward.Exception)
		return sdkerrors.Dispatch(u.Name(), fmt.Sprintf("exceptionOnResult [%s]", text), nil)
	}
	return nil
}

func (u *Unit) evalRetry(ctx context.Context, reply *message.Message) (bool, error) {
	text := ""
	if !reply.IsNull() {
		s, err := reply.String()
		if err != nil {
			return false, err
		}
		text = s
	}
	return u.config.RetryWhen.Eval(ctx, expr.ResultVars(text, nil))
}

// presumedTimeout fails fast when the unit's previous invocation timed out
// less than PresumedTimeoutInterval ago.
func (u *Unit) presumedTimeout(ctx context.Context) error {
	if u.config.PresumedTimeoutInterval <= 0 || u.config.Simulation {
		return nil
	}
	at, ok, err := u.registry.LastTimeout(ctx, u.Name())
	if err != nil {
		u.Logger().Warn("Could not read last outcome", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	since := u.now().Sub(at)
	if since >= u.config.PresumedTimeoutInterval {
		return nil
	}
	u.config.Metrics.presumedTimeout(u.Name())
	u.Logger().Warn("Presumed timeout, not sending",
		zap.Time("last_timeout", at),
		zap.Duration("since", since))
	return sdkerrors.Dispatch(u.Name(), forward.PresumedTimeout,
		fmt.Errorf("%w: previous send timed out %s ago", sdkerrors.ErrTimeout, since.Round(time.Millisecond)))
}

// recordOutcome stores the invocation's final classification. It is written
// even when the run is being cancelled.
func (u *Unit) recordOutcome(ctx context.Context, err error) {
	outcome := forward.Success
	switch {
	case err == nil:
	case sdkerrors.IsTimeout(err):
		outcome = forward.Timeout
	default:
		outcome = forward.Exception
	}
	if rerr := u.registry.Record(context.WithoutCancel(ctx), u.Name(), outcome, u.now()); rerr != nil {
		u.Logger().Warn("Could not record outcome", zap.String("outcome", outcome), zap.Error(rerr))
	}
}

// audit appends one record for the accepted send. The payload is the message
// as it entered the unit, before any input wrapping.
func (u *Unit) audit(ctx context.Context, original, reply *message.Message, session *message.Session) error {
	if u.config.MessageLog == nil {
		return nil
	}
	rec := AuditRecord{
		MessageID:     session.MessageID(),
		CorrelationID: session.CorrelationID(),
		Timestamp:     u.now(),
		Trail:         defaultAuditTrail,
		Unit:          u.Name(),
	}
	if !u.config.Sender.Synchronous() {
		token, err := reply.String()
		if err != nil {
			return sdkerrors.Dispatch(u.Name(), "read correlation token", err)
		}
		rec.MessageID = token
	}
	if u.config.AuditTrailSessionKey != "" {
		if trail := session.GetString(u.config.AuditTrailSessionKey); trail != "" {
			rec.Trail = trail
		}
	}
	if u.config.LabelSessionKey != "" {
		rec.Label = session.GetString(u.config.LabelSessionKey)
	}
	if !original.IsNull() {
		payload, err := original.Bytes()
		if err != nil {
			return sdkerrors.Dispatch(u.Name(), "read message for audit", err)
		}
		rec.Payload = payload
		rec.Metadata = original.Metadata().Map()
	}

	start := time.Now()
	err := u.config.MessageLog.Store(ctx, rec)
	u.config.Metrics.store(u.Name(), time.Since(start))
	if err != nil {
		return sdkerrors.Dispatch(u.Name(), "store audit record", err)
	}
	u.Logger().Debug("Audit record stored",
		zap.String("message_id", rec.MessageID),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// await asks the listener for the reply correlated with an asynchronous send.
func (u *Unit) await(ctx context.Context, token *message.Message, session *message.Session) (*message.Message, error) {
	correlationID := session.CorrelationID()
	if u.config.LinkMethod == LinkMessageID {
		s, err := token.String()
		if err != nil {
			return nil, sdkerrors.Dispatch(u.Name(), "read correlation token", err)
		}
		correlationID = s
	}
	reply, err := u.config.Listener.AwaitResult(ctx, correlationID, session)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, sdkerrors.Cancelled(u.Name(), ctxErr)
		}
		return nil, sdkerrors.Dispatch(u.Name(), fmt.Sprintf("await reply for [%s]", correlationID), err)
	}
	if reply == nil {
		return message.Null(), nil
	}
	session.ScheduleClose(reply)
	return reply, nil
}

func (u *Unit) hintTarget(name string) (forward.Target, bool) {
	if name == "" {
		return forward.Target{}, false
	}
	return u.Table().Resolve(name)
}

// forwardFor picks the forward of an accepted send: the sender's hint when it
// resolves, success otherwise.
func (u *Unit) forwardFor(res *SenderResult) string {
	if _, ok := u.hintTarget(res.Forward); ok {
		return res.Forward
	}
	if res.Forward != "" {
		u.Logger().Warn("Sender forward hint does not resolve, using success", zap.String("forward", res.Forward))
	}
	return forward.Success
}
