package dispatch

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/wehubfusion/conduit/pkg/errors"
	"github.com/wehubfusion/conduit/pkg/expr"
	"github.com/wehubfusion/conduit/pkg/forward"
	"github.com/wehubfusion/conduit/pkg/message"
	"github.com/wehubfusion/conduit/pkg/pipeline"
)

type reply struct {
	res *SenderResult
	err error
}

func okReply(body string) reply {
	return reply{res: &SenderResult{Success: true, Message: message.NewStringMessage(body)}}
}

func failReply(err error) reply {
	return reply{err: err}
}

// scriptedSender plays back replies in order and repeats the last one.
type scriptedSender struct {
	mu       sync.Mutex
	replies  []reply
	async    bool
	calls    int
	received []string
	onSend   func()
}

func (s *scriptedSender) Name() string { return "scripted" }

func (s *scriptedSender) Synchronous() bool { return !s.async }

func (s *scriptedSender) Send(ctx context.Context, msg *message.Message, session *message.Session) (*SenderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	body, _ := msg.String()
	s.received = append(s.received, body)
	if s.onSend != nil {
		s.onSend()
	}
	if len(s.replies) == 0 {
		return &SenderResult{Success: true, Message: message.NewStringMessage("ok")}, nil
	}
	r := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return r.res, r.err
}

func (s *scriptedSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) Total() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total time.Duration
	for _, w := range r.waits {
		total += w
	}
	return total
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type exitScope map[string]bool

func (s exitScope) GlobalForward(string) (forward.Forward, bool) { return forward.Forward{}, false }
func (s exitScope) HasUnit(string) bool                          { return false }
func (s exitScope) HasExit(name string) bool                     { return s[name] }

var testScope = exitScope{"READY": true, "ERROR": true, "TIMEOUT": true, "ILLEGAL": true}

type recordingLog struct {
	mu      sync.Mutex
	records []AuditRecord
	err     error
}

func (l *recordingLog) Store(ctx context.Context, rec AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.records = append(l.records, rec)
	return nil
}

type recordingListener struct {
	correlationIDs []string
}

func (l *recordingListener) AwaitResult(ctx context.Context, correlationID string, session *message.Session) (*message.Message, error) {
	l.correlationIDs = append(l.correlationIDs, correlationID)
	return message.NewStringMessage("reply for " + correlationID), nil
}

func newTestUnit(t *testing.T, cfg Config, forwards map[string]forward.Target) *Unit {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "send"
	}
	if cfg.Registry == nil {
		cfg.Registry = NewMemoryRegistry()
	}
	u, err := New(cfg)
	require.NoError(t, err)
	for name, target := range forwards {
		u.AddForward(name, target)
	}
	require.NoError(t, u.Configure(testScope))
	require.NoError(t, u.Start(context.Background()))
	return u
}

func process(t *testing.T, u *Unit, body string) (*pipeline.Result, error) {
	t.Helper()
	session := message.NewSession("msg-1", "cid-1")
	t.Cleanup(func() { _ = session.Close() })
	return u.Process(context.Background(), message.NewStringMessage(body), session)
}

func bodyOf(t *testing.T, msg *message.Message) string {
	t.Helper()
	s, err := msg.String()
	require.NoError(t, err)
	return s
}

func TestUnit_RetriesUntilSuccess(t *testing.T) {
	sender := &scriptedSender{replies: []reply{
		failReply(errors.New("connection refused")),
		failReply(errors.New("connection refused")),
		okReply("<done/>"),
	}}
	sleeper := &recordingSleeper{}
	u := newTestUnit(t, Config{
		Sender: sender,
		Retry:  RetryPolicy{MaxRetries: 3, MinInterval: 1, MaxInterval: 600},
		Sleep:  sleeper.Sleep,
	}, nil)

	res, err := process(t, u, "<order/>")
	require.NoError(t, err)

	assert.Equal(t, forward.Success, res.Forward)
	assert.Equal(t, "<done/>", bodyOf(t, res.Message))
	assert.Equal(t, 3, sender.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.waits)
	assert.Equal(t, 3*time.Second, sleeper.Total())
}

func TestUnit_RetryExhaustion(t *testing.T) {
	for _, retries := range []int{0, 1, 4} {
		sender := &scriptedSender{replies: []reply{failReply(errors.New("down"))}}
		u := newTestUnit(t, Config{
			Sender: sender,
			Retry:  RetryPolicy{MaxRetries: retries},
			Sleep:  (&recordingSleeper{}).Sleep,
		}, nil)

		_, err := process(t, u, "x")
		require.Error(t, err)
		assert.True(t, sdkerrors.IsDispatch(err))
		assert.Equal(t, retries+1, sender.Calls(), "maxRetries=%d", retries)
	}
}

func TestUnit_ExhaustedFailureFollowsExceptionForwardInPipeline(t *testing.T) {
	sender := &scriptedSender{replies: []reply{failReply(errors.New("down"))}}
	u, err := New(Config{Name: "send", Sender: sender, Registry: NewMemoryRegistry(), Sleep: (&recordingSleeper{}).Sleep})
	require.NoError(t, err)
	u.AddForward(forward.Exception, forward.ExitTarget("ERROR"))

	p := pipeline.New(pipeline.Config{Name: "orders"})
	require.NoError(t, p.AddUnit(u))
	p.AddExit(pipeline.Exit{Name: "ERROR", State: pipeline.ExitError})
	require.NoError(t, p.Configure())
	require.NoError(t, p.Start(context.Background()))

	session := message.NewSession("", "")
	defer session.Close()
	run, err := p.Process(context.Background(), message.NewStringMessage("x"), session)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", run.Exit.Name)
	assert.Contains(t, bodyOf(t, run.Message), `<error unit="send">`)
}

func TestUnit_PresumedTimeoutFastFail(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	registry := NewMemoryRegistry()
	sender := &scriptedSender{replies: []reply{
		failReply(sdkerrors.ErrTimeout),
		okReply("late"),
	}}
	u := newTestUnit(t, Config{
		Sender:                  sender,
		Registry:                registry,
		PresumedTimeoutInterval: 10 * time.Second,
		Now:                     clock.Now,
	}, map[string]forward.Target{forward.Timeout: forward.ExitTarget("TIMEOUT")})

	res, err := process(t, u, "x")
	require.NoError(t, err)
	assert.Equal(t, forward.Timeout, res.Forward)
	assert.Equal(t, 1, sender.Calls())

	clock.Advance(5 * time.Second)
	res, err = process(t, u, "x")
	require.NoError(t, err)
	assert.Equal(t, forward.Timeout, res.Forward)
	assert.Equal(t, 1, sender.Calls(), "sender must not be called inside the window")
	assert.Contains(t, bodyOf(t, res.Message), forward.PresumedTimeout)

	clock.Advance(5 * time.Second)
	res, err = process(t, u, "x")
	require.NoError(t, err)
	assert.Equal(t, forward.Success, res.Forward)
	assert.Equal(t, 2, sender.Calls())
}

func TestUnit_PresumedTimeoutDisabledInSimulation(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	registry := NewMemoryRegistry()
	require.NoError(t, registry.Record(context.Background(), "send", forward.Timeout, clock.Now()))

	sender := &scriptedSender{}
	u := newTestUnit(t, Config{
		Sender:                  sender,
		Registry:                registry,
		PresumedTimeoutInterval: time.Minute,
		Simulation:              true,
		Now:                     clock.Now,
	}, nil)

	res, err := process(t, u, "x")
	require.NoError(t, err)
	assert.Equal(t, forward.Success, res.Forward)
	assert.Equal(t, 1, sender.Calls())
}

func TestUnit_SimulationSentinels(t *testing.T) {
	t.Run("timeout sentinel", func(t *testing.T) {
		u := newTestUnit(t, Config{
			Sender:          &scriptedSender{replies: []reply{okReply("SIMULATED_TIMEOUT")}},
			Simulation:      true,
			TimeoutOnResult: "SIMULATED_TIMEOUT",
		}, map[string]forward.Target{forward.Timeout: forward.ExitTarget("TIMEOUT")})

		res, err := process(t, u, "x")
		require.NoError(t, err)
		assert.Equal(t, forward.Timeout, res.Forward)
	})

	t.Run("exception sentinel", func(t *testing.T) {
		u := newTestUnit(t, Config{
			Sender:            &scriptedSender{replies: []reply{okReply("BOOM")}},
			Simulation:        true,
			ExceptionOnResult: "BOOM",
		}, nil)

		_, err := process(t, u, "x")
		require.Error(t, err)
		assert.True(t, sdkerrors.IsDispatch(err))
		assert.False(t, sdkerrors.IsTimeout(err))
	})

	t.Run("sentinels require simulation", func(t *testing.T) {
		u, err := New(Config{Name: "send", Sender: &scriptedSender{}, TimeoutOnResult: "T"})
		require.NoError(t, err)
		err = u.Configure(testScope)
		require.Error(t, err)
		assert.True(t, sdkerrors.IsConfiguration(err))
	})
}

func TestUnit_TimeoutForwardFallbacks(t *testing.T) {
	tests := []struct {
		name            string
		forwards        map[string]forward.Target
		resultOnTimeout string
		wantForward     string
		wantBody        string
		wantErr         bool
	}{
		{
			name:        "timeout forward",
			forwards:    map[string]forward.Target{forward.Timeout: forward.ExitTarget("TIMEOUT")},
			wantForward: forward.Timeout,
			wantBody:    `<error unit="send">`,
		},
		{
			name:            "replacement result",
			resultOnTimeout: "<fallback/>",
			wantForward:     forward.Success,
			wantBody:        "<fallback/>",
		},
		{
			name:        "exception forward",
			forwards:    map[string]forward.Target{forward.Exception: forward.ExitTarget("ERROR")},
			wantForward: forward.Exception,
			wantBody:    "timeout",
		},
		{
			name:    "no forward",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newTestUnit(t, Config{
				Sender:          &scriptedSender{replies: []reply{failReply(context.DeadlineExceeded)}},
				ResultOnTimeout: tt.resultOnTimeout,
			}, tt.forwards)

			res, err := process(t, u, "x")
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, sdkerrors.IsTimeout(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantForward, res.Forward)
			assert.Contains(t, bodyOf(t, res.Message), tt.wantBody)
		})
	}
}

func TestUnit_IllegalResult(t *testing.T) {
	valid := func(m *message.Message) bool {
		s, err := m.String()
		return err == nil && strings.HasPrefix(s, "<")
	}

	u := newTestUnit(t, Config{
		Sender:      &scriptedSender{replies: []reply{okReply("not xml")}},
		ValidResult: valid,
	}, map[string]forward.Target{forward.IllegalResult: forward.ExitTarget("ILLEGAL")})

	res, err := process(t, u, "x")
	require.NoError(t, err)
	assert.Equal(t, forward.IllegalResult, res.Forward)
	assert.Equal(t, "not xml", bodyOf(t, res.Message))

	missing, err := New(Config{Name: "send", Sender: &scriptedSender{}, ValidResult: valid})
	require.NoError(t, err)
	err = missing.Configure(testScope)
	require.Error(t, err)
	assert.True(t, sdkerrors.IsConfiguration(err))
}

func wrap(tag string) pipeline.ProcessorFunc {
	return func(ctx context.Context, msg *message.Message, session *message.Session) (*pipeline.Result, error) {
		s, err := msg.String()
		if err != nil {
			return nil, err
		}
		return pipeline.Success(message.NewStringMessage("<" + tag + ">" + s + "</" + tag + ">")), nil
	}
}

func TestUnit_PreAndPostProcessing(t *testing.T) {
	sender := &scriptedSender{replies: []reply{okReply("reply")}}
	u := newTestUnit(t, Config{
		Sender:        sender,
		InputWrapper:  wrap("in"),
		OutputWrapper: wrap("out"),
	}, nil)

	res, err := process(t, u, "body")
	require.NoError(t, err)
	assert.Equal(t, []string{"<in>body</in>"}, sender.received)
	assert.Equal(t, "<out>reply</out>", bodyOf(t, res.Message))
}

func TestUnit_InputValidatorShortCircuits(t *testing.T) {
	sender := &scriptedSender{}
	rejected := message.NewStringMessage("rejected")
	u := newTestUnit(t, Config{
		Sender: sender,
		InputValidator: pipeline.ProcessorFunc(func(ctx context.Context, msg *message.Message, session *message.Session) (*pipeline.Result, error) {
			return &pipeline.Result{Forward: "invalidInput", Message: rejected}, nil
		}),
		OutputWrapper: wrap("out"),
	}, nil)

	res, err := process(t, u, "body")
	require.NoError(t, err)
	assert.Equal(t, "invalidInput", res.Forward)
	assert.Same(t, rejected, res.Message)
	assert.Zero(t, sender.Calls())
}

func TestUnit_NilProcessorResultIsFault(t *testing.T) {
	u := newTestUnit(t, Config{
		Sender: &scriptedSender{},
		OutputValidator: pipeline.ProcessorFunc(func(ctx context.Context, msg *message.Message, session *message.Session) (*pipeline.Result, error) {
			return nil, nil
		}),
	}, nil)

	_, err := process(t, u, "body")
	require.Error(t, err)
	assert.True(t, sdkerrors.IsDispatch(err))
}

func TestUnit_RetryPredicate(t *testing.T) {
	pending, err := expr.Compile(`result === "pending"`, 0)
	require.NoError(t, err)

	t.Run("polls until ready", func(t *testing.T) {
		sender := &scriptedSender{replies: []reply{okReply("pending"), okReply("pending"), okReply("done")}}
		sleeper := &recordingSleeper{}
		u := newTestUnit(t, Config{
			Sender:    sender,
			RetryWhen: pending,
			Retry:     RetryPolicy{MaxRetries: 5},
			Sleep:     sleeper.Sleep,
		}, nil)

		res, err := process(t, u, "x")
		require.NoError(t, err)
		assert.Equal(t, "done", bodyOf(t, res.Message))
		assert.Equal(t, 3, sender.Calls())
		assert.Len(t, sleeper.waits, 2)
	})

	t.Run("budget exhausted", func(t *testing.T) {
		sender := &scriptedSender{replies: []reply{okReply("pending")}}
		u := newTestUnit(t, Config{
			Sender:    sender,
			RetryWhen: pending,
			Retry:     RetryPolicy{MaxRetries: 1},
			Sleep:     (&recordingSleeper{}).Sleep,
		}, nil)

		_, err := process(t, u, "x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid reply message is received")
		assert.Equal(t, 2, sender.Calls())
	})
}

func TestUnit_SenderForwardHint(t *testing.T) {
	t.Run("failure with resolvable hint is not retried", func(t *testing.T) {
		sender := &scriptedSender{replies: []reply{{res: &SenderResult{Success: false, Forward: "notFound", Message: message.NewStringMessage("404")}}}}
		u := newTestUnit(t, Config{
			Sender:          sender,
			Retry:           RetryPolicy{MaxRetries: 3},
			Sleep:           (&recordingSleeper{}).Sleep,
			AllowedForwards: []string{"notFound"},
		}, map[string]forward.Target{"notFound": forward.ExitTarget("ERROR")})

		res, err := process(t, u, "x")
		require.NoError(t, err)
		assert.Equal(t, "notFound", res.Forward)
		assert.Equal(t, 1, sender.Calls())
	})

	t.Run("unresolvable hint falls back to success", func(t *testing.T) {
		sender := &scriptedSender{replies: []reply{{res: &SenderResult{Success: true, Forward: "nowhere", Message: message.NewStringMessage("ok")}}}}
		u := newTestUnit(t, Config{Sender: sender}, nil)

		res, err := process(t, u, "x")
		require.NoError(t, err)
		assert.Equal(t, forward.Success, res.Forward)
	})
}

func TestUnit_AuditRecord(t *testing.T) {
	log := &recordingLog{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	u := newTestUnit(t, Config{
		Sender:               &scriptedSender{},
		MessageLog:           log,
		AuditTrailSessionKey: "trail",
		LabelSessionKey:      "label",
		InputWrapper:         wrap("env"),
		Metrics:              metrics,
	}, nil)

	session := message.NewSession("msg-7", "cid-7")
	defer session.Close()
	session.Set("trail", "received from orders queue")
	session.Set("label", "priority")

	_, err := u.Process(context.Background(), message.NewStringMessage("<order/>"), session)
	require.NoError(t, err)

	require.Len(t, log.records, 1)
	rec := log.records[0]
	assert.Equal(t, "msg-7", rec.MessageID)
	assert.Equal(t, "cid-7", rec.CorrelationID)
	assert.Equal(t, "received from orders queue", rec.Trail)
	assert.Equal(t, "priority", rec.Label)
	assert.Equal(t, "send", rec.Unit)
	assert.Equal(t, "<order/>", string(rec.Payload))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.attempts.WithLabelValues("send", forward.Success)))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.storeDuration))
}

func TestUnit_AuditDefaultsAndStoreFailure(t *testing.T) {
	log := &recordingLog{}
	u := newTestUnit(t, Config{Sender: &scriptedSender{}, MessageLog: log}, nil)
	_, err := process(t, u, "x")
	require.NoError(t, err)
	require.Len(t, log.records, 1)
	assert.Equal(t, "no audit trail", log.records[0].Trail)

	failing := newTestUnit(t, Config{Sender: &scriptedSender{}, MessageLog: &recordingLog{err: errors.New("disk full")}}, nil)
	_, err = process(t, failing, "x")
	require.Error(t, err)
	assert.True(t, sdkerrors.IsDispatch(err))
}

func TestUnit_AsynchronousSenderUsesListener(t *testing.T) {
	tests := []struct {
		link      LinkMethod
		wantAwait string
	}{
		{link: LinkCorrelationID, wantAwait: "cid-1"},
		{link: LinkMessageID, wantAwait: "token-42"},
	}
	for _, tt := range tests {
		t.Run(string(tt.link), func(t *testing.T) {
			log := &recordingLog{}
			listener := &recordingListener{}
			u := newTestUnit(t, Config{
				Sender:     &scriptedSender{async: true, replies: []reply{okReply("token-42")}},
				Listener:   listener,
				LinkMethod: tt.link,
				MessageLog: log,
			}, nil)

			res, err := process(t, u, "x")
			require.NoError(t, err)
			assert.Equal(t, []string{tt.wantAwait}, listener.correlationIDs)
			assert.Equal(t, "reply for "+tt.wantAwait, bodyOf(t, res.Message))

			require.Len(t, log.records, 1)
			assert.Equal(t, "token-42", log.records[0].MessageID)
		})
	}
}

func TestUnit_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := &scriptedSender{replies: []reply{failReply(errors.New("down"))}}
	u := newTestUnit(t, Config{
		Sender: sender,
		Retry:  RetryPolicy{MaxRetries: 5},
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}, nil)

	session := message.NewSession("", "")
	defer session.Close()
	_, err := u.Process(ctx, message.NewStringMessage("x"), session)
	require.Error(t, err)
	assert.True(t, sdkerrors.IsCancelled(err))
	assert.Equal(t, 1, sender.Calls())
}

func TestUnit_CancellationWinsOverNominalSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := &scriptedSender{onSend: cancel}
	u := newTestUnit(t, Config{Sender: sender}, nil)

	session := message.NewSession("", "")
	defer session.Close()
	_, err := u.Process(ctx, message.NewStringMessage("x"), session)
	require.Error(t, err)
	assert.True(t, sdkerrors.IsCancelled(err))
}

func TestUnit_ConfigureNormalizesRetryPolicy(t *testing.T) {
	u := newTestUnit(t, Config{
		Sender: &scriptedSender{},
		Retry:  RetryPolicy{MaxRetries: 2, MinInterval: 0, MaxInterval: 900},
	}, nil)

	assert.Equal(t, RetryPolicy{MaxRetries: 2, MinInterval: 1, MaxInterval: 600}, u.Policy())
	assert.Len(t, u.Warnings(), 1)
}

func TestNew_RequiresSender(t *testing.T) {
	_, err := New(Config{Name: "send"})
	require.Error(t, err)
	assert.True(t, sdkerrors.IsConfiguration(err))
}

// drainingSender reads its input through Reader, as streaming transports do
type drainingSender struct {
	failFirst bool
	bodies    []string
}

func (s *drainingSender) Name() string      { return "draining" }
func (s *drainingSender) Synchronous() bool { return true }

func (s *drainingSender) Send(ctx context.Context, msg *message.Message, session *message.Session) (*SenderResult, error) {
	r, err := msg.Reader()
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	s.bodies = append(s.bodies, string(data))
	if s.failFirst && len(s.bodies) == 1 {
		return nil, errors.New("connection reset")
	}
	return &SenderResult{Success: true, Message: message.NewStringMessage("ok")}, nil
}

func TestUnit_StreamInputSurvivesRetryAndAudit(t *testing.T) {
	log := &recordingLog{}
	sender := &drainingSender{failFirst: true}
	u := newTestUnit(t, Config{
		Sender:     sender,
		MessageLog: log,
		Retry:      RetryPolicy{MaxRetries: 2},
		Sleep:      (&recordingSleeper{}).Sleep,
	}, nil)

	session := message.NewSession("msg-1", "cid-1")
	defer session.Close()
	input := message.NewStreamMessage(io.NopCloser(strings.NewReader("<order id=\"9\"/>")))

	res, err := u.Process(context.Background(), input, session)
	require.NoError(t, err)
	assert.Equal(t, forward.Success, res.Forward)
	assert.Equal(t, []string{`<order id="9"/>`, `<order id="9"/>`}, sender.bodies)
	require.Len(t, log.records, 1)
	assert.Equal(t, `<order id="9"/>`, string(log.records[0].Payload))
}
