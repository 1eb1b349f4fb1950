package natssender

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/conduit/internal/nats"
	sdkerrors "github.com/wehubfusion/conduit/pkg/errors"
	"github.com/wehubfusion/conduit/pkg/message"
)

// ListenerConfig configures a reply listener
type ListenerConfig struct {
	// SubjectPrefix receives replies on <prefix>.<correlation id>
	SubjectPrefix string

	// Timeout bounds a single wait; 0 waits until the context ends
	Timeout time.Duration

	Conn       *nats.Conn
	Connection *natsconn.ConnectionConfig

	Logger *zap.Logger
}

// Listener collects replies to asynchronous sends. It subscribes once on
// Open so that replies arriving before AwaitResult are buffered.
type Listener struct {
	cfg    ListenerConfig
	logger *zap.Logger

	mu      sync.Mutex
	conn    *nats.Conn
	owned   bool
	sub     *nats.Subscription
	pending map[string]chan *nats.Msg
}

// NewListener creates a reply listener
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.SubjectPrefix == "" {
		return nil, fmt.Errorf("subject prefix is required")
	}
	if cfg.Conn == nil && cfg.Connection == nil {
		return nil, fmt.Errorf("either a connection or a connection config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		cfg:     cfg,
		logger:  logger,
		conn:    cfg.Conn,
		pending: make(map[string]chan *nats.Msg),
	}, nil
}

// ReplySubject returns the subject a responder publishes the reply for id to
func (l *Listener) ReplySubject(id string) string {
	return l.cfg.SubjectPrefix + "." + id
}

// Open subscribes to the reply subjects
func (l *Listener) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil {
		return nil
	}
	if l.conn == nil {
		conn, err := natsconn.Connect(ctx, l.cfg.Connection)
		if err != nil {
			return err
		}
		l.conn, l.owned = conn, true
	}
	sub, err := l.conn.Subscribe(l.cfg.SubjectPrefix+".*", l.deliver)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", l.cfg.SubjectPrefix, err)
	}
	l.sub = sub
	return nil
}

// Close unsubscribes and drains a connection the listener dialled itself
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	if l.sub != nil {
		errs = append(errs, l.sub.Unsubscribe())
		l.sub = nil
	}
	if l.owned {
		errs = append(errs, natsconn.Close(l.conn))
		l.conn, l.owned = nil, false
	}
	return errors.Join(errs...)
}

func (l *Listener) deliver(m *nats.Msg) {
	id := m.Subject[strings.LastIndexByte(m.Subject, '.')+1:]
	select {
	case l.slot(id) <- m:
	default:
		l.logger.Warn("Dropping duplicate reply", zap.String("correlation_id", id))
	}
}

func (l *Listener) slot(id string) chan *nats.Msg {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.pending[id]
	if !ok {
		ch = make(chan *nats.Msg, 1)
		l.pending[id] = ch
	}
	return ch
}

func (l *Listener) release(id string) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

// AwaitResult waits for the reply published for correlationID
func (l *Listener) AwaitResult(ctx context.Context, correlationID string, session *message.Session) (*message.Message, error) {
	ch := l.slot(correlationID)
	defer l.release(correlationID)

	var timeout <-chan time.Time
	if l.cfg.Timeout > 0 {
		timer := time.NewTimer(l.cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case m := <-ch:
		res := resultFromReply(m)
		if !res.Success {
			return nil, fmt.Errorf("reply for %s reported failure: %s", correlationID, res.Error)
		}
		return res.Message, nil
	case <-timeout:
		return nil, fmt.Errorf("%w: no reply for %s within %s", sdkerrors.ErrTimeout, correlationID, l.cfg.Timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
