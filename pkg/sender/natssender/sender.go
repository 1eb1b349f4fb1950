// Package natssender dispatches messages over NATS: core request-reply for
// synchronous sends and JetStream publish for asynchronous ones.
package natssender

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/conduit/internal/nats"
	"github.com/wehubfusion/conduit/pkg/dispatch"
	sdkerrors "github.com/wehubfusion/conduit/pkg/errors"
	"github.com/wehubfusion/conduit/pkg/message"
)

// Reply headers a responder may set to steer the dispatch unit
const (
	HeaderForward = "Conduit-Forward"
	HeaderError   = "Conduit-Error"
)

// Config configures a NATS sender
type Config struct {
	// Name identifies the sender in logs and metrics
	Name string

	// Subject the envelope is sent to
	Subject string

	// Async publishes to JetStream and returns the message id as the
	// correlation token instead of waiting for a reply
	Async bool

	// Conn is used when set; otherwise Connection is dialled on Open
	Conn       *nats.Conn
	Connection *natsconn.ConnectionConfig

	Logger *zap.Logger
}

// Sender sends a message envelope to a NATS subject
type Sender struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	conn  *nats.Conn
	owned bool
	js    nats.JetStreamContext
}

// New creates a NATS sender
func New(cfg Config) (*Sender, error) {
	if cfg.Subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if cfg.Conn == nil && cfg.Connection == nil {
		return nil, fmt.Errorf("either a connection or a connection config is required")
	}
	if cfg.Name == "" {
		cfg.Name = "nats:" + cfg.Subject
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{cfg: cfg, logger: logger, conn: cfg.Conn}, nil
}

func (s *Sender) Name() string { return s.cfg.Name }

func (s *Sender) Synchronous() bool { return !s.cfg.Async }

// Open connects when no connection was given and binds JetStream for
// asynchronous sends.
func (s *Sender) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, err := natsconn.Connect(ctx, s.cfg.Connection)
		if err != nil {
			return err
		}
		s.conn, s.owned = conn, true
	}
	if s.cfg.Async && s.js == nil {
		js, err := s.conn.JetStream()
		if err != nil {
			return fmt.Errorf("failed to get JetStream context: %w", err)
		}
		s.js = js
	}
	s.logger.Debug("NATS sender opened",
		zap.String("subject", s.cfg.Subject),
		zap.Bool("async", s.cfg.Async))
	return nil
}

// Close drains a connection the sender dialled itself
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.owned {
		return nil
	}
	err := natsconn.Close(s.conn)
	s.conn, s.js, s.owned = nil, nil, false
	return err
}

func (s *Sender) Send(ctx context.Context, msg *message.Message, session *message.Session) (*dispatch.SenderResult, error) {
	s.mu.Lock()
	conn, js := s.conn, s.js
	s.mu.Unlock()
	if conn == nil || (s.cfg.Async && js == nil) {
		return nil, fmt.Errorf("sender %s is not open", s.cfg.Name)
	}

	env, err := message.NewEnvelope(msg, session.MessageID(), session.CorrelationID())
	if err != nil {
		return nil, err
	}
	data, err := env.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	if s.cfg.Async {
		token := uuid.NewString()
		out := nats.NewMsg(s.cfg.Subject)
		out.Data = data
		out.Header.Set(nats.MsgIdHdr, token)
		if _, err := js.PublishMsg(out, nats.Context(ctx)); err != nil {
			return nil, fmt.Errorf("publish to %s: %w", s.cfg.Subject, err)
		}
		return &dispatch.SenderResult{Success: true, Message: message.NewStringMessage(token)}, nil
	}

	reply, err := conn.RequestWithContext(ctx, s.cfg.Subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("%w: request to %s: %v", sdkerrors.ErrTimeout, s.cfg.Subject, err)
		}
		return nil, fmt.Errorf("request to %s: %w", s.cfg.Subject, err)
	}
	return resultFromReply(reply), nil
}

// resultFromReply maps a reply onto a sender result. A Conduit-Error header
// marks a functional failure; Conduit-Forward names the outcome to follow.
func resultFromReply(reply *nats.Msg) *dispatch.SenderResult {
	res := &dispatch.SenderResult{Success: true, Message: message.NewMessage(reply.Data)}
	if reply.Header == nil {
		return res
	}
	res.Forward = reply.Header.Get(HeaderForward)
	if e := reply.Header.Get(HeaderError); e != "" {
		res.Success = false
		res.Error = e
	}
	for k := range reply.Header {
		if k == HeaderForward || k == HeaderError {
			continue
		}
		res.Message.Metadata().Set(k, reply.Header.Get(k))
	}
	return res
}
