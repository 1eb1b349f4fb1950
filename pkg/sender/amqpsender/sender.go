// Package amqpsender publishes messages to a RabbitMQ exchange. It is an
// asynchronous sender: the AMQP message id is returned as the correlation
// token and a Listener resolves the reply.
package amqpsender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/wehubfusion/conduit/pkg/dispatch"
	"github.com/wehubfusion/conduit/pkg/message"
)

// Channel is the part of *amqp.Channel the sender uses
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config configures an AMQP sender
type Config struct {
	Name       string
	URL        string
	Exchange   string
	RoutingKey string

	// ContentType of the published body, application/octet-stream by default
	ContentType string

	// Channel is used when set; otherwise URL is dialled on Open
	Channel Channel

	Logger *zap.Logger
	Now    func() time.Time
}

// Sender publishes the message body with the run ids as AMQP properties
type Sender struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   Channel
}

// New creates an AMQP sender
func New(cfg Config) (*Sender, error) {
	if cfg.Channel == nil && cfg.URL == "" {
		return nil, fmt.Errorf("either a channel or a URL is required")
	}
	if cfg.Exchange == "" && cfg.RoutingKey == "" {
		return nil, fmt.Errorf("exchange or routing key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "amqp:" + cfg.Exchange + "/" + cfg.RoutingKey
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/octet-stream"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{cfg: cfg, logger: logger, ch: cfg.Channel}, nil
}

func (s *Sender) Name() string { return s.cfg.Name }

func (s *Sender) Synchronous() bool { return false }

// Open dials the broker unless a channel was given
func (s *Sender) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		return nil
	}
	return s.connect()
}

func (s *Sender) connect() error {
	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	s.conn, s.ch = conn, ch
	s.logger.Info("Connected to RabbitMQ", zap.String("sender", s.cfg.Name))
	return nil
}

// Close closes the channel and a connection the sender dialled itself
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.ch != nil {
		if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
		s.ch = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
		s.conn = nil
	}
	return errors.Join(errs...)
}

func (s *Sender) Send(ctx context.Context, msg *message.Message, session *message.Session) (*dispatch.SenderResult, error) {
	body, err := msg.Bytes()
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:   s.cfg.ContentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     uuid.NewString(),
		CorrelationId: session.CorrelationID(),
		Timestamp:     s.cfg.Now(),
		Body:          body,
	}
	if keys := msg.Metadata().Keys(); len(keys) > 0 {
		pub.Headers = amqp.Table{}
		for _, k := range keys {
			v, _ := msg.Metadata().Get(k)
			pub.Headers[k] = v
		}
	}

	if err := s.publish(ctx, pub); err != nil {
		return nil, err
	}
	s.logger.Debug("Published message",
		zap.String("exchange", s.cfg.Exchange),
		zap.String("routing_key", s.cfg.RoutingKey),
		zap.String("message_id", pub.MessageId))
	return &dispatch.SenderResult{Success: true, Message: message.NewStringMessage(pub.MessageId)}, nil
}

// publish reconnects once when the channel was closed underneath us
func (s *Sender) publish(ctx context.Context, pub amqp.Publishing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return fmt.Errorf("sender %s is not open", s.cfg.Name)
	}
	err := s.ch.PublishWithContext(ctx, s.cfg.Exchange, s.cfg.RoutingKey, false, false, pub)
	if errors.Is(err, amqp.ErrClosed) && s.cfg.URL != "" && s.cfg.Channel == nil {
		s.logger.Warn("Channel closed, reconnecting", zap.String("sender", s.cfg.Name))
		if s.conn != nil {
			_ = s.conn.Close()
		}
		if cerr := s.connect(); cerr != nil {
			return cerr
		}
		err = s.ch.PublishWithContext(ctx, s.cfg.Exchange, s.cfg.RoutingKey, false, false, pub)
	}
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", s.cfg.Exchange, s.cfg.RoutingKey, err)
	}
	return nil
}
