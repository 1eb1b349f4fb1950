// Package kafkasender writes messages to a Kafka topic as an asynchronous
// sender. The record key is returned as the correlation token. Inside an
// iteration block the records are collected and written as one batch when
// the block closes.
package kafkasender

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/wehubfusion/conduit/pkg/dispatch"
	"github.com/wehubfusion/conduit/pkg/message"
)

// Record headers carrying the run ids
const (
	HeaderMessageID     = "message-id"
	HeaderCorrelationID = "correlation-id"
)

// Writer is the part of *kafka.Writer the sender uses
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures a Kafka sender
type Config struct {
	Name    string
	Brokers []string
	Topic   string

	// KeyMetadata names the message metadata entry used as record key; a
	// random key is generated when it is empty or absent
	KeyMetadata string

	BatchTimeout time.Duration
	RequiredAcks kafka.RequiredAcks

	// Writer is used when set; otherwise one is built from Brokers
	Writer Writer

	Logger *zap.Logger
}

// Sender writes one record per message
type Sender struct {
	cfg    Config
	writer Writer
	logger *zap.Logger
}

// New creates a Kafka sender
func New(cfg Config) (*Sender, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.Writer == nil && len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if cfg.Name == "" {
		cfg.Name = "kafka:" + cfg.Topic
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = kafka.RequireAll
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	w := cfg.Writer
	if w == nil {
		w = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: cfg.BatchTimeout,
			RequiredAcks: cfg.RequiredAcks,
		}
	}
	return &Sender{cfg: cfg, writer: w, logger: logger}, nil
}

func (s *Sender) Name() string { return s.cfg.Name }

func (s *Sender) Synchronous() bool { return false }

// Close flushes and closes the writer
func (s *Sender) Close() error {
	return s.writer.Close()
}

func (s *Sender) Send(ctx context.Context, msg *message.Message, session *message.Session) (*dispatch.SenderResult, error) {
	body, err := msg.Bytes()
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}

	key := ""
	if s.cfg.KeyMetadata != "" {
		key, _ = msg.Metadata().Get(s.cfg.KeyMetadata)
	}
	if key == "" {
		key = uuid.NewString()
	}

	record := kafka.Message{
		Key:   []byte(key),
		Value: body,
		Headers: []kafka.Header{
			{Key: HeaderMessageID, Value: []byte(session.MessageID())},
			{Key: HeaderCorrelationID, Value: []byte(session.CorrelationID())},
		},
	}
	for _, k := range msg.Metadata().Keys() {
		v, _ := msg.Metadata().Get(k)
		record.Headers = append(record.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if b, ok := dispatch.BlockFrom(ctx).(*batch); ok {
		b.records = append(b.records, record)
		return &dispatch.SenderResult{Success: true, Message: message.NewStringMessage(key)}, nil
	}
	if err := s.writer.WriteMessages(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to publish to %s: %w", s.cfg.Topic, err)
	}
	s.logger.Debug("Wrote record", zap.String("topic", s.cfg.Topic), zap.String("key", key))
	return &dispatch.SenderResult{Success: true, Message: message.NewStringMessage(key)}, nil
}

// batch holds the records of one open block
type batch struct {
	records []kafka.Message
}

// OpenBlock starts collecting records
func (s *Sender) OpenBlock(ctx context.Context, session *message.Session) (interface{}, error) {
	return &batch{}, nil
}

// CloseBlock writes the collected records in one call
func (s *Sender) CloseBlock(ctx context.Context, block interface{}, session *message.Session) error {
	b, ok := block.(*batch)
	if !ok {
		return fmt.Errorf("unexpected block handle %T", block)
	}
	if len(b.records) == 0 {
		return nil
	}
	if err := s.writer.WriteMessages(ctx, b.records...); err != nil {
		return fmt.Errorf("failed to publish block of %d records to %s: %w", len(b.records), s.cfg.Topic, err)
	}
	s.logger.Debug("Wrote block", zap.String("topic", s.cfg.Topic), zap.Int("records", len(b.records)))
	return nil
}
