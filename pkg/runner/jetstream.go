package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/conduit/pkg/message"
	"github.com/wehubfusion/conduit/pkg/pipeline"
)

// Result headers published with every completed run
const (
	HeaderExit     = "Conduit-Exit"
	HeaderExitCode = "Conduit-Exit-Code"
	HeaderForward  = "Conduit-Forward"
	HeaderLastUnit = "Conduit-Last-Unit"
)

// JetStreamConfig configures a JetStreamSource
type JetStreamConfig struct {
	Stream   string
	Subject  string
	Consumer string

	// MaxDeliver bounds redeliveries of a nak'ed run
	MaxDeliver int

	// AckWait is how long JetStream waits for a settlement
	AckWait time.Duration

	// FetchWait is how long one Fetch waits for messages
	FetchWait time.Duration
}

// JetStreamSource pulls run envelopes from a durable JetStream consumer
type JetStreamSource struct {
	sub    *nats.Subscription
	wait   time.Duration
	logger *zap.Logger
}

// NewJetStreamSource ensures the stream exists and binds a durable pull
// consumer to it.
func NewJetStreamSource(js nats.JetStreamContext, cfg JetStreamConfig, logger *zap.Logger) (*JetStreamSource, error) {
	if cfg.Stream == "" || cfg.Consumer == "" {
		return nil, errors.New("stream and consumer are required")
	}
	if cfg.Subject == "" {
		cfg.Subject = cfg.Stream + ".*"
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 5 * time.Second
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := ensureStream(js, cfg.Stream, cfg.Subject, logger); err != nil {
		return nil, fmt.Errorf("failed to ensure stream '%s' exists: %w", cfg.Stream, err)
	}

	opts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(cfg.AckWait),
	}
	if cfg.MaxDeliver != 0 {
		opts = append(opts, nats.MaxDeliver(cfg.MaxDeliver))
	}
	sub, err := js.PullSubscribe(cfg.Subject, cfg.Consumer, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe consumer '%s': %w", cfg.Consumer, err)
	}
	return &JetStreamSource{sub: sub, wait: cfg.FetchWait, logger: logger}, nil
}

// ensureStream creates the JetStream stream if it doesn't exist
func ensureStream(js nats.JetStreamContext, streamName, subject string, logger *zap.Logger) error {
	info, err := js.StreamInfo(streamName)
	if err == nil {
		logger.Info("JetStream stream already exists",
			zap.String("stream", streamName),
			zap.Uint64("messages", info.State.Msgs),
			zap.Int("consumers", info.State.Consumers))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
	}

	logger.Info("Creating JetStream stream", zap.String("stream", streamName))
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", streamName, err)
	}
	return nil
}

// Fetch pulls up to max deliveries. Envelopes that cannot be decoded are
// terminated and skipped.
func (s *JetStreamSource) Fetch(ctx context.Context, max int) ([]*message.Delivery, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.wait)
	defer cancel()

	msgs, err := s.sub.Fetch(max, nats.Context(fetchCtx))
	if err != nil {
		if ctx.Err() == nil && (errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]*message.Delivery, 0, len(msgs))
	for _, m := range msgs {
		d, err := message.FromNATSMsg(m)
		if err != nil {
			s.logger.Error("Dropping undecodable envelope",
				zap.String("subject", m.Subject),
				zap.Error(err))
			if termErr := m.Term(); termErr != nil {
				s.logger.Warn("Error terminating message", zap.Error(termErr))
			}
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Close unsubscribes the consumer; the durable consumer itself is kept.
func (s *JetStreamSource) Close() error {
	return s.sub.Unsubscribe()
}

// Publisher is the part of *nats.Conn NATSResults uses
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSResults publishes each run's final message as an envelope, with the
// exit in headers.
type NATSResults struct {
	conn    Publisher
	subject string
}

// NewNATSResults creates a result publisher for subject
func NewNATSResults(conn Publisher, subject string) *NATSResults {
	return &NATSResults{conn: conn, subject: subject}
}

func (p *NATSResults) Publish(ctx context.Context, d *message.Delivery, res *pipeline.RunResult) error {
	env, err := message.NewEnvelope(res.Message, d.MessageID, d.CorrelationID)
	if err != nil {
		return err
	}
	data, err := env.ToBytes()
	if err != nil {
		return fmt.Errorf("marshal result envelope: %w", err)
	}

	out := nats.NewMsg(p.subject)
	out.Data = data
	out.Header.Set(HeaderExit, res.Exit.Name)
	out.Header.Set(HeaderExitCode, strconv.Itoa(res.Exit.Code))
	out.Header.Set(HeaderForward, res.Forward)
	out.Header.Set(HeaderLastUnit, res.LastUnit)
	if err := p.conn.PublishMsg(out); err != nil {
		return fmt.Errorf("publish to %s: %w", p.subject, err)
	}
	return nil
}
