package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Envelope is the JSON form of a message on a broker. The core never depends
// on it; transports and the runner use it to carry a message and its run ids.
type Envelope struct {
	// MessageID identifies the message that started the run
	MessageID string `json:"messageId"`

	// CorrelationID is a unique identifier for tracking related messages across the system
	CorrelationID string `json:"correlationId,omitempty"`

	// Metadata holds the message metadata
	Metadata map[string]string `json:"metadata,omitempty"`

	// Payload is the raw content
	Payload []byte `json:"payload"`

	// CreatedAt is the RFC3339 timestamp when the envelope was created
	CreatedAt string `json:"createdAt"`
}

// NewEnvelope captures msg's content and metadata. msg stays open and readable.
func NewEnvelope(msg *Message, messageID, correlationID string) (*Envelope, error) {
	env := &Envelope{
		MessageID:     messageID,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().Format(time.RFC3339),
	}
	if msg == nil || msg.IsNull() {
		return env, nil
	}
	data, err := msg.Bytes()
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	env.Payload = data
	env.Metadata = msg.Metadata().Map()
	return env, nil
}

// Message builds a new in-memory Message from the envelope
func (e *Envelope) Message() *Message {
	msg := NewMessage(e.Payload)
	for k, v := range e.Metadata {
		msg.Metadata().Set(k, v)
	}
	return msg
}

// Session builds a new Session carrying the envelope ids
func (e *Envelope) Session() *Session {
	return NewSession(e.MessageID, e.CorrelationID)
}

// ToBytes serializes the envelope to JSON bytes
func (e *Envelope) ToBytes() ([]byte, error) {
	return json.Marshal(e)
}

// FromBytes deserializes an envelope from JSON bytes
func FromBytes(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Acknowledger settles a delivery with the broker
type Acknowledger interface {
	Ack() error
	Nak() error
	Term() error
	InProgress() error
}

// natsAck settles a JetStream message. Core NATS messages without a reply
// subject have nothing to settle.
type natsAck struct {
	msg *nats.Msg
}

func (a natsAck) Ack() error {
	if a.msg.Reply == "" {
		return nil
	}
	return a.msg.Ack()
}

func (a natsAck) Nak() error {
	if a.msg.Reply == "" {
		return nil
	}
	return a.msg.Nak()
}

func (a natsAck) Term() error {
	if a.msg.Reply == "" {
		return nil
	}
	return a.msg.Term()
}

func (a natsAck) InProgress() error {
	if a.msg.Reply == "" {
		return nil
	}
	return a.msg.InProgress()
}

// FromNATSMsg converts a NATS message to a Delivery
func FromNATSMsg(natsMsg *nats.Msg) (*Delivery, error) {
	env, err := FromBytes(natsMsg.Data)
	if err != nil {
		return nil, err
	}
	return NewDelivery(env, natsMsg.Subject, natsAck{msg: natsMsg}), nil
}

// NewDelivery wraps env received on subject. ack may be nil when the
// transport needs no acknowledgment.
func NewDelivery(env *Envelope, subject string, ack Acknowledger) *Delivery {
	return &Delivery{Envelope: env, Subject: subject, ack: ack}
}

// Delivery is an envelope received from a broker together with its
// acknowledgment handle. Handlers MUST call Ack, Nak or Term.
type Delivery struct {
	*Envelope

	// Subject the message was received on
	Subject string

	ack Acknowledger
}

// Ack acknowledges successful processing.
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack.Ack()
}

// Nak negatively acknowledges the message so it is redelivered.
func (d *Delivery) Nak() error {
	if d.ack == nil {
		return nil
	}
	return d.ack.Nak()
}

// InProgress extends the acknowledgment deadline for long runs.
func (d *Delivery) InProgress() error {
	if d.ack == nil {
		return nil
	}
	return d.ack.InProgress()
}

// Term terminates delivery; the message will not be redelivered.
func (d *Delivery) Term() error {
	if d.ack == nil {
		return nil
	}
	return d.ack.Term()
}
