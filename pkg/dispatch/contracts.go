package dispatch

import (
	"context"
	"time"

	"github.com/wehubfusion/conduit/pkg/message"
)

// SenderResult is what a Sender reports for one attempt.
type SenderResult struct {
	// Success is false when the collaborator reports a functional failure
	Success bool

	// Message is the reply, or the correlation token for asynchronous senders
	Message *message.Message

	// Forward optionally names the outcome to follow
	Forward string

	// Error describes a failure
	Error string
}

// Sender performs the actual transmission of a message.
//
// A returned error is a failed attempt and is retried; errors matching
// sdkerrors.ErrTimeout or context.DeadlineExceeded classify as timeouts.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg *message.Message, session *message.Session) (*SenderResult, error)

	// Synchronous senders return the final reply. Asynchronous senders return
	// a correlation token that a Listener resolves later.
	Synchronous() bool
}

// Opener is implemented by senders, listeners and stores that need to
// acquire resources when the unit starts.
type Opener interface {
	Open(ctx context.Context) error
}

// BlockSender is implemented by senders that group the items of a
// sequential iteration. Every send between OpenBlock and CloseBlock carries
// the block handle in its context, see BlockFrom.
type BlockSender interface {
	OpenBlock(ctx context.Context, session *message.Session) (interface{}, error)
	CloseBlock(ctx context.Context, block interface{}, session *message.Session) error
}

type blockKey struct{}

// WithBlock returns a context carrying the handle of the open block
func WithBlock(ctx context.Context, block interface{}) context.Context {
	return context.WithValue(ctx, blockKey{}, block)
}

// BlockFrom returns the open block handle, or nil outside a block
func BlockFrom(ctx context.Context) interface{} {
	return ctx.Value(blockKey{})
}

// Listener retrieves the reply correlated with an asynchronous send.
type Listener interface {
	AwaitResult(ctx context.Context, correlationID string, session *message.Session) (*message.Message, error)
}

// AuditRecord is one immutable message log entry.
type AuditRecord struct {
	MessageID     string
	CorrelationID string
	Timestamp     time.Time
	Trail         string
	Label         string
	Unit          string
	Metadata      map[string]string
	Payload       []byte
}

// MessageLog stores audit records.
type MessageLog interface {
	Store(ctx context.Context, rec AuditRecord) error
}

// LinkMethod selects the id an asynchronous reply is correlated on
type LinkMethod string

const (
	// LinkCorrelationID listens on the run's correlation id
	LinkCorrelationID LinkMethod = "CORRELATIONID"

	// LinkMessageID listens on the token returned by the sender
	LinkMessageID LinkMethod = "MESSAGEID"
)
