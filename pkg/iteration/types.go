package iteration

import (
	"context"

	"github.com/wehubfusion/conduit/pkg/concurrency"
	"github.com/wehubfusion/conduit/pkg/dispatch"
	"github.com/wehubfusion/conduit/pkg/expr"
	"github.com/wehubfusion/conduit/pkg/message"
	"github.com/wehubfusion/conduit/pkg/pipeline"
)

// Strategy defines how items are dispatched
type Strategy string

const (
	StrategySequential Strategy = "sequential" // Process items one by one
	StrategyParallel   Strategy = "parallel"   // Submit items to the limiter
)

// Config holds the configuration of an iteration unit. The embedded dispatch
// configuration applies to the iteration as a whole: retries repeat the full
// iteration, never a single item.
type Config struct {
	dispatch.Config

	// Source expands the input message into items
	Source ItemSource

	Strategy Strategy

	// MaxChildThreads caps in-flight items in parallel mode; 0 is unlimited.
	// Ignored when Limiter is set.
	MaxChildThreads int
	Limiter         *concurrency.Limiter

	// Transform is applied to every item before it is sent
	Transform pipeline.Processor

	// MaxItems stops the iteration after that many items; 0 is unlimited
	MaxItems int

	// StopWhen is evaluated on each item result
	StopWhen *expr.Predicate

	// IgnoreExceptions records failed items as markers instead of failing
	IgnoreExceptions bool

	// Summary keeps only the item count instead of every result
	Summary bool

	AddInputToResult bool
	RemoveDuplicates bool

	// ItemNoSessionKey receives the 1-based number of the current item
	ItemNoSessionKey string

	// BlockSize and BlockKey bound the blocks a dispatch.BlockSender opens
	// around sequential items. A block ends after BlockSize items or when
	// BlockKey changes; with neither set the whole iteration is one block.
	// Items are always sent one by one.
	BlockSize int
	BlockKey  func(item string) string
}

func (c Config) blockMode() bool {
	return c.BlockSize > 0 || c.BlockKey != nil
}

// ItemSource opens the item sequence of one message.
type ItemSource interface {
	Open(ctx context.Context, msg *message.Message, session *message.Session) (Items, error)
}

// Items is a lazy item sequence. Close is called exactly once.
type Items interface {
	// Next returns the next item, or ok=false when the sequence is exhausted
	Next(ctx context.Context) (item string, ok bool, err error)
	Close() error
}

// ItemSourceFunc adapts a function to ItemSource
type ItemSourceFunc func(ctx context.Context, msg *message.Message, session *message.Session) (Items, error)

// Open calls f
func (f ItemSourceFunc) Open(ctx context.Context, msg *message.Message, session *message.Session) (Items, error) {
	return f(ctx, msg, session)
}
