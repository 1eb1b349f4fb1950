// Package pipeline runs a message and its session through named units,
// selecting the next unit by resolving each unit's outcome through its
// forward table.
package pipeline

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/conduit/pkg/errors"
	"github.com/wehubfusion/conduit/pkg/forward"
	"github.com/wehubfusion/conduit/pkg/message"
)

// State is the lifecycle state of a unit or pipeline
type State int32

const (
	StateNew State = iota
	StateConfigured
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return "new"
	}
}

// Result is the outcome of one unit invocation: the forward name to follow
// and the message to hand to the next unit.
type Result struct {
	Forward string
	Message *message.Message
}

// Success builds a Result on the success forward
func Success(msg *message.Message) *Result {
	return &Result{Forward: forward.Success, Message: msg}
}

// Successful reports whether the result follows the success forward
func (r *Result) Successful() bool {
	return r != nil && r.Forward == forward.Success
}

// Processor applies a step to a message. Wrappers and validators used around
// a send implement only this.
type Processor interface {
	Process(ctx context.Context, msg *message.Message, session *message.Session) (*Result, error)
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, msg *message.Message, session *message.Session) (*Result, error)

// Process calls f
func (f ProcessorFunc) Process(ctx context.Context, msg *message.Message, session *message.Session) (*Result, error) {
	return f(ctx, msg, session)
}

// Unit is a named processing step wired into a pipeline.
type Unit interface {
	Processor
	Name() string
	Table() *forward.Table
	Configure(scope forward.Scope) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() State
}

// Base carries the name, forward table, logger and lifecycle shared by unit
// implementations. Embed it and implement Process.
type Base struct {
	name   string
	table  *forward.Table
	logger *zap.Logger
	state  atomic.Int32
}

// NewBase creates the shared part of a unit. allowed is the static list of
// forward names the unit type may declare.
func NewBase(name string, logger *zap.Logger, allowed ...string) *Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("unit", name))
	return &Base{
		name:   name,
		table:  forward.NewTable(name, logger, allowed...),
		logger: logger,
	}
}

// Name returns the unit name
func (b *Base) Name() string {
	return b.name
}

// Table returns the unit's forward table
func (b *Base) Table() *forward.Table {
	return b.table
}

// Logger returns the unit's logger
func (b *Base) Logger() *zap.Logger {
	return b.logger
}

// State returns the lifecycle state
func (b *Base) State() State {
	return State(b.state.Load())
}

// AddForward registers a local forward
func (b *Base) AddForward(name string, target forward.Target) {
	b.table.Register(forward.Forward{Name: name, Target: target, Declarer: b.name})
}

// Configure validates the name, attaches the pipeline scope and checks the
// declared forwards.
func (b *Base) Configure(scope forward.Scope) error {
	if err := ValidateName(b.name); err != nil {
		return err
	}
	b.table.SetScope(scope)
	b.table.Validate()
	b.state.Store(int32(StateConfigured))
	return nil
}

// Start moves a configured unit to started
func (b *Base) Start(ctx context.Context) error {
	if st := b.State(); st != StateConfigured && st != StateStopped {
		return sdkerrors.Configuration(b.name, fmt.Sprintf("cannot start unit in state %s", st), nil)
	}
	b.state.Store(int32(StateStarted))
	return nil
}

// Stop moves the unit to stopped
func (b *Base) Stop(ctx context.Context) error {
	b.state.Store(int32(StateStopped))
	return nil
}

// ValidateName rejects empty names and names containing path separators.
func ValidateName(name string) error {
	if name == "" {
		return sdkerrors.Configuration("", "unit name must be set", nil)
	}
	if strings.ContainsAny(name, `/\`) {
		return sdkerrors.Configuration(name, "unit name must not contain path separators", nil)
	}
	return nil
}

// FormatError renders err as the message handed to an exception or timeout forward.
func FormatError(unit string, err error) string {
	var b strings.Builder
	b.WriteString(`<error unit="`)
	_ = xml.EscapeText(&b, []byte(unit))
	b.WriteString(`">`)
	_ = xml.EscapeText(&b, []byte(err.Error()))
	b.WriteString("</error>")
	return b.String()
}
