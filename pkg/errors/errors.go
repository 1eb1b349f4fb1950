package errors

import (
	"context"
	"errors"
	"fmt"
)

// Fault codes. Every structured error carries exactly one of them.
const (
	CodeConfiguration = "CONFIGURATION"
	CodeDispatch      = "DISPATCH"
	CodeIterationItem = "ITERATION_ITEM"
	CodeCancelled     = "CANCELLED"
)

var (
	// ErrConfiguration is matched by every ConfigurationFault.
	ErrConfiguration = errors.New("configuration fault")

	// ErrDispatch is matched by every DispatchFault.
	ErrDispatch = errors.New("dispatch fault")

	// ErrIterationItem is matched by every IterationItemFault.
	ErrIterationItem = errors.New("iteration item fault")

	// ErrCancelled is matched by every CancellationFault.
	ErrCancelled = errors.New("run cancelled")

	// ErrTimeout indicates that a sender or listener timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrNoForward indicates that an outcome name resolved to no target
	ErrNoForward = errors.New("no forward found")

	// ErrIllegalResult indicates that a sender result failed the well-formedness check
	ErrIllegalResult = errors.New("illegal result")

	// ErrMessageClosed indicates access to a message after Close
	ErrMessageClosed = errors.New("message is closed")

	// ErrMessageConsumed indicates a second read of a stream-backed message
	ErrMessageConsumed = errors.New("message stream already consumed")
)

var codeSentinels = map[string]error{
	CodeConfiguration: ErrConfiguration,
	CodeDispatch:      ErrDispatch,
	CodeIterationItem: ErrIterationItem,
	CodeCancelled:     ErrCancelled,
}

// Error is a classified fault raised by the pipeline core.
type Error struct {
	// Code is one of the Code* constants
	Code string

	// Unit is the name of the unit that raised the fault, if any
	Unit string

	// ItemIndex is the zero-based item index for iteration faults, -1 otherwise
	ItemIndex int

	// Message is a human-readable description
	Message string

	// Err is the underlying cause, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.Unit != "" {
		prefix += " " + e.Unit
	}
	if e.ItemIndex >= 0 {
		prefix += fmt.Sprintf(" item %d", e.ItemIndex)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of this fault's code.
func (e *Error) Is(target error) bool {
	sentinel, ok := codeSentinels[e.Code]
	return ok && sentinel == target
}

// NewError creates a structured fault
func NewError(code, unit, message string, err error) *Error {
	return &Error{
		Code:      code,
		Unit:      unit,
		ItemIndex: -1,
		Message:   message,
		Err:       err,
	}
}

// Configuration creates a ConfigurationFault.
func Configuration(unit, message string, err error) *Error {
	return NewError(CodeConfiguration, unit, message, err)
}

// Dispatch creates a DispatchFault.
func Dispatch(unit, message string, err error) *Error {
	return NewError(CodeDispatch, unit, message, err)
}

// IterationItem creates an IterationItemFault for the item at index.
func IterationItem(unit string, index int, err error) *Error {
	e := NewError(CodeIterationItem, unit, "item failed", err)
	e.ItemIndex = index
	return e
}

// Cancelled creates a CancellationFault.
func Cancelled(unit string, err error) *Error {
	return NewError(CodeCancelled, unit, "interrupted", err)
}

// FromContext converts a context error into a CancellationFault. It returns
// nil when ctx is still live.
func FromContext(ctx context.Context, unit string) error {
	if err := ctx.Err(); err != nil {
		return Cancelled(unit, err)
	}
	return nil
}

// IsConfiguration checks if an error is a configuration fault
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsDispatch checks if an error is a dispatch fault
func IsDispatch(err error) bool {
	return errors.Is(err, ErrDispatch)
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsCancelled checks if an error is a cancellation, including raw context cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
