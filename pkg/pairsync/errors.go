package pairsync

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/pairsync/pkg/pairsync/message"
	"github.com/randalmurphal/pairsync/pkg/pairsync/registry"
	"github.com/randalmurphal/pairsync/pkg/pairsync/transport"
)

// Sentinel errors for protocol and endpoint construction.
var (
	// ErrUnknownEvent indicates an event name with no registered prototype.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrUnknownStep indicates a step name this endpoint cannot run.
	ErrUnknownStep = errors.New("unknown step")

	// ErrInvalidPrototype indicates a prototype that fails validation.
	ErrInvalidPrototype = errors.New("invalid event prototype")

	// ErrReservedStep indicates an application step that collides with a built-in.
	ErrReservedStep = errors.New("step name is reserved")

	// ErrNoConnection indicates New was called without a connection.
	ErrNoConnection = errors.New("connection is required")

	// ErrMissingName indicates an EndpointSpec without a name.
	ErrMissingName = errors.New("endpoint name is required")

	// ErrDuplicateVariable indicates a variable declared twice in one spec.
	ErrDuplicateVariable = errors.New("variable declared more than once")
)

// Sentinel errors for event execution.
var (
	// ErrPostponed reports that the running execution was superseded and
	// must unwind without committing. Bodies return it unchanged; callers of
	// Call never see it.
	ErrPostponed = errors.New("event postponed")

	// ErrAborted indicates an event rolled back on both endpoints.
	ErrAborted = errors.New("event aborted")

	// ErrClosed indicates the endpoint was closed.
	ErrClosed = errors.New("endpoint closed")

	// ErrConnectionLost indicates the peer connection ended.
	ErrConnectionLost = errors.New("connection lost")

	// ErrInvariant is wrapped by every InvariantError.
	ErrInvariant = errors.New("engine invariant violated")

	// ErrNotInFootprint indicates access to a variable the event did not declare.
	ErrNotInFootprint = errors.New("variable not in event footprint")

	// ErrNotExternal indicates a variable that does not hold an external object.
	ErrNotExternal = errors.New("variable does not hold an external object")
)

// InvariantError reports a broken engine invariant, such as a release for
// an event that is not active. The endpoint stops accepting work after one.
type InvariantError struct {
	// Op is the operation that detected the problem ("release", "admit", "step").
	Op string
	// EventID is the event involved, or -1.
	EventID int64
	// Err describes the violation.
	Err error
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated during %s of event %d: %v", e.Op, e.EventID, e.Err)
}

// Unwrap returns both the cause and ErrInvariant for errors.Is support.
func (e *InvariantError) Unwrap() []error {
	return []error{e.Err, ErrInvariant}
}

// StepError wraps an error returned by an event body or step.
type StepError struct {
	// Step is the step that failed.
	Step StepName
	// EventID is the event the step ran for.
	EventID int64
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %s of event %d: %v", e.Step, e.EventID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StepError) Unwrap() error {
	return e.Err
}

// PanicError captures a panic raised by an event body or step.
type PanicError struct {
	// Step is the step that panicked.
	Step StepName
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("step %s panicked: %v", e.Step, e.Value)
}

// Category groups errors by how the engine treats them.
type Category int

const (
	// CategoryApplication is an error returned by application code.
	CategoryApplication Category = iota

	// CategoryPostponement means the event will be retried automatically.
	CategoryPostponement

	// CategoryDenial means admission was refused.
	CategoryDenial

	// CategoryInvariant means the engine is in an inconsistent state.
	CategoryInvariant

	// CategoryTransport means the connection failed or was closed.
	CategoryTransport
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryApplication:
		return "application"
	case CategoryPostponement:
		return "postponement"
	case CategoryDenial:
		return "denial"
	case CategoryInvariant:
		return "invariant"
	case CategoryTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Categorize classifies err. A nil error is CategoryApplication.
func Categorize(err error) Category {
	switch {
	case errors.Is(err, ErrPostponed):
		return CategoryPostponement
	case errors.Is(err, ErrInvariant), errors.Is(err, registry.ErrFrozen):
		return CategoryInvariant
	case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrClosed),
		errors.Is(err, transport.ErrClosed), errors.Is(err, transport.ErrPeerClosed):
		return CategoryTransport
	case errors.Is(err, message.ErrReservedName), errors.Is(err, ErrUnknownEvent),
		errors.Is(err, ErrUnknownStep):
		return CategoryDenial
	default:
		return CategoryApplication
	}
}
