package courier

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	// ErrNoHandlerFound is returned when a command has no eligible handler.
	ErrNoHandlerFound = errors.New("no handler found")

	// ErrDuplicateHandlerRegistration is returned when a second handler
	// subscribes to a command name that already has one.
	ErrDuplicateHandlerRegistration = errors.New("duplicate handler registration")

	// ErrParameterResolutionExhausted marks a handler parameter that no
	// resolver factory could bind. The handler is excluded, not failed.
	ErrParameterResolutionExhausted = errors.New("parameter resolution exhausted")

	// ErrHandlerInvocationFailed wraps any failure raised by a handler body.
	ErrHandlerInvocationFailed = errors.New("handler invocation failed")

	// ErrDuplicateDeclaration is returned when a component declares the same
	// method twice with the same kind.
	ErrDuplicateDeclaration = errors.New("duplicate handler declaration")

	// ErrUnknownMethod is returned when a declaration names a method the
	// component does not have.
	ErrUnknownMethod = errors.New("unknown handler method")

	// ErrInvalidHandler is returned when a handler method has an
	// unsupported shape.
	ErrInvalidHandler = errors.New("invalid handler")

	// ErrSequenceConflict is returned by an EventStore when an appended
	// domain event does not continue its aggregate stream.
	ErrSequenceConflict = errors.New("sequence conflict")

	// ErrAggregateNotFound is returned when a command targets an aggregate
	// with no events and its handler does not create aggregates.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrAggregateExists is returned when a creating command targets an
	// aggregate that already has events.
	ErrAggregateExists = errors.New("aggregate already exists")
)

// NoHandlerError reports a command that could not be routed.
type NoHandlerError struct {
	Name   string
	Reason string
}

func (e *NoHandlerError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("no handler found for command %q: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("no handler found for command %q", e.Name)
}

func (e *NoHandlerError) Is(target error) bool { return target == ErrNoHandlerFound }

// DuplicateRegistrationError reports a second subscription for a command name.
type DuplicateRegistrationError struct {
	Name string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("duplicate handler registration for command %q", e.Name)
}

func (e *DuplicateRegistrationError) Is(target error) bool {
	return target == ErrDuplicateHandlerRegistration
}

// ResolutionError reports a parameter that no resolver factory could bind.
type ResolutionError struct {
	Handler  string
	Position int
	Type     reflect.Type
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s: no resolver for parameter %d (%s)", e.Handler, e.Position, e.Type)
}

func (e *ResolutionError) Is(target error) bool {
	return target == ErrParameterResolutionExhausted
}

// InvocationError wraps a failure raised while running a handler, including
// recovered panics and payload validation failures.
type InvocationError struct {
	Handler string
	Message string
	Err     error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("handler %s failed on %s: %v", e.Handler, e.Message, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

func (e *InvocationError) Is(target error) bool { return target == ErrHandlerInvocationFailed }

// PublishError aggregates every handler failure of one Publish call.
type PublishError struct {
	errs []error
}

func (e *PublishError) Error() string {
	msgs := make([]string, len(e.errs))
	for i, err := range e.errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("publish: %d handler invocation(s) failed: %s", len(e.errs), strings.Join(msgs, "; "))
}

// Errors returns the individual failures in the order they were collected.
func (e *PublishError) Errors() []error { return append([]error(nil), e.errs...) }

func (e *PublishError) Unwrap() []error { return e.errs }

// SequenceConflictError reports an out-of-order domain event append.
type SequenceConflictError struct {
	AggregateID string
	Expected    int64
	Actual      int64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("aggregate %s: expected sequence %d, got %d", e.AggregateID, e.Expected, e.Actual)
}

func (e *SequenceConflictError) Is(target error) bool { return target == ErrSequenceConflict }

// validationError wraps payload validation errors so we can identify them.
type validationError struct {
	err error
}

func (e *validationError) Error() string { return "validate payload: " + e.err.Error() }
func (e *validationError) Unwrap() error { return e.err }

// panicError carries a value recovered from a panicking handler.
type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }
