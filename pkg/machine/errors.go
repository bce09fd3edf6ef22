package machine

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies machine errors.
type ErrorCode int

const (
	// ErrorCodeBehaviorNotFound means a behavior reference could not be
	// resolved against the registry.
	ErrorCodeBehaviorNotFound ErrorCode = iota

	// ErrorCodeMissingContext means a behavior's required context key
	// was absent at invocation time.
	ErrorCodeMissingContext

	// ErrorCodeEventValidation means a validation guard rejected the
	// event.
	ErrorCodeEventValidation

	// ErrorCodeContextValidation means a context value failed its
	// schema or a required-key type tag.
	ErrorCodeContextValidation

	// ErrorCodeNoTransition means no state in the active set handles
	// the event, or a transition referenced an unknown state.
	ErrorCodeNoTransition

	// ErrorCodeInvalidFinalState means a final state declared children.
	ErrorCodeInvalidFinalState

	// ErrorCodeInvalidParallelState means a parallel state has no
	// children or declared an initial child.
	ErrorCodeInvalidParallelState

	// ErrorCodeAmbiguousState means two states compiled to the same
	// dot-delimited path.
	ErrorCodeAmbiguousState

	// ErrorCodeInvalidGuardedTransition means a validation guard was
	// placed on a non-first branch of a multi-branch transition.
	ErrorCodeInvalidGuardedTransition

	// ErrorCodeInvalidDefinition covers remaining structural problems
	// in a machine configuration.
	ErrorCodeInvalidDefinition

	// ErrorCodeEventlessLoop means consecutive @always steps exceeded
	// the configured bound within one macro-step.
	ErrorCodeEventlessLoop

	// ErrorCodeActionFailed means a calculator, guard, or action
	// returned an error.
	ErrorCodeActionFailed
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeBehaviorNotFound:
		return "behavior_not_found"
	case ErrorCodeMissingContext:
		return "missing_machine_context"
	case ErrorCodeEventValidation:
		return "machine_event_validation"
	case ErrorCodeContextValidation:
		return "machine_context_validation"
	case ErrorCodeNoTransition:
		return "no_transition_definition_found"
	case ErrorCodeInvalidFinalState:
		return "invalid_final_state_definition"
	case ErrorCodeInvalidParallelState:
		return "invalid_parallel_state_definition"
	case ErrorCodeAmbiguousState:
		return "ambiguous_state_definitions"
	case ErrorCodeInvalidGuardedTransition:
		return "invalid_guarded_transition"
	case ErrorCodeInvalidDefinition:
		return "invalid_definition"
	case ErrorCodeEventlessLoop:
		return "eventless_loop"
	case ErrorCodeActionFailed:
		return "action_failed"
	default:
		return "unknown"
	}
}

// Error is the machine runtime error type. State and Event carry the
// involved state path and event type when known.
type Error struct {
	Message   string
	Code      ErrorCode
	State     string
	Event     string
	Behavior  string
	Timestamp time.Time
	cause     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.cause }

func newError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{
		Message:   fmt.Sprintf(format, args...),
		Code:      code,
		Timestamp: time.Now(),
	}
}

func (e *Error) withState(state string) *Error {
	e.State = state
	return e
}

func (e *Error) withEvent(event string) *Error {
	e.Event = event
	return e
}

func (e *Error) withBehavior(name string) *Error {
	e.Behavior = name
	return e
}

func (e *Error) withCause(err error) *Error {
	e.cause = err
	return e
}

// CodeOf extracts the machine error code from err, if any.
func CodeOf(err error) (ErrorCode, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me.Code, true
	}
	return 0, false
}

// IsCode reports whether err carries the given machine error code.
func IsCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
