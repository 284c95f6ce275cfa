// Package engineerr implements the error taxonomy of spec.md §7: a closed
// set of kinds that cross the orchestrator boundary, each carrying whatever
// wrapped cause produced it.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind is one of the named failure categories in spec.md §7.
type Kind string

const (
	TaskInterrupted       Kind = "task_interrupted"
	StatePersistenceFailed Kind = "state_persistence_failed"
	ContextRecoveryFailed  Kind = "context_recovery_failed"
	TaskNotFound           Kind = "task_not_found"
	InvalidStateTransition Kind = "invalid_state_transition"
	InternalError          Kind = "internal_error"
	ChannelError           Kind = "channel_error"
	ConfigurationError     Kind = "configuration_error"
	ResourceLimitExceeded  Kind = "resource_limit_exceeded"
	ExecutionTimeout       Kind = "execution_timeout"
)

// EngineError is the concrete error type carried across component
// boundaries. Use errors.As to recover it and inspect Kind.
type EngineError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// New constructs an EngineError with no wrapped cause.
func New(kind Kind, message string) *EngineError {
	return &EngineError{Kind: kind, Message: message}
}

// Wrap constructs an EngineError that wraps cause.
func Wrap(kind Kind, message string, cause error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an EngineError of the given Kind.
func Is(err error, kind Kind) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or InternalError if err is not an
// EngineError.
func KindOf(err error) Kind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return InternalError
}
