package core

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned when a bounded queue cannot admit another turn.
	// Callers may retry later; the input was not accepted.
	ErrQueueFull = errors.New("queue full")

	// ErrNotInErrorState is returned by recovery when the agent is not in StateError.
	ErrNotInErrorState = errors.New("agent not in error state")

	// ErrShuttingDown is returned for work submitted to, or abandoned by, an
	// agent that is shutting down.
	ErrShuttingDown = errors.New("agent shutting down")

	// ErrInvalidMessage is returned when a message cannot be appended to a history.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrEmptyInput is returned when a turn is submitted without input.
	ErrEmptyInput = errors.New("empty input")

	// ErrInvalidTransition is returned when a state change is not declared by
	// the agent statechart.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrProcessingFailure matches every *ProcessingError via errors.Is.
	ErrProcessingFailure = errors.New("processing failure")
)

// ProcessingError is the failure of a single turn. It is retained in the
// FailureRecord and delivered to the failed turn's handle.
type ProcessingError struct {
	Cause  FailureCause
	TurnID string
	Err    error
}

// Error implements error.
func (e *ProcessingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("turn %s failed: %s", e.TurnID, e.Cause)
	}
	return fmt.Sprintf("turn %s failed: %s: %v", e.TurnID, e.Cause, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProcessingError) Unwrap() error { return e.Err }

// Is reports whether target is ErrProcessingFailure.
func (e *ProcessingError) Is(target error) bool { return target == ErrProcessingFailure }
