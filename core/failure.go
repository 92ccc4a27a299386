package core

import "time"

// FailureCause classifies why a turn did not complete.
type FailureCause int

const (
	// CauseCompletionError means the CompletionPort returned an error (or panicked).
	CauseCompletionError FailureCause = iota
	// CauseTimeout means the turn exceeded its deadline.
	CauseTimeout
	// CauseCancelled means the turn was cancelled before the port answered.
	CauseCancelled
)

// String returns the cause name.
func (c FailureCause) String() string {
	switch c {
	case CauseCompletionError:
		return "CompletionError"
	case CauseTimeout:
		return "Timeout"
	case CauseCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// FailureRecord holds the diagnostics of the most recent failed turn. It is
// present only while the agent is in StateError.
type FailureRecord struct {
	Cause     FailureCause
	Err       error
	Turn      PendingTurn
	Timestamp time.Time
}

// AsError returns the record as a *ProcessingError.
func (r FailureRecord) AsError() error {
	return &ProcessingError{Cause: r.Cause, TurnID: r.Turn.ID, Err: r.Err}
}
