package machine

import (
	"github.com/hupe1980/agentsm/core"
)

// RecoveryOptions configures HandleError.
type RecoveryOptions struct {
	// Retry re-queues the failed turn at the head of the queue. The turn keeps
	// its ID and its already recorded user message; a new handle is returned.
	Retry bool

	// Input, when non-empty, is enqueued as an additional turn.
	Input string
}

// Recovery describes the outcome of HandleError.
type Recovery struct {
	// Failure is the record that was cleared.
	Failure core.FailureRecord
	// Retried is the new handle of the failed turn when Retry was requested.
	Retried *Turn
	// Turn is the handle of the additional input, if any.
	Turn *Turn
}

// HandleError is the only way out of the Error state. It clears the
// FailureRecord and resumes processing: the machine moves to QueuePending if
// work is queued, otherwise to Ready.
//
// Without options the failed turn is dropped (its handle already resolved
// with the failure). With Retry it runs again before any other queued turn.
// If Input cannot be admitted because the queue is full, HandleError returns
// core.ErrQueueFull and leaves the machine untouched in Error.
//
// Errors: core.ErrNotInErrorState, core.ErrShuttingDown, core.ErrQueueFull.
func (m *Machine) HandleError(optFns ...func(o *RecoveryOptions)) (*Recovery, error) {
	var opts RecoveryOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		return nil, core.ErrShuttingDown
	}
	if m.state != core.StateError || m.failure == nil {
		return nil, core.ErrNotInErrorState
	}

	rec := *m.failure
	res := &Recovery{Failure: rec}

	if opts.Input != "" {
		pt := core.NewPendingTurn(opts.Input)
		if err := m.queue.EnqueueTurn(pt); err != nil {
			m.metrics.RecordQueueRejected(m.baseCtx, m.sessionID)
			return nil, err
		}
		res.Turn = newTurn(pt)
		m.handles[pt.ID] = res.Turn
	}

	if opts.Retry {
		m.queue.PushFront(rec.Turn)
		res.Retried = newTurn(rec.Turn)
		m.handles[rec.Turn.ID] = res.Retried
	} else {
		delete(m.recorded, rec.Turn.ID)
	}

	next := core.StateReady
	if m.queue.Len() > 0 {
		next = core.StateQueuePending
	}

	if err := m.transitionLocked(next); err != nil {
		return nil, err
	}
	m.failure = nil

	m.logger.Info("Recovered from error", "turn_id", rec.Turn.ID, "cause", rec.Cause.String(), "retry", opts.Retry, "next", next.String())

	if next == core.StateQueuePending {
		m.startWorkerLocked()
	}

	return res, nil
}
