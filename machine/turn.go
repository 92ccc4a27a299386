package machine

import (
	"context"
	"sync"

	"github.com/hupe1980/agentsm/core"
)

// Turn is the caller's handle on a submitted input. It resolves exactly once:
// with the assistant reply, a *core.ProcessingError, or core.ErrShuttingDown.
type Turn struct {
	id    string
	input string

	once   sync.Once
	done   chan struct{}
	result core.Message
	err    error
}

func newTurn(pt core.PendingTurn) *Turn {
	return &Turn{id: pt.ID, input: pt.Input, done: make(chan struct{})}
}

// ID returns the turn identifier. A retried turn keeps its ID.
func (t *Turn) ID() string { return t.id }

// Input returns the submitted text.
func (t *Turn) Input() string { return t.input }

// Done is closed once the turn is resolved.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Result returns the outcome. It must only be called after Done is closed;
// before that it returns a zero message and a nil error.
func (t *Turn) Result() (core.Message, error) {
	select {
	case <-t.done:
		return t.result, t.err
	default:
		return core.Message{}, nil
	}
}

// Wait blocks until the turn resolves or ctx is done.
func (t *Turn) Wait(ctx context.Context) (core.Message, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return core.Message{}, ctx.Err()
	}
}

func (t *Turn) resolve(msg core.Message, err error) {
	t.once.Do(func() {
		t.result, t.err = msg, err
		close(t.done)
	})
}
