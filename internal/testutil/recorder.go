package testutil

import (
	"sync"

	"github.com/hupe1980/agentsm/bus"
	"github.com/hupe1980/agentsm/core"
)

// Recorder collects every transition delivered to a subscription until the
// subscription closes.
type Recorder struct {
	mu    sync.Mutex
	items []core.Transition
	done  chan struct{}
}

// Record starts draining sub in the background.
func Record(sub *bus.Subscription) *Recorder {
	r := &Recorder{done: make(chan struct{})}

	go func() {
		defer close(r.done)
		for t := range sub.Events() {
			r.mu.Lock()
			r.items = append(r.items, t)
			r.mu.Unlock()
		}
	}()

	return r
}

// Transitions returns the transitions received so far.
func (r *Recorder) Transitions() []core.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Transition(nil), r.items...)
}

// Targets returns the To state of each transition received so far.
func (r *Recorder) Targets() []core.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]core.State, 0, len(r.items))
	for _, t := range r.items {
		out = append(out, t.To)
	}
	return out
}

// Len returns the number of transitions received so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Done is closed once the subscription has been closed and drained.
func (r *Recorder) Done() <-chan struct{} { return r.done }
