// Package bus implements TransitionBus, the fan-out channel through which an
// agent publishes its state transitions to any number of observers.
//
// Publishing never blocks. Each subscriber owns a bounded buffer; when a slow
// subscriber's buffer is full the oldest pending event is discarded to make
// room for the newest one, and the subscriber's drop counter is incremented.
// Subscribers see only events published after they subscribed.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/hupe1980/agentsm/core"
)

// DefaultBuffer is the per-subscriber buffer used when none is configured.
const DefaultBuffer = 32

// TransitionBus broadcasts transitions to all current subscribers.
type TransitionBus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

// New creates a bus whose subscribers buffer up to buffer events each.
// Values below 1 are raised to 1.
func New(buffer int) *TransitionBus {
	if buffer < 1 {
		buffer = 1
	}
	return &TransitionBus{subs: make(map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe registers a new observer. After Close the returned subscription
// is already closed.
func (b *TransitionBus) Subscribe() *Subscription {
	s := &Subscription{bus: b, ch: make(chan core.Transition, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s] = struct{}{}

	return s
}

// Publish delivers t to every current subscriber without blocking.
func (b *TransitionBus) Publish(t core.Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for s := range b.subs {
		s.deliver(t)
	}
}

// Len returns the number of active subscribers.
func (b *TransitionBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription. Further publishes are ignored.
func (b *TransitionBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for s := range b.subs {
		delete(b.subs, s)
		s.once.Do(func() { close(s.ch) })
	}
}

func (b *TransitionBus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	s.once.Do(func() { close(s.ch) })
}

// Subscription is a single observer's view of the bus.
type Subscription struct {
	bus     *TransitionBus
	ch      chan core.Transition
	once    sync.Once
	dropped atomic.Uint64
}

// Events returns the channel of transitions. It is closed on Unsubscribe or
// when the bus closes.
func (s *Subscription) Events() <-chan core.Transition { return s.ch }

// Unsubscribe detaches the subscription and closes its channel. It is
// idempotent and safe to call while events are being published.
func (s *Subscription) Unsubscribe() { s.bus.remove(s) }

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// deliver is called with the bus lock held, so the channel cannot be closed
// concurrently and this is the only sender.
func (s *Subscription) deliver(t core.Transition) {
	for {
		select {
		case s.ch <- t:
			return
		default:
		}

		// Full: discard the oldest event. The receiver may have drained it
		// in the meantime, in which case the next send succeeds.
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}
