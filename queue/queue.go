// Package queue provides MessageQueue, the strict FIFO of pending turns in
// front of a single agent. A bounded queue signals backpressure with
// core.ErrQueueFull instead of dropping input.
package queue

import (
	"fmt"
	"sync"

	"github.com/hupe1980/agentsm/core"
)

// MessageQueue holds pending turns in submission order. It is safe for
// concurrent producers; Dequeue is meant for the single owning orchestrator.
type MessageQueue struct {
	mu       sync.Mutex
	turns    []core.PendingTurn
	capacity int
}

// New creates a queue admitting at most capacity turns. capacity <= 0 means
// unbounded.
func New(capacity int) *MessageQueue {
	if capacity < 0 {
		capacity = 0
	}
	return &MessageQueue{capacity: capacity}
}

// Enqueue wraps input into a new PendingTurn, appends it and returns the turn id.
func (q *MessageQueue) Enqueue(input string) (string, error) {
	turn := core.NewPendingTurn(input)
	if err := q.EnqueueTurn(turn); err != nil {
		return "", err
	}
	return turn.ID, nil
}

// EnqueueTurn appends turn to the tail of the queue.
func (q *MessageQueue) EnqueueTurn(turn core.PendingTurn) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && len(q.turns) >= q.capacity {
		return fmt.Errorf("%w: capacity %d", core.ErrQueueFull, q.capacity)
	}
	q.turns = append(q.turns, turn)

	return nil
}

// PushFront puts a previously admitted turn back at the head of the queue.
// The capacity bound is not applied.
func (q *MessageQueue) PushFront(turn core.PendingTurn) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.turns = append(q.turns, core.PendingTurn{})
	copy(q.turns[1:], q.turns)
	q.turns[0] = turn
}

// Dequeue removes and returns the oldest turn.
func (q *MessageQueue) Dequeue() (core.PendingTurn, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.turns) == 0 {
		return core.PendingTurn{}, false
	}

	turn := q.turns[0]
	q.turns[0] = core.PendingTurn{}
	q.turns = q.turns[1:]
	if len(q.turns) == 0 {
		q.turns = nil
	}

	return turn, true
}

// Len returns the number of queued turns.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.turns)
}

// Cap returns the configured capacity (0 when unbounded).
func (q *MessageQueue) Cap() int { return q.capacity }

// Remaining returns the number of free slots, or -1 for an unbounded queue.
func (q *MessageQueue) Remaining() int {
	if q.capacity == 0 {
		return -1
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.capacity - len(q.turns)
}

// Drain removes every queued turn and returns them in FIFO order.
func (q *MessageQueue) Drain() []core.PendingTurn {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.turns
	q.turns = nil

	return out
}
