package history

import (
	"sync"
	"time"

	"github.com/hupe1980/agentsm/core"
)

// ChatHistory is an append-only ordered record of messages. It is safe for
// concurrent access: a single writer (the owning machine) appends while any
// number of readers take snapshots.
type ChatHistory struct {
	mu       sync.RWMutex
	messages []core.Message
	nextSeq  uint64
}

// New creates an empty history. The first appended message gets sequence 1.
func New() *ChatHistory {
	return &ChatHistory{messages: []core.Message{}, nextSeq: 1}
}

// Append validates msg, assigns its sequence number (and timestamp when unset)
// and appends it. The stored message is returned.
func (h *ChatHistory) Append(msg core.Message) (core.Message, error) {
	if err := msg.Validate(); err != nil {
		return core.Message{}, err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	msg.Sequence = h.nextSeq
	h.nextSeq++
	h.messages = append(h.messages, msg)

	return msg, nil
}

// Snapshot returns a point-in-time copy of the full history.
func (h *ChatHistory) Snapshot() []core.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]core.Message, len(h.messages))
	copy(out, h.messages)

	return out
}

// Window returns a copy of the last n messages. n <= 0 returns everything.
func (h *ChatHistory) Window(n int) []core.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return tail(h.messages, n)
}

// WindowBefore returns a copy of the last n messages whose sequence is lower
// than seq. It is used to build the context of a turn without the turn's own
// user message.
func (h *ChatHistory) WindowBefore(seq uint64, n int) []core.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	end := len(h.messages)
	for end > 0 && h.messages[end-1].Sequence >= seq {
		end--
	}

	return tail(h.messages[:end], n)
}

// Len returns the number of retained messages.
func (h *ChatHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Last returns the most recent message, if any.
func (h *ChatHistory) Last() (core.Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.messages) == 0 {
		return core.Message{}, false
	}

	return h.messages[len(h.messages)-1], true
}

// Evict applies policy to the current history and drops the number of leading
// messages it asks for. Sequence numbering is unaffected. It returns how many
// messages were removed.
func (h *ChatHistory) Evict(policy EvictionPolicy) int {
	if policy == nil {
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	view := make([]core.Message, len(h.messages))
	copy(view, h.messages)

	n := policy(view)
	if n <= 0 {
		return 0
	}
	if n > len(h.messages) {
		n = len(h.messages)
	}

	kept := make([]core.Message, len(h.messages)-n)
	copy(kept, h.messages[n:])
	h.messages = kept

	return n
}

// Clear removes every message. Subsequent appends continue the sequence.
func (h *ChatHistory) Clear() { h.Evict(EvictAll) }

// Restore seeds the history with previously persisted messages (for example
// loaded from a Store). Messages keep their sequence numbers; the next append
// continues after the highest one. Restore on a non-empty history appends
// only messages newer than the current last sequence.
func (h *ChatHistory) Restore(msgs []core.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range msgs {
		if m.Sequence < h.nextSeq {
			continue
		}
		h.messages = append(h.messages, m)
		h.nextSeq = m.Sequence + 1
	}
}

func tail(msgs []core.Message, n int) []core.Message {
	start := 0
	if n > 0 && len(msgs) > n {
		start = len(msgs) - n
	}

	out := make([]core.Message, len(msgs)-start)
	copy(out, msgs[start:])

	return out
}
