package history

import (
	"context"
	"sync"

	"github.com/hupe1980/agentsm/core"
)

// Store persists the conversational record of sessions. Implementations are
// append-only logs keyed by session; eviction only affects the in-process
// ChatHistory, never the stored log.
type Store interface {
	Append(ctx context.Context, sessionID string, msg core.Message) error
	Load(ctx context.Context, sessionID string) ([]core.Message, error)
	Close() error
}

// MemoryStore is a volatile Store backed by a process local map. It is safe
// for concurrent access and best suited for tests or single-process setups.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]core.Message
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]core.Message)}
}

// Append records msg for the session.
func (s *MemoryStore) Append(ctx context.Context, sessionID string, msg core.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append(s.sessions[sessionID], msg)

	return nil
}

// Load returns a copy of the session's messages in append order.
func (s *MemoryStore) Load(ctx context.Context, sessionID string) ([]core.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.sessions[sessionID]
	out := make([]core.Message, len(msgs))
	copy(out, msgs)

	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
