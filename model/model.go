package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentsm/core"
)

// Info contains metadata about a completion port implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", etc.
}

// Describer is implemented by ports that can report provider metadata.
type Describer interface {
	Info() Info
}

// Describe returns the Info of port, or a zero Info if it does not implement
// Describer.
func Describe(port core.CompletionPort) Info {
	if d, ok := port.(Describer); ok {
		return d.Info()
	}
	return Info{}
}

// MockPort is a lightweight in‑memory CompletionPort useful for tests & examples.
type MockPort struct {
	info Info

	mu        sync.RWMutex
	responses map[string]string
}

// NewMockPort constructs a MockPort.
func NewMockPort(name string) *MockPort {
	return &MockPort{
		info:      Info{Name: name, Provider: "mock"},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input.
func (m *MockPort) AddResponse(input, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[input] = response
}

// Complete implements core.CompletionPort. Unknown inputs receive a generic
// reply mentioning the input and the size of the context.
func (m *MockPort) Complete(ctx context.Context, history []core.Message, input string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.RLock()
	resp, ok := m.responses[input]
	m.mu.RUnlock()

	if ok {
		return resp, nil
	}

	return fmt.Sprintf("Mock response to: %s (%d prior messages)", input, len(history)), nil
}

// Info implements Describer.
func (m *MockPort) Info() Info { return m.info }
