package testutil

import (
	"github.com/hupe1980/agentsm/core"
	"github.com/hupe1980/agentsm/history"
)

// HistoryBuilder provides a fluent helper for constructing chat histories in tests.
// Example:
//
//	h := NewHistoryBuilder().User("hi").Assistant("hello").Build()
type HistoryBuilder struct {
	msgs []core.Message
}

// NewHistoryBuilder creates an empty builder.
func NewHistoryBuilder() *HistoryBuilder { return &HistoryBuilder{} }

// User appends a user message (chainable).
func (b *HistoryBuilder) User(content string) *HistoryBuilder {
	b.msgs = append(b.msgs, core.NewUserMessage(content))
	return b
}

// Assistant appends an assistant message (chainable).
func (b *HistoryBuilder) Assistant(content string) *HistoryBuilder {
	b.msgs = append(b.msgs, core.NewAssistantMessage(content))
	return b
}

// Exchange appends a user message followed by its reply (chainable).
func (b *HistoryBuilder) Exchange(input, reply string) *HistoryBuilder {
	return b.User(input).Assistant(reply)
}

// Messages returns the unsequenced messages collected so far.
func (b *HistoryBuilder) Messages() []core.Message {
	return append([]core.Message(nil), b.msgs...)
}

// Build appends all messages to a new ChatHistory. It panics on invalid
// messages, which only the builder itself can produce.
func (b *HistoryBuilder) Build() *history.ChatHistory {
	h := history.New()
	for _, m := range b.msgs {
		if _, err := h.Append(m); err != nil {
			panic(err)
		}
	}
	return h
}
