package core

import "context"

// CompletionPort is the boundary to an external language model. Given the
// conversational context (oldest first, not including the new input) and the
// new input, it produces the assistant reply.
//
// Implementations must honour ctx cancellation. They must not retry
// internally; retry policies are applied as decorators (see package model).
type CompletionPort interface {
	Complete(ctx context.Context, history []Message, input string) (string, error)
}

// CompletionFunc adapts an ordinary function to the CompletionPort interface.
type CompletionFunc func(ctx context.Context, history []Message, input string) (string, error)

// Complete calls f.
func (f CompletionFunc) Complete(ctx context.Context, history []Message, input string) (string, error) {
	return f(ctx, history, input)
}
