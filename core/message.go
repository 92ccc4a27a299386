package core

import (
	"fmt"
	"time"
)

// Role identifies the author of a Message.
type Role string

const (
	// RoleUser marks caller supplied input.
	RoleUser Role = "user"
	// RoleAssistant marks a reply produced through the CompletionPort.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleUser || r == RoleAssistant }

// Message is one entry of the conversational record. It is a value type and
// must be treated as immutable once appended to a history. Sequence is
// assigned by the history and increases strictly with every append.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// NewUserMessage creates an unsequenced user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an unsequenced assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Validate returns ErrInvalidMessage if the message has an unknown role.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}
	return nil
}

// String renders the message as "role: content".
func (m Message) String() string { return string(m.Role) + ": " + m.Content }
