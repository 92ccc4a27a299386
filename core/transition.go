package core

import (
	"fmt"
	"time"
)

// Transition describes one observable state change of an agent.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTransition creates a transition stamped with the current UTC time.
func NewTransition(from, to State) Transition {
	return Transition{From: from, To: to, Timestamp: time.Now().UTC()}
}

// String renders the transition as "From -> To".
func (t Transition) String() string { return fmt.Sprintf("%s -> %s", t.From, t.To) }
