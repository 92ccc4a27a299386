package core

import (
	"time"

	"github.com/google/uuid"
)

// PendingTurn is a unit of caller input waiting to be processed. The queue owns
// it until the orchestrator dequeues it into the single processing slot.
type PendingTurn struct {
	ID          string    `json:"id"`
	Input       string    `json:"input"`
	SubmittedAt time.Time `json:"submitted_at"`
	// Attempt counts how often the turn was dispatched; 0 until first dispatch.
	Attempt int `json:"attempt"`
}

// NewPendingTurn creates a turn with a fresh identifier and submission time.
func NewPendingTurn(input string) PendingTurn {
	return PendingTurn{
		ID:          NewID(),
		Input:       input,
		SubmittedAt: time.Now().UTC(),
	}
}

// NewID generates a new unique identifier for turns and machines.
func NewID() string { return uuid.NewString() }
