package core

// State is the lifecycle state of a single agent. Exactly one State is live per
// machine at any instant and it is only ever changed by the orchestrator.
type State int

const (
	// StateReady means the agent is idle with an empty queue.
	StateReady State = iota
	// StateQueuePending means at least one turn is queued and none is in flight.
	StateQueuePending
	// StateProcessing means exactly one turn is in flight.
	StateProcessing
	// StateError means the most recent attempt failed and no recovery was applied yet.
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateQueuePending:
		return "QueuePending"
	case StateProcessing:
		return "Processing"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Valid reports whether s is one of the declared states.
func (s State) Valid() bool {
	return s >= StateReady && s <= StateError
}

// States lists every state in declaration order.
func States() []State {
	return []State{StateReady, StateQueuePending, StateProcessing, StateError}
}
