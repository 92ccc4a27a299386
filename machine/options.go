package machine

import (
	"time"

	"github.com/hupe1980/agentsm/bus"
	"github.com/hupe1980/agentsm/history"
	"github.com/hupe1980/agentsm/logging"
	"github.com/hupe1980/agentsm/telemetry"
)

// ShutdownPolicy decides what happens to the in-flight turn when a Machine
// shuts down.
type ShutdownPolicy int

const (
	// ShutdownDrain lets the in-flight turn finish before Shutdown returns.
	ShutdownDrain ShutdownPolicy = iota
	// ShutdownCancel cancels the in-flight turn; it fails with CauseCancelled.
	ShutdownCancel
)

// String returns the policy name.
func (p ShutdownPolicy) String() string {
	switch p {
	case ShutdownDrain:
		return "drain"
	case ShutdownCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Options configures a Machine using the functional options pattern.
//
// Every field has a usable zero value or default, so callers only override
// what they need:
//
//	m, err := machine.New(port, func(o *machine.Options) {
//	    o.QueueCapacity = 16
//	    o.TurnTimeout = 30 * time.Second
//	})
type Options struct {
	// SessionID labels the conversation. Defaults to the machine ID.
	SessionID string

	// QueueCapacity bounds the number of waiting turns. 0 means unbounded.
	QueueCapacity int

	// ContextWindow limits how many prior messages are passed to the
	// completion port. 0 passes the full history.
	ContextWindow int

	// TurnTimeout bounds a single completion call. 0 disables the deadline.
	TurnTimeout time.Duration

	// SubscriberBuffer is the per-subscriber buffer of the transition bus.
	SubscriberBuffer int

	// ShutdownPolicy controls the in-flight turn during Shutdown.
	ShutdownPolicy ShutdownPolicy

	// Eviction, if set, is applied to the history after every successful turn.
	Eviction history.EvictionPolicy

	// History seeds the machine with an existing conversation. A fresh
	// history is created when nil.
	History *history.ChatHistory

	// Store receives every appended message (write-through). Store failures
	// are logged and never fail a turn.
	Store history.Store

	// Logger defaults to a no-op logger.
	Logger logging.Logger

	// Metrics records transitions and turn outcomes. Nil disables metrics.
	Metrics *telemetry.Metrics
}

// DefaultOptions returns the defaults applied before user options.
func DefaultOptions() Options {
	return Options{
		SubscriberBuffer: bus.DefaultBuffer,
		ShutdownPolicy:   ShutdownDrain,
		Logger:           logging.NoOpLogger{},
	}
}
