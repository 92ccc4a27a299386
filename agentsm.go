// Package agentsm provides a high-level façade over machine.Machine: a
// registry of independent agent state machines keyed by session ID. Most
// applications interact with this package by:
//  1. Creating an AgentSM via New() with a completion port (or a factory)
//  2. Obtaining a session's machine via Session(), which restores its history
//     from the configured store on first use
//  3. Submitting input with Machine.ProcessMessage and observing transitions
//
// Every session owns its own machine, queue, history and transition bus; no
// state is shared between sessions apart from the completion port and the
// store. All defaults are safe for local development and testing; production
// deployments typically supply a durable store and a structured logger.
package agentsm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/agentsm/core"
	"github.com/hupe1980/agentsm/history"
	"github.com/hupe1980/agentsm/logging"
	"github.com/hupe1980/agentsm/machine"
	"github.com/hupe1980/agentsm/telemetry"
)

var (
	// ErrNoPort is returned by New when neither Port nor PortFactory is set.
	ErrNoPort = errors.New("agentsm: no completion port configured")
	// ErrSessionNotFound is returned by CloseSession for unknown sessions.
	ErrSessionNotFound = errors.New("agentsm: session not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("agentsm: closed")
)

// Options configures the AgentSM instance.
type Options struct {
	// Port serves every session unless PortFactory is set.
	Port core.CompletionPort

	// PortFactory creates a dedicated port per session (for example to give
	// each session its own preamble).
	PortFactory func(sessionID string) (core.CompletionPort, error)

	// Store persists and restores session histories (defaults to an in-memory
	// store). The caller owns the store and closes it after Close.
	Store history.Store

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger

	// Metrics is shared by all machines. Nil disables metrics.
	Metrics *telemetry.Metrics

	// Machine customizes the options of every machine created. SessionID,
	// History and Store are always set by the registry.
	Machine func(o *machine.Options)
}

// AgentSM is the session registry.
type AgentSM struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*machine.Machine
	closed   bool
}

// New creates a new AgentSM instance with optional overrides.
func New(optFns ...func(o *Options)) (*AgentSM, error) {
	opts := Options{
		Store:  history.NewMemoryStore(),
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Port == nil && opts.PortFactory == nil {
		return nil, ErrNoPort
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &AgentSM{
		opts:     opts,
		sessions: make(map[string]*machine.Machine),
	}, nil
}

// Session returns the machine of the given session, creating it on first
// use. A new machine is seeded with the messages the store holds for the
// session. An empty sessionID creates a session with a generated ID.
//
// The store and the port factory are called without holding the registry
// lock, so a slow restore only delays its own session. When two callers
// create the same session at once, both get the machine registered first.
func (a *AgentSM) Session(ctx context.Context, sessionID string) (*machine.Machine, error) {
	if sessionID == "" {
		sessionID = core.NewID()
	}

	if m, err := a.lookupOpen(sessionID); m != nil || err != nil {
		return m, err
	}

	m, err := a.newMachine(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()

	if a.closed {
		a.mu.Unlock()
		_ = m.Shutdown(context.Background())

		return nil, ErrClosed
	}

	if existing, ok := a.sessions[sessionID]; ok {
		a.mu.Unlock()
		_ = m.Shutdown(context.Background())

		return existing, nil
	}

	a.sessions[sessionID] = m
	a.mu.Unlock()

	a.opts.Logger.Info("Session created", "session_id", sessionID, "restored", m.History().Len())

	return m, nil
}

func (a *AgentSM) lookupOpen(sessionID string) (*machine.Machine, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}

	return a.sessions[sessionID], nil
}

func (a *AgentSM) newMachine(ctx context.Context, sessionID string) (*machine.Machine, error) {
	port := a.opts.Port
	if a.opts.PortFactory != nil {
		p, err := a.opts.PortFactory(sessionID)
		if err != nil {
			return nil, fmt.Errorf("agentsm: create port for session %s: %w", sessionID, err)
		}
		port = p
	}

	h := history.New()

	if a.opts.Store != nil {
		msgs, err := a.opts.Store.Load(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("agentsm: restore session %s: %w", sessionID, err)
		}
		h.Restore(msgs)
	}

	return machine.New(port, func(o *machine.Options) {
		o.Logger = a.opts.Logger
		o.Metrics = a.opts.Metrics

		if a.opts.Machine != nil {
			a.opts.Machine(o)
		}

		o.SessionID = sessionID
		o.History = h
		o.Store = a.opts.Store
	})
}

// Lookup returns the machine of an existing session.
func (a *AgentSM) Lookup(sessionID string) (*machine.Machine, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.sessions[sessionID]

	return m, ok
}

// Sessions returns the IDs of all open sessions in sorted order.
func (a *AgentSM) Sessions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// CloseSession removes the session from the registry and shuts its machine
// down. The stored history is kept; a later Session call restores it.
func (a *AgentSM) CloseSession(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	m, ok := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	a.opts.Logger.Info("Session closed", "session_id", sessionID)

	return m.Shutdown(ctx)
}

// Close shuts down every session concurrently and rejects further Session
// calls. Errors of individual machines are joined.
func (a *AgentSM) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	machines := make([]*machine.Machine, 0, len(a.sessions))
	for id, m := range a.sessions {
		machines = append(machines, m)
		delete(a.sessions, id)
	}
	a.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, m := range machines {
		wg.Add(1)
		go func(m *machine.Machine) {
			defer wg.Done()
			if err := m.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", m.SessionID(), err))
				mu.Unlock()
			}
		}(m)
	}

	wg.Wait()

	return errors.Join(errs...)
}
