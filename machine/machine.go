package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentsm/bus"
	"github.com/hupe1980/agentsm/core"
	"github.com/hupe1980/agentsm/history"
	"github.com/hupe1980/agentsm/logging"
	"github.com/hupe1980/agentsm/queue"
	"github.com/hupe1980/agentsm/telemetry"
)

// ErrNilPort is returned by New when no completion port is supplied.
var ErrNilPort = errors.New("completion port is nil")

var (
	errTurnTimeout   = errors.New("turn deadline exceeded")
	errTurnCancelled = errors.New("turn cancelled")
)

// Machine is the supervisory state machine of one conversational agent.
//
// A Machine accepts input through ProcessMessage, serializes processing
// through a FIFO queue, keeps the conversation in a ChatHistory and
// publishes every state change on its TransitionBus.
//
// Lifecycle:
//
//	Ready --enqueue--> QueuePending --dispatch--> Processing
//	Processing --success--> QueuePending (more input) | Ready
//	Processing --failure--> Error --HandleError--> QueuePending | Ready
//
// Concurrency Model:
//   - At most one turn is in flight; it runs on a single processing goroutine
//     that is started on the Ready→QueuePending edge or on recovery into
//     QueuePending and exits on Ready or Error.
//   - A short critical section guards the state, queue admission and
//     publishing, so transitions are published in the exact order applied
//     and CurrentState always equals the last published target.
//   - ProcessMessage, HandleError and publishing never block on processing.
//   - A port call that ignores cancellation is abandoned: its turn fails
//     right away, but the next call waits until the abandoned one returns.
//
// Failures of the completion port never escape as panics or returned
// errors: they move the machine into Error, are kept in a FailureRecord and
// are delivered to the failed turn's handle. Processing stays paused until
// HandleError is called; new input still queues meanwhile.
type Machine struct {
	id        string
	sessionID string
	port      core.CompletionPort
	opts      Options
	logger    logging.Logger
	metrics   *telemetry.Metrics

	history *history.ChatHistory
	queue   *queue.MessageQueue
	bus     *bus.TransitionBus

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	chart    *chart
	state    core.State
	handles  map[string]*Turn  // pending and in-flight turn handles by turn id
	recorded map[string]uint64 // user message sequence of turns that already ran
	inflight *inflightTurn
	failure  *core.FailureRecord
	sink     func(core.Message)
	closing  bool

	// abandoned is closed once a port call that outlived its turn returns.
	// No further call starts before that.
	abandoned <-chan struct{}
	stopping  chan struct{}

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	closeOnce    sync.Once
}

type inflightTurn struct {
	turn   core.PendingTurn
	cancel context.CancelCauseFunc
}

// New creates a Machine in the Ready state.
//
// Defaults (see DefaultOptions): unbounded queue, full history passed to the
// port, no turn deadline, drain on shutdown, no-op logger, no metrics.
func New(port core.CompletionPort, optFns ...func(o *Options)) (*Machine, error) {
	if port == nil {
		return nil, ErrNilPort
	}

	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.QueueCapacity < 0 {
		return nil, fmt.Errorf("invalid queue capacity %d", opts.QueueCapacity)
	}
	if opts.ContextWindow < 0 {
		return nil, fmt.Errorf("invalid context window %d", opts.ContextWindow)
	}
	if opts.TurnTimeout < 0 {
		return nil, fmt.Errorf("invalid turn timeout %s", opts.TurnTimeout)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.History == nil {
		opts.History = history.New()
	}

	c, err := newChart()
	if err != nil {
		return nil, err
	}

	id := core.NewID()
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = id
	}

	logger := opts.Logger
	if sl, ok := logger.(*logging.StructuredLogger); ok {
		logger = sl.WithComponent("machine").WithSession(sessionID).With("machine_id", id)
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	return &Machine{
		id:         id,
		sessionID:  sessionID,
		port:       port,
		opts:       opts,
		logger:     logger,
		metrics:    opts.Metrics,
		history:    opts.History,
		queue:      queue.New(opts.QueueCapacity),
		bus:        bus.New(opts.SubscriberBuffer),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		chart:      c,
		state:      core.StateReady,
		handles:    make(map[string]*Turn),
		recorded:   make(map[string]uint64),
		stopping:   make(chan struct{}),
	}, nil
}

// ID returns the unique identifier of this machine.
func (m *Machine) ID() string { return m.id }

// SessionID returns the session the machine serves.
func (m *Machine) SessionID() string { return m.sessionID }

// History returns the conversation record owned by the machine.
func (m *Machine) History() *history.ChatHistory { return m.history }

// QueueLen returns the number of turns waiting to be processed.
func (m *Machine) QueueLen() int { return m.queue.Len() }

// CurrentState returns the state reached by the most recently published
// transition.
func (m *Machine) CurrentState() core.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SubscribeToStateChanges registers an observer of future transitions.
// Observers receive no replay of earlier transitions.
func (m *Machine) SubscribeToStateChanges() *bus.Subscription {
	return m.bus.Subscribe()
}

// SetResponseSink installs fn to receive every assistant reply. fn runs on
// the processing goroutine exactly once per successful turn, after the reply
// is appended to the history and before the outgoing transition. A slow sink
// delays the queue. Passing nil removes the sink.
func (m *Machine) SetResponseSink(fn func(core.Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = fn
}

// Failure returns the record of the failed turn while the machine is in Error.
func (m *Machine) Failure() (core.FailureRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failure == nil {
		return core.FailureRecord{}, false
	}
	return *m.failure, true
}

// ProcessMessage submits input as a new turn. It never waits for
// processing; the returned handle resolves once the turn completes, fails or
// is abandoned by Shutdown.
//
// Errors: core.ErrEmptyInput, core.ErrShuttingDown, core.ErrQueueFull.
func (m *Machine) ProcessMessage(input string) (*Turn, error) {
	if input == "" {
		return nil, core.ErrEmptyInput
	}

	pt := core.NewPendingTurn(input)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		return nil, core.ErrShuttingDown
	}

	if err := m.queue.EnqueueTurn(pt); err != nil {
		m.metrics.RecordQueueRejected(context.Background(), m.sessionID)
		m.logger.Warn("Turn rejected", "error", err, "queue_len", m.queue.Len())
		return nil, err
	}

	h := newTurn(pt)
	m.handles[pt.ID] = h

	m.logger.Debug("Turn queued", "turn_id", pt.ID, "queue_len", m.queue.Len())

	if m.state == core.StateReady {
		if err := m.transitionLocked(core.StateQueuePending); err == nil {
			m.startWorkerLocked()
		}
	}

	return h, nil
}

// CancelCurrent cancels the in-flight turn, which then fails with
// core.CauseCancelled. It reports whether a turn was in flight.
func (m *Machine) CancelCurrent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inflight == nil {
		return false
	}
	m.inflight.cancel(errTurnCancelled)

	return true
}

// transitionLocked validates the change against the statechart, applies it
// and publishes it. m.mu must be held.
func (m *Machine) transitionLocked(to core.State) error {
	from := m.state

	if err := m.chart.Fire(from, to); err != nil {
		m.logger.Error("Rejected state transition", "from", from.String(), "to", to.String(), "error", err)
		return err
	}

	m.state = to

	t := core.NewTransition(from, to)
	m.bus.Publish(t)
	m.metrics.RecordTransition(context.Background(), m.sessionID, from.String(), to.String())

	if sl, ok := m.logger.(*logging.StructuredLogger); ok {
		sl.LogTransition(from, to)
	} else {
		m.logger.Debug("State transition", "from", from.String(), "to", to.String())
	}

	return nil
}

// startWorkerLocked launches the processing goroutine. m.mu must be held and
// the machine must have just entered QueuePending.
func (m *Machine) startWorkerLocked() {
	m.wg.Add(1)
	go m.run()
}

// run drains the queue one turn at a time until the machine reaches Ready or
// Error, or shutdown begins.
func (m *Machine) run() {
	defer m.wg.Done()

	for {
		m.awaitAbandoned()

		pt, ctx, cancel, ok := m.dispatch()
		if !ok {
			return
		}

		reply, elapsed, err := m.process(ctx, pt)

		var more bool
		if err != nil {
			m.fail(ctx, pt, err, elapsed)
		} else {
			more = m.complete(pt, reply, elapsed)
		}

		cancel(nil)

		if !more {
			return
		}
	}
}

// awaitAbandoned blocks until a previously abandoned port call has returned
// or shutdown begins.
func (m *Machine) awaitAbandoned() {
	m.mu.Lock()
	done := m.abandoned
	m.mu.Unlock()

	if done == nil {
		return
	}

	m.logger.Debug("Waiting for abandoned completion call")

	select {
	case <-done:
		m.mu.Lock()
		if m.abandoned == done {
			m.abandoned = nil
		}
		m.mu.Unlock()
	case <-m.stopping:
	}
}

// dispatch takes the next turn off the queue and moves to Processing.
func (m *Machine) dispatch() (core.PendingTurn, context.Context, context.CancelCauseFunc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing || m.state != core.StateQueuePending {
		return core.PendingTurn{}, nil, nil, false
	}

	pt, ok := m.queue.Dequeue()
	if !ok {
		m.logger.Error("Queue empty in QueuePending state")
		return core.PendingTurn{}, nil, nil, false
	}
	pt.Attempt++

	ctx, cancel := m.turnContext()
	m.inflight = &inflightTurn{turn: pt, cancel: cancel}

	if err := m.transitionLocked(core.StateProcessing); err != nil {
		cancel(err)
		m.inflight = nil
		m.queue.PushFront(pt)
		return core.PendingTurn{}, nil, nil, false
	}

	return pt, ctx, cancel, true
}

func (m *Machine) turnContext() (context.Context, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(m.baseCtx)
	if m.opts.TurnTimeout <= 0 {
		return ctx, cancel
	}

	tctx, tcancel := context.WithTimeoutCause(ctx, m.opts.TurnTimeout, errTurnTimeout)

	return tctx, func(cause error) {
		cancel(cause)
		tcancel()
	}
}

type completion struct {
	text string
	err  error
}

// process records the user message and calls the completion port. The port
// runs on its own goroutine so that cancellation takes effect even if the
// port ignores its context.
func (m *Machine) process(ctx context.Context, pt core.PendingTurn) (string, time.Duration, error) {
	userSeq, err := m.recordUser(pt)
	if err != nil {
		return "", 0, err
	}

	window := m.history.WindowBefore(userSeq, m.opts.ContextWindow)

	m.logger.Debug("Turn started", "turn_id", pt.ID, "attempt", pt.Attempt, "context_messages", len(window))

	start := time.Now()
	ch := make(chan completion, 1)
	returned := make(chan struct{})

	go func() {
		defer close(returned)
		defer func() {
			if r := recover(); r != nil {
				ch <- completion{err: fmt.Errorf("completion port panic: %v", r)}
			}
		}()

		text, err := m.port.Complete(ctx, window, pt.Input)
		ch <- completion{text: text, err: err}
	}()

	select {
	case c := <-ch:
		return c.text, time.Since(start), c.err
	case <-ctx.Done():
		m.mu.Lock()
		m.abandoned = returned
		m.mu.Unlock()

		m.logger.Warn("Completion call abandoned", "turn_id", pt.ID, "cause", context.Cause(ctx))

		return "", time.Since(start), context.Cause(ctx)
	}
}

// recordUser appends the turn's user message, unless a previous attempt of
// the same turn already did.
func (m *Machine) recordUser(pt core.PendingTurn) (uint64, error) {
	m.mu.Lock()
	seq, ok := m.recorded[pt.ID]
	m.mu.Unlock()

	if ok {
		return seq, nil
	}

	msg, err := m.history.Append(core.NewUserMessage(pt.Input))
	if err != nil {
		return 0, err
	}
	m.persist(msg)

	m.mu.Lock()
	m.recorded[pt.ID] = msg.Sequence
	m.mu.Unlock()

	return msg.Sequence, nil
}

func (m *Machine) persist(msg core.Message) {
	if m.opts.Store == nil {
		return
	}
	if err := m.opts.Store.Append(m.baseCtx, m.sessionID, msg); err != nil {
		m.logger.Error("Failed to persist message", "sequence", msg.Sequence, "role", string(msg.Role), "error", err)
	}
}

// complete finishes a successful turn and reports whether another turn is
// ready for dispatch.
func (m *Machine) complete(pt core.PendingTurn, reply string, elapsed time.Duration) bool {
	msg, err := m.history.Append(core.NewAssistantMessage(reply))
	if err != nil {
		m.logger.Error("Failed to append assistant message", "turn_id", pt.ID, "error", err)
	} else {
		m.persist(msg)
	}

	if m.opts.Eviction != nil {
		if n := m.history.Evict(m.opts.Eviction); n > 0 {
			m.logger.Debug("History evicted", "messages", n)
		}
	}

	m.metrics.RecordTurnCompleted(context.Background(), m.sessionID, elapsed)
	m.logTurn(pt, elapsed, nil)

	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()

	if sink != nil {
		m.callSink(sink, msg)
	}

	m.mu.Lock()

	h := m.handles[pt.ID]
	delete(m.handles, pt.ID)
	delete(m.recorded, pt.ID)
	m.inflight = nil

	more := false
	if !m.closing {
		next := core.StateReady
		if m.queue.Len() > 0 {
			next = core.StateQueuePending
		}
		more = m.transitionLocked(next) == nil && next == core.StateQueuePending
	}

	m.mu.Unlock()

	if h != nil {
		h.resolve(msg, nil)
	}

	return more
}

func (m *Machine) callSink(sink func(core.Message), msg core.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Response sink panicked", "panic", fmt.Sprint(r))
		}
	}()
	sink(msg)
}

// fail records a failed turn and moves the machine into Error.
func (m *Machine) fail(ctx context.Context, pt core.PendingTurn, err error, elapsed time.Duration) {
	cause := classify(ctx, err)

	rec := core.FailureRecord{
		Cause:     cause,
		Err:       err,
		Turn:      pt,
		Timestamp: time.Now().UTC(),
	}
	perr := rec.AsError()

	m.metrics.RecordTurnFailed(context.Background(), m.sessionID, cause.String(), elapsed)
	m.logTurn(pt, elapsed, perr)

	m.mu.Lock()

	h := m.handles[pt.ID]
	delete(m.handles, pt.ID)
	m.inflight = nil

	if m.closing {
		delete(m.recorded, pt.ID)
	} else {
		m.failure = &rec
		_ = m.transitionLocked(core.StateError)
	}

	m.mu.Unlock()

	if h != nil {
		h.resolve(core.Message{}, perr)
	}
}

func (m *Machine) logTurn(pt core.PendingTurn, elapsed time.Duration, err error) {
	if sl, ok := m.logger.(*logging.StructuredLogger); ok {
		sl.LogTurn(pt.ID, pt.Attempt, elapsed, err)
		return
	}
	if err != nil {
		m.logger.Error("Turn failed", "turn_id", pt.ID, "attempt", pt.Attempt, "duration", elapsed, "error", err)
		return
	}
	m.logger.Info("Turn completed", "turn_id", pt.ID, "attempt", pt.Attempt, "duration", elapsed)
}

// classify derives the failure cause from the turn context and the error.
func classify(ctx context.Context, err error) core.FailureCause {
	if ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), errTurnTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return core.CauseTimeout
		}
		return core.CauseCancelled
	}

	switch {
	case errors.Is(err, errTurnTimeout), errors.Is(err, context.DeadlineExceeded):
		return core.CauseTimeout
	case errors.Is(err, errTurnCancelled), errors.Is(err, context.Canceled):
		return core.CauseCancelled
	default:
		return core.CauseCompletionError
	}
}
