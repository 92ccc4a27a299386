package machine

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"

	"github.com/hupe1980/agentsm/core"
)

// Statechart events. Each declared transition has exactly one event.
const (
	eventEnqueue         = "ENQUEUE"
	eventDispatch        = "DISPATCH"
	eventCompletePending = "COMPLETE_PENDING"
	eventCompleteIdle    = "COMPLETE_IDLE"
	eventFail            = "FAIL"
	eventRecoverPending  = "RECOVER_PENDING"
	eventRecoverIdle     = "RECOVER_IDLE"
)

var (
	stateReady        = stateID(core.StateReady)
	stateQueuePending = stateID(core.StateQueuePending)
	stateProcessing   = stateID(core.StateProcessing)
	stateError        = stateID(core.StateError)
)

func stateID(s core.State) statekit.StateID { return statekit.StateID(s.String()) }

// chartContext counts the transitions taken by the interpreter.
type chartContext struct {
	Transitions int
}

func countTransition(ctx **chartContext, _ statekit.Event) {
	(*ctx).Transitions++
}

// newAgentChart builds the agent lifecycle statechart. Only the edges listed
// here can ever be taken; the queue-pending self loop needs no event.
func newAgentChart(ctx *chartContext) (*statekit.MachineConfig[*chartContext], error) {
	return statekit.NewMachine[*chartContext]("agent").
		WithInitial(stateReady).
		WithContext(ctx).
		WithAction("count", countTransition).
		State(stateReady).
			On(eventEnqueue).Target(stateQueuePending).Do("count").
			Done().
		State(stateQueuePending).
			On(eventDispatch).Target(stateProcessing).Do("count").
			Done().
		State(stateProcessing).
			On(eventCompletePending).Target(stateQueuePending).Do("count").
			On(eventCompleteIdle).Target(stateReady).Do("count").
			On(eventFail).Target(stateError).Do("count").
			Done().
		State(stateError).
			On(eventRecoverPending).Target(stateQueuePending).Do("count").
			On(eventRecoverIdle).Target(stateReady).Do("count").
			Done().
		Build()
}

// eventFor maps a state change onto the statechart event that performs it.
func eventFor(from, to core.State) (statekit.EventType, bool) {
	switch {
	case from == core.StateReady && to == core.StateQueuePending:
		return eventEnqueue, true
	case from == core.StateQueuePending && to == core.StateProcessing:
		return eventDispatch, true
	case from == core.StateProcessing && to == core.StateQueuePending:
		return eventCompletePending, true
	case from == core.StateProcessing && to == core.StateReady:
		return eventCompleteIdle, true
	case from == core.StateProcessing && to == core.StateError:
		return eventFail, true
	case from == core.StateError && to == core.StateQueuePending:
		return eventRecoverPending, true
	case from == core.StateError && to == core.StateReady:
		return eventRecoverIdle, true
	default:
		return "", false
	}
}

// chart guards every state change of a Machine. It is not safe for concurrent
// use; the Machine serializes access with its own lock.
type chart struct {
	interp *statekit.Interpreter[*chartContext]
	ctx    *chartContext
}

func newChart() (*chart, error) {
	ctx := &chartContext{}

	cfg, err := newAgentChart(ctx)
	if err != nil {
		return nil, fmt.Errorf("build agent statechart: %w", err)
	}

	interp := statekit.NewInterpreter(cfg)
	interp.Start()

	return &chart{interp: interp, ctx: ctx}, nil
}

// State returns the statechart's current state.
func (c *chart) State() core.State {
	id := c.interp.State().Value
	for _, s := range core.States() {
		if stateID(s) == id {
			return s
		}
	}
	return core.State(-1)
}

// Fire moves the statechart from -> to, returning core.ErrInvalidTransition
// if the edge is not declared or the chart is not in from.
func (c *chart) Fire(from, to core.State) (err error) {
	ev, ok := eventFor(from, to)
	if !ok || !c.interp.Matches(stateID(from)) {
		return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, from, to)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s -> %s: %v", core.ErrInvalidTransition, from, to, r)
		}
	}()

	c.interp.Send(statekit.Event{Type: ev})

	if !c.interp.Matches(stateID(to)) {
		return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, from, to)
	}

	return nil
}

// Transitions returns how many edges the chart has taken.
func (c *chart) Transitions() int {
	return c.ctx.Transitions
}

// Stop halts the interpreter.
func (c *chart) Stop() { c.interp.Stop() }
