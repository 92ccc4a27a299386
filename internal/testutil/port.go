package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/agentsm/core"
)

// Call captures one invocation of a completion port.
type Call struct {
	History []core.Message
	Input   string
}

// ScriptedPort answers each call with the next scripted step. Once the script
// is exhausted it echoes the input. Example:
//
//	port := NewScriptedPort().Reply("hello").Fail(errors.New("boom"))
type ScriptedPort struct {
	mu    sync.Mutex
	steps []step
	calls []Call
}

type step struct {
	reply string
	err   error
	panic any
}

// NewScriptedPort creates a port with an empty script.
func NewScriptedPort() *ScriptedPort { return &ScriptedPort{} }

// Reply scripts a successful answer (chainable).
func (p *ScriptedPort) Reply(text string) *ScriptedPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, step{reply: text})
	return p
}

// Fail scripts an error (chainable).
func (p *ScriptedPort) Fail(err error) *ScriptedPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, step{err: err})
	return p
}

// Panic scripts a panic with value v (chainable).
func (p *ScriptedPort) Panic(v any) *ScriptedPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, step{panic: v})
	return p
}

// Complete implements core.CompletionPort.
func (p *ScriptedPort) Complete(_ context.Context, history []core.Message, input string) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{History: append([]core.Message(nil), history...), Input: input})

	var s step
	if len(p.steps) > 0 {
		s = p.steps[0]
		p.steps = p.steps[1:]
	} else {
		s = step{reply: "echo: " + input}
	}
	p.mu.Unlock()

	if s.panic != nil {
		panic(s.panic)
	}
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

// Calls returns a copy of the recorded invocations.
func (p *ScriptedPort) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// ErrReleased is returned by a BlockingPort call released with Fail.
var ErrReleased = errors.New("released with failure")

// BlockingPort holds every call until the test releases it, so tests can
// observe the machine while a turn is in flight.
type BlockingPort struct {
	// IgnoreContext makes calls wait for a release even if their context ends.
	IgnoreContext bool

	started chan string
	release chan error
	mu      sync.Mutex
	inputs  []string
}

// NewBlockingPort creates a port whose calls wait for Release or Fail.
func NewBlockingPort() *BlockingPort {
	return &BlockingPort{
		started: make(chan string, 64),
		release: make(chan error),
	}
}

// Started receives the input of every call as soon as it begins.
func (p *BlockingPort) Started() <-chan string { return p.started }

// Release lets one waiting call succeed.
func (p *BlockingPort) Release() { p.release <- nil }

// Fail lets one waiting call fail with ErrReleased.
func (p *BlockingPort) Fail() { p.release <- ErrReleased }

// Inputs returns the inputs of all calls in order.
func (p *BlockingPort) Inputs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.inputs...)
}

// Complete implements core.CompletionPort.
func (p *BlockingPort) Complete(ctx context.Context, _ []core.Message, input string) (string, error) {
	p.mu.Lock()
	p.inputs = append(p.inputs, input)
	p.mu.Unlock()

	p.started <- input

	if p.IgnoreContext {
		if err := <-p.release; err != nil {
			return "", err
		}
		return fmt.Sprintf("reply to %s", input), nil
	}

	select {
	case err := <-p.release:
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("reply to %s", input), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
