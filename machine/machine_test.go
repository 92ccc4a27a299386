package machine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/hupe1980/agentsm/core"
	"github.com/hupe1980/agentsm/history"
	"github.com/hupe1980/agentsm/internal/testutil"
	"github.com/hupe1980/agentsm/logging"
	"github.com/hupe1980/agentsm/telemetry"
)

const waitFor = 5 * time.Second

func newMachine(t *testing.T, port core.CompletionPort, optFns ...func(o *Options)) *Machine {
	t.Helper()

	fns := append([]func(o *Options){func(o *Options) { o.SubscriberBuffer = 256 }}, optFns...)

	m, err := New(port, fns...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	return m
}

func wait(t *testing.T, h *Turn) (core.Message, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	msg, err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "turn %s did not resolve", h.ID())

	return msg, err
}

func started(t *testing.T, port *testutil.BlockingPort, want string) {
	t.Helper()

	select {
	case got := <-port.Started():
		require.Equal(t, want, got)
	case <-time.After(waitFor):
		t.Fatalf("completion for %q never started", want)
	}
}

func eventuallyTargets(t *testing.T, rec *testutil.Recorder, want ...core.State) {
	t.Helper()

	require.Eventually(t, func() bool { return rec.Len() >= len(want) }, waitFor, time.Millisecond)
	assert.Equal(t, want, rec.Targets())
}

func contents(msgs []core.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.String())
	}
	return out
}

func processingError(t *testing.T, err error) *core.ProcessingError {
	t.Helper()

	require.ErrorIs(t, err, core.ErrProcessingFailure)

	var perr *core.ProcessingError
	require.ErrorAs(t, err, &perr)

	return perr
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNilPort)

	port := testutil.NewScriptedPort()

	_, err = New(port, func(o *Options) { o.QueueCapacity = -1 })
	assert.Error(t, err)

	_, err = New(port, func(o *Options) { o.ContextWindow = -1 })
	assert.Error(t, err)

	_, err = New(port, func(o *Options) { o.TurnTimeout = -time.Second })
	assert.Error(t, err)

	m, err := New(port, func(o *Options) { o.SessionID = "chat-1" })
	require.NoError(t, err)
	assert.Equal(t, "chat-1", m.SessionID())
	assert.NotEmpty(t, m.ID())
	assert.Equal(t, core.StateReady, m.CurrentState())
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestMachine_EmptyInput(t *testing.T) {
	m := newMachine(t, testutil.NewScriptedPort())

	_, err := m.ProcessMessage("")
	assert.ErrorIs(t, err, core.ErrEmptyInput)
	assert.Equal(t, core.StateReady, m.CurrentState())
}

func TestMachine_SingleMessageHappyPath(t *testing.T) {
	port := testutil.NewScriptedPort().Reply("Hello!")
	m := newMachine(t, port)
	rec := testutil.Record(m.SubscribeToStateChanges())

	h, err := m.ProcessMessage("Hi")
	require.NoError(t, err)
	assert.Equal(t, "Hi", h.Input())

	msg, err := wait(t, h)
	require.NoError(t, err)
	assert.Equal(t, core.RoleAssistant, msg.Role)
	assert.Equal(t, "Hello!", msg.Content)

	eventuallyTargets(t, rec, core.StateQueuePending, core.StateProcessing, core.StateReady)
	assert.Equal(t, core.StateReady, m.CurrentState())
	assert.Equal(t, []string{"user: Hi", "assistant: Hello!"}, contents(m.History().Snapshot()))

	again, err := h.Result()
	require.NoError(t, err)
	assert.Equal(t, msg, again)
}

func TestMachine_BurstDuringProcessing(t *testing.T) {
	port := testutil.NewBlockingPort()
	m := newMachine(t, port)
	rec := testutil.Record(m.SubscribeToStateChanges())

	hx, err := m.ProcessMessage("X")
	require.NoError(t, err)
	started(t, port, "X")

	hy, err := m.ProcessMessage("Y")
	require.NoError(t, err)
	assert.Equal(t, core.StateProcessing, m.CurrentState())
	assert.Equal(t, 1, m.QueueLen())

	// Enqueueing behind an in-flight turn publishes nothing.
	eventuallyTargets(t, rec, core.StateQueuePending, core.StateProcessing)

	port.Release()
	started(t, port, "Y")
	port.Release()

	_, err = wait(t, hx)
	require.NoError(t, err)
	_, err = wait(t, hy)
	require.NoError(t, err)

	eventuallyTargets(t, rec,
		core.StateQueuePending, core.StateProcessing,
		core.StateQueuePending, core.StateProcessing,
		core.StateReady,
	)
	assert.Equal(t,
		[]string{"user: X", "assistant: reply to X", "user: Y", "assistant: reply to Y"},
		contents(m.History().Snapshot()),
	)
}

func TestMachine_FailureAndRecovery(t *testing.T) {
	port := testutil.NewBlockingPort()
	m := newMachine(t, port)
	rec := testutil.Record(m.SubscribeToStateChanges())

	hx, err := m.ProcessMessage("X")
	require.NoError(t, err)
	started(t, port, "X")

	hy, err := m.ProcessMessage("Y")
	require.NoError(t, err)

	port.Fail()

	_, err = wait(t, hx)
	perr := processingError(t, err)
	assert.Equal(t, core.CauseCompletionError, perr.Cause)
	assert.Equal(t, hx.ID(), perr.TurnID)
	assert.ErrorIs(t, err, testutil.ErrReleased)

	assert.Equal(t, core.StateError, m.CurrentState())
	assert.Equal(t, 1, m.QueueLen())

	failure, ok := m.Failure()
	require.True(t, ok)
	assert.Equal(t, "X", failure.Turn.Input)
	assert.Equal(t, core.CauseCompletionError, failure.Cause)

	// Input submitted while in Error queues without publishing.
	hz, err := m.ProcessMessage("Z")
	require.NoError(t, err)
	assert.Equal(t, core.StateError, m.CurrentState())
	assert.Equal(t, 2, m.QueueLen())

	recovery, err := m.HandleError()
	require.NoError(t, err)
	assert.Equal(t, hx.ID(), recovery.Failure.Turn.ID)
	assert.Nil(t, recovery.Retried)
	assert.Nil(t, recovery.Turn)

	_, ok = m.Failure()
	assert.False(t, ok)

	started(t, port, "Y")
	port.Release()
	started(t, port, "Z")
	port.Release()

	_, err = wait(t, hy)
	require.NoError(t, err)
	_, err = wait(t, hz)
	require.NoError(t, err)

	eventuallyTargets(t, rec,
		core.StateQueuePending, core.StateProcessing, core.StateError,
		core.StateQueuePending, core.StateProcessing,
		core.StateQueuePending, core.StateProcessing,
		core.StateReady,
	)

	// The failed turn keeps its user message but has no reply.
	assert.Equal(t,
		[]string{"user: X", "user: Y", "assistant: reply to Y", "user: Z", "assistant: reply to Z"},
		contents(m.History().Snapshot()),
	)
}

func TestMachine_Backpressure(t *testing.T) {
	port := testutil.NewBlockingPort()
	m := newMachine(t, port, func(o *Options) { o.QueueCapacity = 10 })

	first, err := m.ProcessMessage("first")
	require.NoError(t, err)
	started(t, port, "first")

	handles := []*Turn{first}
	for i := 0; i < 10; i++ {
		h, err := m.ProcessMessage(fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		handles = append(handles, h)
	}

	_, err = m.ProcessMessage("overflow")
	assert.ErrorIs(t, err, core.ErrQueueFull)
	assert.Equal(t, 10, m.QueueLen())

	// Once draining begins there is room again.
	port.Release()
	started(t, port, "m0")
	assert.Equal(t, 9, m.QueueLen())

	late, err := m.ProcessMessage("late")
	require.NoError(t, err)
	handles = append(handles, late)

	for range handles[1:] {
		port.Release()
	}

	for _, h := range handles {
		_, err := wait(t, h)
		require.NoError(t, err)
	}

	assert.Equal(t, core.StateReady, m.CurrentState())
	assert.Equal(t, 24, m.History().Len())
	assert.Equal(t, "late", port.Inputs()[len(port.Inputs())-1])
	assert.NotContains(t, port.Inputs(), "overflow")
}

func TestMachine_FIFO(t *testing.T) {
	port := testutil.NewScriptedPort()
	m := newMachine(t, port)

	var handles []*Turn
	for i := 0; i < 20; i++ {
		h, err := m.ProcessMessage(fmt.Sprintf("msg-%02d", i))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, err := wait(t, h)
		require.NoError(t, err)
	}

	calls := port.Calls()
	require.Len(t, calls, 20)
	for i, c := range calls {
		assert.Equal(t, fmt.Sprintf("msg-%02d", i), c.Input)
	}

	snapshot := m.History().Snapshot()
	require.Len(t, snapshot, 40)
	for i := 0; i < 20; i++ {
		in := fmt.Sprintf("msg-%02d", i)
		assert.Equal(t, core.NewUserMessage(in).String(), snapshot[2*i].String())
		assert.Equal(t, "assistant: echo: "+in, snapshot[2*i+1].String())
		assert.Less(t, snapshot[2*i].Sequence, snapshot[2*i+1].Sequence)
	}
}

type concurrencyPort struct {
	active atomic.Int32
	peak   atomic.Int32
}

func (p *concurrencyPort) Complete(_ context.Context, _ []core.Message, input string) (string, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)

	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	return input, nil
}

func TestMachine_SingleFlight(t *testing.T) {
	port := &concurrencyPort{}
	m := newMachine(t, port)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handles []*Turn
	)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				h, err := m.ProcessMessage(fmt.Sprintf("%d-%d", g, i))
				if err != nil {
					continue
				}
				mu.Lock()
				handles = append(handles, h)
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()

	require.Len(t, handles, 40)
	for _, h := range handles {
		_, err := wait(t, h)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), port.peak.Load())
	assert.Equal(t, 80, m.History().Len())
}

func TestMachine_StateMatchesLastPublication(t *testing.T) {
	port := testutil.NewScriptedPort().Reply("a").Fail(errors.New("boom"))
	m := newMachine(t, port)
	rec := testutil.Record(m.SubscribeToStateChanges())

	h1, err := m.ProcessMessage("one")
	require.NoError(t, err)
	_, err = wait(t, h1)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.Len() == 3 }, waitFor, time.Millisecond)
	assert.Equal(t, m.CurrentState(), rec.Targets()[rec.Len()-1])

	h2, err := m.ProcessMessage("two")
	require.NoError(t, err)
	_, err = wait(t, h2)
	require.Error(t, err)

	require.Eventually(t, func() bool { return rec.Len() == 6 }, waitFor, time.Millisecond)
	assert.Equal(t, core.StateError, m.CurrentState())
	assert.Equal(t, m.CurrentState(), rec.Targets()[rec.Len()-1])

	// Published transitions chain: each From equals the previous To.
	prev := core.StateReady
	for _, tr := range rec.Transitions() {
		assert.Equal(t, prev, tr.From)
		prev = tr.To
	}
}

func TestMachine_HandleErrorNotInErrorState(t *testing.T) {
	m := newMachine(t, testutil.NewScriptedPort())

	_, err := m.HandleError()
	assert.ErrorIs(t, err, core.ErrNotInErrorState)
	assert.Equal(t, core.StateReady, m.CurrentState())
}

func TestMachine_RetryRecovery(t *testing.T) {
	port := testutil.NewScriptedPort().Fail(errors.New("rate limited")).Reply("ok")
	m := newMachine(t, port)

	h, err := m.ProcessMessage("X")
	require.NoError(t, err)
	_, err = wait(t, h)
	require.Error(t, err)

	recovery, err := m.HandleError(func(o *RecoveryOptions) { o.Retry = true })
	require.NoError(t, err)
	require.NotNil(t, recovery.Retried)
	assert.Equal(t, h.ID(), recovery.Retried.ID())
	assert.Equal(t, 1, recovery.Failure.Turn.Attempt)

	msg, err := wait(t, recovery.Retried)
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Content)

	assert.Equal(t, []string{"user: X", "assistant: ok"}, contents(m.History().Snapshot()))

	calls := port.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "X", calls[1].Input)
	assert.Empty(t, calls[1].History)
}

func TestMachine_RecoveryWithInput(t *testing.T) {
	port := testutil.NewScriptedPort().Fail(errors.New("boom")).Reply("second")
	m := newMachine(t, port)

	h, err := m.ProcessMessage("X")
	require.NoError(t, err)
	_, err = wait(t, h)
	require.Error(t, err)

	recovery, err := m.HandleError(func(o *RecoveryOptions) { o.Input = "again" })
	require.NoError(t, err)
	require.NotNil(t, recovery.Turn)
	assert.Equal(t, "again", recovery.Turn.Input())

	msg, err := wait(t, recovery.Turn)
	require.NoError(t, err)
	assert.Equal(t, "second", msg.Content)

	assert.Equal(t, []string{"user: X", "user: again", "assistant: second"}, contents(m.History().Snapshot()))
}

func TestMachine_RecoveryInputQueueFull(t *testing.T) {
	port := testutil.NewScriptedPort().Fail(errors.New("boom"))
	m := newMachine(t, port, func(o *Options) { o.QueueCapacity = 1 })

	h, err := m.ProcessMessage("X")
	require.NoError(t, err)
	_, err = wait(t, h)
	require.Error(t, err)

	hy, err := m.ProcessMessage("Y")
	require.NoError(t, err)

	_, err = m.HandleError(func(o *RecoveryOptions) { o.Input = "Z" })
	assert.ErrorIs(t, err, core.ErrQueueFull)
	assert.Equal(t, core.StateError, m.CurrentState())
	_, ok := m.Failure()
	assert.True(t, ok)
	assert.Equal(t, 1, m.QueueLen())

	_, err = m.HandleError()
	require.NoError(t, err)

	_, err = wait(t, hy)
	require.NoError(t, err)
	assert.Equal(t, core.StateReady, m.CurrentState())
}

func TestMachine_Timeout(t *testing.T) {
	port := testutil.NewBlockingPort()
	port.IgnoreContext = true

	m := newMachine(t, port, func(o *Options) { o.TurnTimeout = 20 * time.Millisecond })

	h, err := m.ProcessMessage("slow")
	require.NoError(t, err)
	started(t, port, "slow")

	_, err = wait(t, h)
	perr := processingError(t, err)
	assert.Equal(t, core.CauseTimeout, perr.Cause)
	assert.Equal(t, core.StateError, m.CurrentState())

	failure, ok := m.Failure()
	require.True(t, ok)
	assert.Equal(t, core.CauseTimeout, failure.Cause)

	// Unblock the abandoned port call.
	port.Release()
}

func TestMachine_CancelCurrent(t *testing.T) {
	port := testutil.NewBlockingPort()
	m := newMachine(t, port)

	assert.False(t, m.CancelCurrent())

	h, err := m.ProcessMessage("X")
	require.NoError(t, err)
	started(t, port, "X")

	assert.True(t, m.CancelCurrent())

	_, err = wait(t, h)
	perr := processingError(t, err)
	assert.Equal(t, core.CauseCancelled, perr.Cause)
	assert.Equal(t, core.StateError, m.CurrentState())
}

// countingPort tracks how many calls of the wrapped port overlap.
type countingPort struct {
	next   core.CompletionPort
	active atomic.Int32
	peak   atomic.Int32
}

func (p *countingPort) Complete(ctx context.Context, history []core.Message, input string) (string, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)

	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	return p.next.Complete(ctx, history, input)
}

func TestMachine_CancelledCallBlocksNextTurn(t *testing.T) {
	port := testutil.NewBlockingPort()
	port.IgnoreContext = true

	counter := &countingPort{next: port}
	m := newMachine(t, counter)

	h, err := m.ProcessMessage("slow")
	require.NoError(t, err)
	started(t, port, "slow")

	require.True(t, m.CancelCurrent())

	_, err = wait(t, h)
	perr := processingError(t, err)
	assert.Equal(t, core.CauseCancelled, perr.Cause)
	assert.Equal(t, core.StateError, m.CurrentState())

	rcv, err := m.HandleError(func(o *RecoveryOptions) { o.Input = "next" })
	require.NoError(t, err)
	require.NotNil(t, rcv.Turn)

	// The cancelled call is still running, so the next one must not start.
	select {
	case input := <-port.Started():
		t.Fatalf("completion for %q started while the cancelled call was running", input)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, core.StateQueuePending, m.CurrentState())

	// The abandoned call returns; only then the queued turn runs.
	port.Release()
	started(t, port, "next")
	port.Release()

	msg, err := wait(t, rcv.Turn)
	require.NoError(t, err)
	assert.Equal(t, "reply to next", msg.Content)

	assert.Equal(t, int32(1), counter.peak.Load())
	assert.Equal(t, core.StateReady, m.CurrentState())
}

func TestMachine_ShutdownWithAbandonedCall(t *testing.T) {
	port := testutil.NewBlockingPort()
	port.IgnoreContext = true

	m := newMachine(t, port, func(o *Options) { o.TurnTimeout = 20 * time.Millisecond })

	h, err := m.ProcessMessage("slow")
	require.NoError(t, err)
	started(t, port, "slow")

	_, err = wait(t, h)
	processingError(t, err)

	_, err = m.HandleError(func(o *RecoveryOptions) { o.Input = "queued" })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	// The worker waiting for the abandoned call must not hold up shutdown.
	require.NoError(t, m.Shutdown(ctx))
	assert.True(t, m.Closed())
	assert.Equal(t, []string{"slow"}, port.Inputs())

	port.Release()
}

func TestMachine_StructuredLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelDebug, Format: "json", Output: buf})

	m, err := New(testutil.NewScriptedPort().Reply("hi"), func(o *Options) { o.Logger = logger })
	require.NoError(t, err)

	h, err := m.ProcessMessage("hello")
	require.NoError(t, err)

	_, err = wait(t, h)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	out := buf.String()
	assert.Contains(t, out, `"msg":"Turn completed"`)
	assert.Contains(t, out, h.ID())
	assert.Contains(t, out, `"msg":"Machine stopped"`)
}

func TestMachine_PortPanic(t *testing.T) {
	port := testutil.NewScriptedPort().Panic("kaboom")
	m := newMachine(t, port)

	h, err := m.ProcessMessage("X")
	require.NoError(t, err)

	_, err = wait(t, h)
	perr := processingError(t, err)
	assert.Equal(t, core.CauseCompletionError, perr.Cause)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, core.StateError, m.CurrentState())
}

func TestMachine_ResponseSink(t *testing.T) {
	port := testutil.NewScriptedPort()
	m := newMachine(t, port)

	var (
		mu       sync.Mutex
		received []core.Message
		states   []core.State
		lastSeen []uint64
	)
	m.SetResponseSink(func(msg core.Message) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg)
		states = append(states, m.CurrentState())
		last, _ := m.History().Last()
		lastSeen = append(lastSeen, last.Sequence)
	})

	var handles []*Turn
	for _, in := range []string{"a", "b", "c"} {
		h, err := m.ProcessMessage(in)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, err := wait(t, h)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, received, 3)
	for i, msg := range received {
		assert.Equal(t, core.RoleAssistant, msg.Role)
		assert.Equal(t, core.StateProcessing, states[i], "sink runs before the outgoing transition")
		assert.Equal(t, msg.Sequence, lastSeen[i], "sink runs after the reply is recorded")
	}
}

func TestMachine_ResponseSinkPanic(t *testing.T) {
	m := newMachine(t, testutil.NewScriptedPort())
	m.SetResponseSink(func(core.Message) { panic("sink") })

	h, err := m.ProcessMessage("X")
	require.NoError(t, err)

	_, err = wait(t, h)
	require.NoError(t, err)
	assert.Equal(t, core.StateReady, m.CurrentState())
}

func TestMachine_ContextWindow(t *testing.T) {
	port := testutil.NewScriptedPort()
	m := newMachine(t, port, func(o *Options) { o.ContextWindow = 2 })

	for _, in := range []string{"a", "b", "c"} {
		h, err := m.ProcessMessage(in)
		require.NoError(t, err)
		_, err = wait(t, h)
		require.NoError(t, err)
	}

	calls := port.Calls()
	require.Len(t, calls, 3)
	assert.Empty(t, calls[0].History)
	assert.Equal(t, []string{"user: a", "assistant: echo: a"}, contents(calls[1].History))
	assert.Equal(t, []string{"user: b", "assistant: echo: b"}, contents(calls[2].History))
}

func TestMachine_EvictionAndStore(t *testing.T) {
	store := history.NewMemoryStore()
	m := newMachine(t, testutil.NewScriptedPort(), func(o *Options) {
		o.SessionID = "s1"
		o.Eviction = history.KeepLast(2)
		o.Store = store
	})

	for _, in := range []string{"a", "b"} {
		h, err := m.ProcessMessage(in)
		require.NoError(t, err)
		_, err = wait(t, h)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"user: b", "assistant: echo: b"}, contents(m.History().Snapshot()))

	stored, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, stored, 4)
}

func TestMachine_SeededHistory(t *testing.T) {
	port := testutil.NewScriptedPort()
	seeded := testutil.NewHistoryBuilder().Exchange("earlier", "answer").Build()

	m := newMachine(t, port, func(o *Options) { o.History = seeded })

	h, err := m.ProcessMessage("now")
	require.NoError(t, err)
	_, err = wait(t, h)
	require.NoError(t, err)

	calls := port.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"user: earlier", "assistant: answer"}, contents(calls[0].History))
	assert.Equal(t, 4, m.History().Len())
}

func TestMachine_ShutdownDrain(t *testing.T) {
	port := testutil.NewBlockingPort()
	m := newMachine(t, port)
	rec := testutil.Record(m.SubscribeToStateChanges())

	hx, err := m.ProcessMessage("X")
	require.NoError(t, err)
	started(t, port, "X")

	hy, err := m.ProcessMessage("Y")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Shutdown(context.Background()) }()

	require.Eventually(t, m.Closed, waitFor, time.Millisecond)

	_, err = m.ProcessMessage("Z")
	assert.ErrorIs(t, err, core.ErrShuttingDown)

	_, err = wait(t, hy)
	assert.ErrorIs(t, err, core.ErrShuttingDown)

	port.Release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("shutdown did not return")
	}

	msg, err := wait(t, hx)
	require.NoError(t, err)
	assert.Equal(t, "reply to X", msg.Content)

	<-rec.Done()
	assert.Equal(t, []core.State{core.StateQueuePending, core.StateProcessing}, rec.Targets())
	assert.Equal(t, core.StateProcessing, m.CurrentState())
	assert.Equal(t, 2, m.History().Len())
	assert.Zero(t, m.QueueLen())
}

func TestMachine_ShutdownCancel(t *testing.T) {
	port := testutil.NewBlockingPort()
	m := newMachine(t, port, func(o *Options) { o.ShutdownPolicy = ShutdownCancel })

	h, err := m.ProcessMessage("X")
	require.NoError(t, err)
	started(t, port, "X")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	_, err = wait(t, h)
	perr := processingError(t, err)
	assert.Equal(t, core.CauseCancelled, perr.Cause)

	_, ok := m.Failure()
	assert.False(t, ok)

	_, err = m.HandleError()
	assert.ErrorIs(t, err, core.ErrShuttingDown)

	require.NoError(t, m.Shutdown(ctx))
}

func TestMachine_ShutdownContextExpires(t *testing.T) {
	port := testutil.NewBlockingPort()
	m := newMachine(t, port)

	_, err := m.ProcessMessage("X")
	require.NoError(t, err)
	started(t, port, "X")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Shutdown(ctx), context.DeadlineExceeded)

	port.Release()
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestMachine_ShutdownIdle(t *testing.T) {
	m := newMachine(t, testutil.NewScriptedPort())
	sub := m.SubscribeToStateChanges()

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, core.StateReady, m.CurrentState())
}

func TestMachine_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	cfg := telemetry.DefaultMetricsConfig()
	cfg.MeterProvider = provider
	metrics, err := telemetry.NewMetrics(cfg)
	require.NoError(t, err)

	m := newMachine(t, testutil.NewScriptedPort(), func(o *Options) { o.Metrics = metrics })

	h, err := m.ProcessMessage("X")
	require.NoError(t, err)
	_, err = wait(t, h)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if sum, ok := metric.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[metric.Name] += dp.Value
				}
			}
		}
	}

	assert.Equal(t, int64(3), totals["agentsm.state.transitions"])
	assert.Equal(t, int64(1), totals["agentsm.turns.completed"])
}
