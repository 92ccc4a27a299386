package machine

import (
	"context"

	"github.com/hupe1980/agentsm/core"
)

// Shutdown stops the machine. It is idempotent.
//
// New input is rejected with core.ErrShuttingDown from the moment Shutdown is
// called. Queued turns are removed and their handles resolve with
// core.ErrShuttingDown. The in-flight turn, if any, finishes (ShutdownDrain)
// or is cancelled (ShutdownCancel); its history and sink side effects still
// happen but no further transition is published, so CurrentState keeps the
// last published value.
//
// Shutdown waits for the processing goroutine or ctx. A port call abandoned
// after a timeout or cancellation is not waited for; it is logged instead.
// Once processing has stopped the transition bus is closed, which closes
// every subscription.
// If ctx ends first its error is returned and Shutdown may be called again.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(m.beginShutdown)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.closeOnce.Do(func() {
		m.bus.Close()

		m.mu.Lock()
		m.chart.Stop()
		m.mu.Unlock()

		m.baseCancel()

		m.mu.Lock()
		abandoned := m.abandoned
		m.mu.Unlock()

		if abandoned != nil {
			select {
			case <-abandoned:
			default:
				m.logger.Warn("Machine stopped with an abandoned completion call still running")
			}
		}

		m.logger.Info("Machine stopped", "history_len", m.history.Len())
	})

	return nil
}

func (m *Machine) beginShutdown() {
	m.mu.Lock()

	m.closing = true
	close(m.stopping)

	drained := m.queue.Drain()
	abandoned := make([]*Turn, 0, len(drained))

	for _, pt := range drained {
		if h, ok := m.handles[pt.ID]; ok {
			abandoned = append(abandoned, h)
			delete(m.handles, pt.ID)
		}
		delete(m.recorded, pt.ID)
	}

	cancelled := false
	if m.opts.ShutdownPolicy == ShutdownCancel && m.inflight != nil {
		m.inflight.cancel(errTurnCancelled)
		cancelled = true
	}

	m.mu.Unlock()

	for _, h := range abandoned {
		h.resolve(core.Message{}, core.ErrShuttingDown)
	}

	m.logger.Info("Machine shutting down",
		"policy", m.opts.ShutdownPolicy.String(),
		"abandoned_turns", len(abandoned),
		"cancelled_inflight", cancelled,
	)
}

// Closed reports whether Shutdown has been called.
func (m *Machine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}
