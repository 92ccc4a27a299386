// Package machine implements the Agent State Machine, the supervisory control
// structure that governs how one conversational agent accepts input,
// serializes processing, records history, broadcasts lifecycle transitions
// and recovers from failures.
//
// # States
//
//	Ready        --enqueue-------> QueuePending
//	QueuePending --dispatch------> Processing
//	Processing   --success-------> QueuePending (input waiting) | Ready
//	Processing   --failure-------> Error
//	Error        --HandleError---> QueuePending (input waiting) | Ready
//
// Every edge is declared in a statechart; the Machine refuses any other
// change. There is no terminal state: Shutdown is a lifecycle action that
// stops processing without publishing a transition.
//
// # Usage
//
//	m, err := machine.New(port, func(o *machine.Options) {
//	    o.QueueCapacity = 32
//	    o.TurnTimeout = time.Minute
//	})
//	if err != nil {
//	    return err
//	}
//	defer m.Shutdown(context.Background())
//
//	sub := m.SubscribeToStateChanges()
//	go func() {
//	    for t := range sub.Events() {
//	        log.Println(t)
//	    }
//	}()
//
//	turn, err := m.ProcessMessage("Hello")
//	if err != nil {
//	    return err // core.ErrQueueFull, core.ErrShuttingDown, ...
//	}
//	reply, err := turn.Wait(ctx)
//	if errors.Is(err, core.ErrProcessingFailure) {
//	    _, _ = m.HandleError(func(o *machine.RecoveryOptions) { o.Retry = true })
//	}
//
// # Failures
//
// Completion errors, timeouts and cancellations move the machine into Error
// and are kept in a core.FailureRecord. Processing of queued input resumes
// only after HandleError. Retry policies belong in a decorator around the
// completion port (see package model), not in the machine.
package machine
