// Package core provides the foundational domain types and interfaces shared by
// the agentsm packages. It defines:
//
//   - AgentState (the closed set of lifecycle states of one agent)
//   - Message and Role (immutable conversational records)
//   - PendingTurn (a queued unit of input awaiting processing)
//   - Transition (an observable change of AgentState)
//   - FailureRecord and ProcessingError (structured processing failures)
//   - CompletionPort (the boundary to an external language model)
//
// The package keeps orchestration, persistence and provider concerns out of
// scope, exposing small value types and interfaces so that the queue, bus,
// history and machine packages can be composed and tested independently.
package core
