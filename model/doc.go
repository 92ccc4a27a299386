// Package model defines the provider‑agnostic helpers around
// core.CompletionPort, the boundary between an agent state machine and a
// language model.
//
// Core goals:
//   - Describe providers uniformly (Info)
//   - Offer a deterministic MockPort for tests & examples
//   - Keep resilience out of the machine: retry, circuit breaking, rate
//     limiting and concurrency limits are decorators returning a new port
//
// Providers (e.g. OpenAI, Anthropic) implement core.CompletionPort in sub
// packages so the machine remains decoupled from vendor SDKs.
//
// Decorators compose from the outside in:
//
//	port := model.WithCircuitBreaker(
//	    model.WithRetry(openai.NewPort(), model.DefaultRetryConfig()),
//	    model.DefaultBreakerConfig(),
//	)
package model
