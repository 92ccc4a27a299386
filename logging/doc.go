// Package logging provides a minimal logging interface and adapters for agentsm.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the state machine, adapters and session registry use for observability.
// This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - StructuredLogger with session/component scoping and turn helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	m, err := machine.New(port, func(o *machine.Options) { o.Logger = logger })
//
// The interface stays minimal to avoid vendor lock-in while supporting
// structured logging where available.
package logging
