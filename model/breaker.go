package model

import (
	"context"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"

	"github.com/hupe1980/agentsm/core"
)

// BreakerConfig configures WithCircuitBreaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int
	// Timeout is how long the circuit stays open before probing again.
	Timeout time.Duration
	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests int
}

// DefaultBreakerConfig opens after five consecutive failures for 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:   5,
		Timeout:     30 * time.Second,
		MaxRequests: 1,
	}
}

// BreakerPort is a CompletionPort guarded by a circuit breaker. While the
// circuit is open calls fail fast without reaching the provider.
type BreakerPort struct {
	next    core.CompletionPort
	breaker circuitbreaker.CircuitBreaker[string]
}

// WithCircuitBreaker wraps port with a circuit breaker.
func WithCircuitBreaker(port core.CompletionPort, cfg BreakerConfig) *BreakerPort {
	defaults := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaults.Threshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = defaults.MaxRequests
	}

	threshold := uint32(cfg.Threshold)     // #nosec G115 -- bounds checked above
	maxRequests := uint32(cfg.MaxRequests) // #nosec G115 -- bounds checked above

	return &BreakerPort{
		next: port,
		breaker: circuitbreaker.New[string](circuitbreaker.Config{
			MaxRequests: maxRequests,
			Interval:    cfg.Timeout,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		}),
	}
}

// Complete implements core.CompletionPort.
func (p *BreakerPort) Complete(ctx context.Context, history []core.Message, input string) (string, error) {
	return p.breaker.Execute(ctx, func(ctx context.Context) (string, error) {
		return p.next.Complete(ctx, history, input)
	})
}

// State returns the circuit state ("closed", "open" or "half-open").
func (p *BreakerPort) State() string { return p.breaker.State().String() }

// Info implements Describer by delegating to the wrapped port.
func (p *BreakerPort) Info() Info { return Describe(p.next) }
