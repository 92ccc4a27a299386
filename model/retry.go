package model

import (
	"context"
	"time"

	"github.com/felixgeelhaar/fortify/retry"

	"github.com/hupe1980/agentsm/core"
)

// RetryConfig configures WithRetry.
type RetryConfig struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// Multiplier grows the delay exponentially between attempts.
	Multiplier float64
	// NonRetryable lists errors that end the retry loop immediately.
	// Context cancellation and deadline errors are always final.
	NonRetryable []error
}

// DefaultRetryConfig returns three attempts with exponential backoff from 500ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
	}
}

type retryPort struct {
	next  core.CompletionPort
	retry retry.Retry[string]
}

// WithRetry wraps port so that failed completions are retried with
// exponential backoff. The machine observes only the final outcome.
func WithRetry(port core.CompletionPort, cfg RetryConfig) core.CompletionPort {
	defaults := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaults.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = defaults.Multiplier
	}

	nonRetryable := append([]error{context.Canceled, context.DeadlineExceeded}, cfg.NonRetryable...)

	return &retryPort{
		next: port,
		retry: retry.New[string](retry.Config{
			MaxAttempts:        cfg.MaxAttempts,
			InitialDelay:       cfg.InitialDelay,
			BackoffPolicy:      retry.BackoffExponential,
			Multiplier:         cfg.Multiplier,
			NonRetryableErrors: nonRetryable,
		}),
	}
}

// Complete implements core.CompletionPort.
func (p *retryPort) Complete(ctx context.Context, history []core.Message, input string) (string, error) {
	return p.retry.Do(ctx, func(ctx context.Context) (string, error) {
		return p.next.Complete(ctx, history, input)
	})
}

// Info implements Describer by delegating to the wrapped port.
func (p *retryPort) Info() Info { return Describe(p.next) }
