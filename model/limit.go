package model

import (
	"context"
	"errors"

	"github.com/felixgeelhaar/fortify/bulkhead"
	"github.com/felixgeelhaar/fortify/ratelimit"

	"github.com/hupe1980/agentsm/core"
)

// ErrRateLimited is returned by a rate limited port when no token is available.
var ErrRateLimited = errors.New("completion rate limit exceeded")

// RateLimitConfig configures WithRateLimit.
type RateLimitConfig struct {
	// Rate is the number of completions allowed per second.
	Rate int
	// Burst is the bucket size. Defaults to Rate.
	Burst int
	// Key partitions the bucket; ports sharing a limiter and key share tokens.
	Key string
}

type rateLimitPort struct {
	next    core.CompletionPort
	limiter ratelimit.RateLimiter
	key     string
}

// WithRateLimit rejects completions above the configured rate with
// ErrRateLimited instead of calling the provider.
func WithRateLimit(port core.CompletionPort, cfg RateLimitConfig) core.CompletionPort {
	if cfg.Rate <= 0 {
		cfg.Rate = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Rate
	}
	if cfg.Key == "" {
		cfg.Key = "completion"
	}

	return &rateLimitPort{
		next: port,
		limiter: ratelimit.New(&ratelimit.Config{
			Rate:  cfg.Rate,
			Burst: cfg.Burst,
		}),
		key: cfg.Key,
	}
}

// Complete implements core.CompletionPort.
func (p *rateLimitPort) Complete(ctx context.Context, history []core.Message, input string) (string, error) {
	if !p.limiter.Allow(ctx, p.key) {
		return "", ErrRateLimited
	}
	return p.next.Complete(ctx, history, input)
}

// Info implements Describer by delegating to the wrapped port.
func (p *rateLimitPort) Info() Info { return Describe(p.next) }

type bulkheadPort struct {
	next     core.CompletionPort
	bulkhead bulkhead.Bulkhead[string]
}

// WithBulkhead bounds the number of concurrent completions across every
// machine sharing the returned port.
func WithBulkhead(port core.CompletionPort, maxConcurrent int) core.CompletionPort {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}

	return &bulkheadPort{
		next: port,
		bulkhead: bulkhead.New[string](bulkhead.Config{
			MaxConcurrent: maxConcurrent,
		}),
	}
}

// Complete implements core.CompletionPort.
func (p *bulkheadPort) Complete(ctx context.Context, history []core.Message, input string) (string, error) {
	return p.bulkhead.Execute(ctx, func(ctx context.Context) (string, error) {
		return p.next.Complete(ctx, history, input)
	})
}

// Info implements Describer by delegating to the wrapped port.
func (p *bulkheadPort) Info() Info { return Describe(p.next) }
