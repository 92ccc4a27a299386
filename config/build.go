package config

import (
	"fmt"
	"io"
	"os"

	"github.com/hupe1980/agentsm/core"
	"github.com/hupe1980/agentsm/history"
	"github.com/hupe1980/agentsm/logging"
	"github.com/hupe1980/agentsm/machine"
	"github.com/hupe1980/agentsm/model"
	"github.com/hupe1980/agentsm/model/anthropic"
	"github.com/hupe1980/agentsm/model/openai"
	"github.com/hupe1980/agentsm/store/redis"
	"github.com/hupe1980/agentsm/store/sqlite"
)

// MachineOptions returns a machine option function applying the machine
// section. Store, Logger and Metrics are left to the caller.
func (c *Config) MachineOptions() func(o *machine.Options) {
	m := c.Machine

	return func(o *machine.Options) {
		o.QueueCapacity = m.QueueCapacity
		o.ContextWindow = m.ContextWindow
		o.TurnTimeout = m.TurnTimeout

		if m.SubscriberBuffer > 0 {
			o.SubscriberBuffer = m.SubscriberBuffer
		}
		if m.ShutdownPolicy == "cancel" {
			o.ShutdownPolicy = machine.ShutdownCancel
		}
		if m.KeepLast > 0 {
			o.Eviction = history.KeepLast(m.KeepLast)
		}
	}
}

// BuildPort creates the configured provider port and wraps it with the
// configured decorators. From the inside out: bulkhead, rate limit, retry
// and circuit breaker.
func (c *Config) BuildPort() (core.CompletionPort, error) {
	p := c.Provider

	var port core.CompletionPort

	switch p.Type {
	case ProviderOpenAI:
		port = openai.NewPort(func(o *openai.Options) {
			o.APIKey = p.APIKey
			o.BaseURL = p.BaseURL
			o.Preamble = p.Preamble
			if p.Model != "" {
				o.Model = p.Model
			}
			if p.Temperature != nil {
				o.Temperature = *p.Temperature
			}
			if p.MaxTokens > 0 {
				o.MaxCompletionTokens = p.MaxTokens
			}
		})
	case ProviderAnthropic:
		port = anthropic.NewPort(func(o *anthropic.Options) {
			o.APIKey = p.APIKey
			o.BaseURL = p.BaseURL
			o.Preamble = p.Preamble
			if p.Model != "" {
				o.Model = p.Model
			}
			if p.Temperature != nil {
				o.Temperature = *p.Temperature
			}
			if p.MaxTokens > 0 {
				o.MaxTokens = p.MaxTokens
			}
		})
	case ProviderMock:
		name := p.Model
		if name == "" {
			name = "mock"
		}
		port = model.NewMockPort(name)
	default:
		return nil, fmt.Errorf("%w: unknown provider.type %q", ErrInvalidConfig, p.Type)
	}

	if p.MaxConcurrent > 0 {
		port = model.WithBulkhead(port, p.MaxConcurrent)
	}

	if p.RateLimit != nil {
		port = model.WithRateLimit(port, model.RateLimitConfig{
			Rate:  p.RateLimit.Rate,
			Burst: p.RateLimit.Burst,
		})
	}

	if p.Retry != nil {
		cfg := model.DefaultRetryConfig()
		cfg.MaxAttempts = p.Retry.MaxAttempts
		if p.Retry.InitialDelay > 0 {
			cfg.InitialDelay = p.Retry.InitialDelay
		}
		if p.Retry.Multiplier > 0 {
			cfg.Multiplier = p.Retry.Multiplier
		}
		port = model.WithRetry(port, cfg)
	}

	if p.Breaker != nil {
		cfg := model.DefaultBreakerConfig()
		if p.Breaker.Threshold > 0 {
			cfg.Threshold = p.Breaker.Threshold
		}
		if p.Breaker.Timeout > 0 {
			cfg.Timeout = p.Breaker.Timeout
		}
		if p.Breaker.MaxRequests > 0 {
			cfg.MaxRequests = p.Breaker.MaxRequests
		}
		port = model.WithCircuitBreaker(port, cfg)
	}

	return port, nil
}

// OpenStore opens the configured history store. The caller owns the
// returned store and must close it.
func (c *Config) OpenStore() (history.Store, error) {
	s := c.Store

	switch s.Type {
	case "", StoreMemory:
		return history.NewMemoryStore(), nil
	case StoreSQLite:
		store, err := sqlite.New(func(o *sqlite.Options) {
			o.DSN = s.DSN
			o.JournalMode = s.JournalMode
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoreRedis:
		store, err := redis.New(func(o *redis.Options) {
			if s.Address != "" {
				o.Address = s.Address
			}
			if s.KeyPrefix != "" {
				o.KeyPrefix = s.KeyPrefix
			}
			o.Password = s.Password
			o.DB = s.DB
			o.TTL = s.TTL
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unknown store.type %q", ErrInvalidConfig, s.Type)
	}
}

// Logger builds a structured logger writing to w (stderr when nil).
func (c *Config) Logger(w io.Writer) *logging.StructuredLogger {
	if w == nil {
		w = os.Stderr
	}

	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.LogLevelInfo
	}

	return logging.NewLogger(&logging.LoggerConfig{
		Level:     level,
		Format:    c.Logging.Format,
		Output:    w,
		AddSource: c.Logging.AddSource,
	})
}
