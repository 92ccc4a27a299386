// Package config loads agentsm configuration from YAML files. Values may
// reference environment variables as ${NAME} or $NAME; they are expanded
// before parsing. The loaded Config builds the completion port, the history
// store, the logger and the machine options.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentsm/logging"
)

var (
	// ErrConfigNotFound is returned when the configuration file does not exist.
	ErrConfigNotFound = errors.New("config: file not found")
	// ErrInvalidFormat is returned when the YAML cannot be decoded.
	ErrInvalidFormat = errors.New("config: invalid format")
	// ErrInvalidConfig is returned by Validate.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Provider names accepted in ProviderConfig.Type.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

// Store names accepted in StoreConfig.Type.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config is the root configuration document.
type Config struct {
	Machine  MachineConfig  `yaml:"machine"`
	Provider ProviderConfig `yaml:"provider"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// MachineConfig mirrors machine.Options.
type MachineConfig struct {
	QueueCapacity    int           `yaml:"queue_capacity"`
	ContextWindow    int           `yaml:"context_window"`
	TurnTimeout      time.Duration `yaml:"turn_timeout"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	// ShutdownPolicy is "drain" (default) or "cancel".
	ShutdownPolicy string `yaml:"shutdown_policy"`
	// KeepLast evicts all but the newest n messages after each turn. 0 keeps everything.
	KeepLast int `yaml:"keep_last"`
}

// ProviderConfig selects and tunes the completion port.
type ProviderConfig struct {
	Type        string   `yaml:"type"`
	Model       string   `yaml:"model"`
	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int64    `yaml:"max_tokens"`
	Preamble    string   `yaml:"preamble"`

	Retry         *RetryConfig     `yaml:"retry"`
	Breaker       *BreakerConfig   `yaml:"circuit_breaker"`
	RateLimit     *RateLimitConfig `yaml:"rate_limit"`
	MaxConcurrent int              `yaml:"max_concurrent"`
}

// RetryConfig enables retries around the provider.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// BreakerConfig enables a circuit breaker around the provider.
type BreakerConfig struct {
	Threshold   int           `yaml:"threshold"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRequests int           `yaml:"max_requests"`
}

// RateLimitConfig enables client side rate limiting.
type RateLimitConfig struct {
	Rate  int `yaml:"rate"`
	Burst int `yaml:"burst"`
}

// StoreConfig selects the history store.
type StoreConfig struct {
	Type string `yaml:"type"`

	// sqlite
	DSN         string `yaml:"dsn"`
	JournalMode string `yaml:"journal_mode"`

	// redis
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Default returns a configuration using the mock provider and the
// in-memory store.
func Default() *Config {
	return &Config{
		Machine: MachineConfig{
			ShutdownPolicy: "drain",
		},
		Provider: ProviderConfig{Type: ProviderMock},
		Store:    StoreConfig{Type: StoreMemory},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads, expands and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse expands environment variables in data, decodes it over Default and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	expanded := os.ExpandEnv(string(data))
	if strings.TrimSpace(expanded) != "" {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges and enumerations. All problems are reported
// at once.
func (c *Config) Validate() error {
	var errs []error

	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	m := c.Machine
	if m.QueueCapacity < 0 {
		invalid("machine.queue_capacity must not be negative")
	}
	if m.ContextWindow < 0 {
		invalid("machine.context_window must not be negative")
	}
	if m.TurnTimeout < 0 {
		invalid("machine.turn_timeout must not be negative")
	}
	if m.KeepLast < 0 {
		invalid("machine.keep_last must not be negative")
	}

	switch m.ShutdownPolicy {
	case "", "drain", "cancel":
	default:
		invalid("unknown machine.shutdown_policy %q", m.ShutdownPolicy)
	}

	switch c.Provider.Type {
	case ProviderOpenAI, ProviderAnthropic, ProviderMock:
	default:
		invalid("unknown provider.type %q", c.Provider.Type)
	}

	if c.Provider.MaxConcurrent < 0 {
		invalid("provider.max_concurrent must not be negative")
	}
	if r := c.Provider.Retry; r != nil && r.MaxAttempts < 1 {
		invalid("provider.retry.max_attempts must be at least 1")
	}

	switch c.Store.Type {
	case StoreMemory, StoreRedis:
	case StoreSQLite:
		if c.Store.DSN == "" {
			invalid("store.dsn is required for sqlite")
		}
	default:
		invalid("unknown store.type %q", c.Store.Type)
	}

	if c.Logging.Level != "" {
		if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
			invalid("logging.level: %v", err)
		}
	}

	switch c.Logging.Format {
	case "", "json", "text":
	default:
		invalid("unknown logging.format %q", c.Logging.Format)
	}

	return errors.Join(errs...)
}
