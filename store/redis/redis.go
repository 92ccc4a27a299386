// Package redis provides a Redis-backed history.Store. Each session is kept
// as one list of JSON encoded messages.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/agentsm/core"
)

// ErrConnectionFailed is returned when the server does not answer the
// initial ping.
var ErrConnectionFailed = errors.New("redis: connection failed")

// Options configures the Redis store.
type Options struct {
	Address     string
	Password    string
	DB          int
	DialTimeout time.Duration
	// KeyPrefix namespaces session keys (useful for shared instances).
	KeyPrefix string
	// TTL expires a session log after its last append. Zero keeps it forever.
	TTL time.Duration
}

// DefaultOptions returns options for a local server.
func DefaultOptions() Options {
	return Options{
		Address:     "localhost:6379",
		DialTimeout: 5 * time.Second,
		KeyPrefix:   "agentsm:",
	}
}

// Store persists session messages in Redis lists.
type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// New connects to Redis and verifies the connection with a ping.
func New(optFns ...func(o *Options)) (*Store, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Address,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(ErrConnectionFailed, err)
	}

	return &Store{client: client, keyPrefix: opts.KeyPrefix, ttl: opts.TTL}, nil
}

// NewFromClient creates a store from an existing client.
func NewFromClient(client *redis.Client, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix}
}

func (s *Store) key(sessionID string) string {
	return s.keyPrefix + "session:" + sessionID + ":messages"
}

// Append implements history.Store.
func (s *Store) Append(ctx context.Context, sessionID string, msg core.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis: encode: %w", err)
	}

	key := s.key(sessionID)

	if s.ttl <= 0 {
		if err := s.client.RPush(ctx, key, data).Err(); err != nil {
			return fmt.Errorf("redis: append: %w", err)
		}
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: append: %w", err)
	}

	return nil
}

// Load implements history.Store.
func (s *Store) Load(ctx context.Context, sessionID string) ([]core.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load: %w", err)
	}

	msgs := make([]core.Message, 0, len(items))

	for _, item := range items {
		var m core.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("redis: decode: %w", err)
		}
		msgs = append(msgs, m)
	}

	return msgs, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
