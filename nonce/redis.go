package nonce

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Cmdable is the subset of Redis commands the store needs.
// It is satisfied by a thin wrapper around github.com/redis/go-redis/v9
// clients.
type Cmdable interface {
	Get(ctx context.Context, key string) StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) StatusCmd
	Del(ctx context.Context, keys ...string) IntCmd
}

// StringCmd is the interface for string command results.
type StringCmd interface {
	Result() (string, error)
}

// StatusCmd is the interface for status command results.
type StatusCmd interface {
	Err() error
}

// IntCmd is the interface for int command results.
type IntCmd interface {
	Result() (int64, error)
}

// RedisConfig holds configuration for RedisStore.
type RedisConfig struct {
	Config

	// Client is the Redis client (required).
	Client Cmdable

	// KeyPrefix is prepended to all Redis keys (default: "integrity:nonce:").
	KeyPrefix string
}

// RedisStore is a Redis-backed implementation of Store, for deployments
// where the host issuing nonces and the host verifying tokens differ.
type RedisStore struct {
	client     Cmdable
	keyPrefix  string
	ttl        time.Duration
	nonceBytes int
}

// NewRedisStore creates a new Redis-backed nonce store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "integrity:nonce:"
	}

	base := cfg.Config.withDefaults()

	return &RedisStore{
		client:     cfg.Client,
		keyPrefix:  keyPrefix,
		ttl:        base.TTL,
		nonceBytes: base.NonceBytes,
	}, nil
}

// Issue implements Store.
func (s *RedisStore) Issue(ctx context.Context, requestID string) (string, error) {
	nonce, err := Generate(s.nonceBytes)
	if err != nil {
		return "", err
	}

	if err := s.client.Set(ctx, s.keyPrefix+requestID, nonce, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store nonce: %w", err)
	}

	return nonce, nil
}

// Consume implements Store. Expiry is left to Redis.
func (s *RedisStore) Consume(ctx context.Context, requestID, nonce string) bool {
	key := s.keyPrefix + requestID

	stored, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	if stored != nonce {
		return false
	}

	// Only the caller that actually deletes the key wins.
	n, err := s.client.Del(ctx, key).Result()
	return err == nil && n == 1
}

// Close is a no-op; the Redis client lifecycle belongs to the caller.
func (s *RedisStore) Close() {}
