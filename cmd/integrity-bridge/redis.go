package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kacy/integrity-bridge/nonce"
)

// goRedis adapts a go-redis client to nonce.Cmdable.
type goRedis struct {
	client redis.Cmdable
}

var _ nonce.Cmdable = goRedis{}

func (r goRedis) Get(ctx context.Context, key string) nonce.StringCmd {
	return r.client.Get(ctx, key)
}

func (r goRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) nonce.StatusCmd {
	return r.client.Set(ctx, key, value, expiration)
}

func (r goRedis) Del(ctx context.Context, keys ...string) nonce.IntCmd {
	return r.client.Del(ctx, keys...)
}

// redisNonceStore closes the connection pool with the store.
type redisNonceStore struct {
	*nonce.RedisStore
	client *redis.Client
}

func (s redisNonceStore) Close() {
	s.RedisStore.Close()
	_ = s.client.Close()
}

func newRedisNonceStore(cfg config) (nonce.Store, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid INTEGRITY_BRIDGE_REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	store, err := nonce.NewRedisStore(nonce.RedisConfig{
		Config:    nonce.Config{TTL: cfg.NonceTTL},
		Client:    goRedis{client: client},
		KeyPrefix: cfg.RedisKeyPrefix,
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	return redisNonceStore{RedisStore: store, client: client}, nil
}
