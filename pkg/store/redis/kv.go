// Package redis implements the KV store contract on Redis. It backs the
// session, working, and profile memory layers when a redis section is
// configured.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/store"
)

// scanBatch is the COUNT hint for SCAN during prefix deletion.
const scanBatch = 256

// KV is a Redis-backed expiring key/value store.
type KV struct {
	client *goredis.Client
}

// NewKV connects to Redis and verifies the connection.
func NewKV(ctx context.Context, cfg *config.RedisConfig) (*KV, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return &KV{client: client}, nil
}

// NewKVFromClient wraps an existing client. Used by tests.
func NewKVFromClient(client *goredis.Client) *KV {
	return &KV{client: client}
}

// Put stores value under key. A zero ttl means the entry never expires.
func (k *KV) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return k.client.Set(ctx, key, value, ttl).Err()
}

// Get returns the value for key, or store.ErrNotFound when absent.
func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := k.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (k *KV) Delete(ctx context.Context, key string) error {
	return k.client.Del(ctx, key).Err()
}

// DeletePrefix removes every key under prefix via SCAN and returns the count.
func (k *KV) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := k.client.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return count, err
		}
		if len(keys) > 0 {
			deleted, err := k.client.Del(ctx, keys...).Result()
			if err != nil {
				return count, err
			}
			count += int(deleted)
		}
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// Incr atomically adds delta to the counter at key and returns the new value.
// A key created by the call takes the given ttl; an existing key keeps its
// expiry.
func (k *KV) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	value, err := k.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, err
	}
	if ttl > 0 && value == delta {
		// First write for this key; Redis created it without an expiry.
		if err := k.client.Expire(ctx, key, ttl).Err(); err != nil {
			return value, err
		}
	}
	return value, nil
}

// Decr atomically subtracts delta from the counter at key.
func (k *KV) Decr(ctx context.Context, key string, delta int64) (int64, error) {
	return k.client.DecrBy(ctx, key, delta).Result()
}

// Ready pings the server.
func (k *KV) Ready(ctx context.Context) error {
	if err := k.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Close closes the underlying client.
func (k *KV) Close() error {
	return k.client.Close()
}

var _ store.KVStore = (*KV)(nil)
