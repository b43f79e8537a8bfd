// Package inmemory provides process-local implementations of the store
// contracts. They are the default backends when no postgres or redis section
// is configured, and they back the package tests.
package inmemory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mycosoft/mascore/pkg/store"
)

type kvEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// KV is a map-backed expiring key/value store.
type KV struct {
	mu      sync.RWMutex
	entries map[string]kvEntry
	now     func() time.Time
}

// NewKV creates an empty in-memory KV store.
func NewKV() *KV {
	return &KV{
		entries: make(map[string]kvEntry),
		now:     time.Now,
	}
}

// Put stores value under key. A zero ttl means the entry never expires.
func (k *KV) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := kvEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = k.now().Add(ttl)
	}

	k.mu.Lock()
	k.entries[key] = entry
	k.mu.Unlock()
	return nil
}

// Get returns the value for key, or store.ErrNotFound when absent or expired.
func (k *KV) Get(_ context.Context, key string) ([]byte, error) {
	k.mu.RLock()
	entry, ok := k.entries[key]
	k.mu.RUnlock()

	if !ok {
		return nil, store.ErrNotFound
	}
	if !entry.expiresAt.IsZero() && k.now().After(entry.expiresAt) {
		k.mu.Lock()
		delete(k.entries, key)
		k.mu.Unlock()
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

// Delete removes key. Deleting an absent key is not an error.
func (k *KV) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	delete(k.entries, key)
	k.mu.Unlock()
	return nil
}

// DeletePrefix removes every key under prefix and returns the count.
func (k *KV) DeletePrefix(_ context.Context, prefix string) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	count := 0
	for key := range k.entries {
		if strings.HasPrefix(key, prefix) {
			delete(k.entries, key)
			count++
		}
	}
	return count, nil
}

// Incr atomically adds delta to the counter at key and returns the new value.
// A key created here takes the given ttl; an existing key keeps its expiry.
func (k *KV) Incr(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	var current int64
	entry, ok := k.entries[key]
	if ok && !entry.expiresAt.IsZero() && k.now().After(entry.expiresAt) {
		delete(k.entries, key)
		ok = false
	}
	if ok {
		parsed, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("key %q does not hold an integer: %w", key, err)
		}
		current = parsed
	} else {
		entry = kvEntry{}
		if ttl > 0 {
			entry.expiresAt = k.now().Add(ttl)
		}
	}

	current += delta
	entry.value = []byte(strconv.FormatInt(current, 10))
	k.entries[key] = entry
	return current, nil
}

// Decr atomically subtracts delta from the counter at key.
func (k *KV) Decr(ctx context.Context, key string, delta int64) (int64, error) {
	return k.Incr(ctx, key, -delta, 0)
}

// Ready always succeeds for the in-memory backend.
func (k *KV) Ready(_ context.Context) error { return nil }

// Close releases all entries.
func (k *KV) Close() error {
	k.mu.Lock()
	k.entries = make(map[string]kvEntry)
	k.mu.Unlock()
	return nil
}
