// Package health tracks per-user channel session health behind a keyed TTL
// cache. The cache is injected so tests run against the in-memory variant
// and multi-instance deployments share state through Redis.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateCache is a keyed boolean cache with TTL semantics. A missing or
// expired entry is reported as not-found, prompting a fresh probe.
type StateCache interface {
	Get(ctx context.Context, key string) (healthy bool, found bool, err error)
	Set(ctx context.Context, key string, healthy bool, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RedisStateCache stores health flags in Redis so all engine instances see
// the same session state.
type RedisStateCache struct {
	client *redis.Client
	prefix string
}

func NewRedisStateCache(client *redis.Client) *RedisStateCache {
	return &RedisStateCache{client: client, prefix: "dispatch:health:"}
}

func (c *RedisStateCache) Get(ctx context.Context, key string) (bool, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return val == "1", true, nil
}

func (c *RedisStateCache) Set(ctx context.Context, key string, healthy bool, ttl time.Duration) error {
	val := "0"
	if healthy {
		val = "1"
	}
	return c.client.Set(ctx, c.prefix+key, val, ttl).Err()
}

func (c *RedisStateCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

// MemoryStateCache is a process-local StateCache for tests and single-node
// runs.
type MemoryStateCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	healthy   bool
	expiresAt time.Time
}

func NewMemoryStateCache() *MemoryStateCache {
	return &MemoryStateCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryStateCache) Get(ctx context.Context, key string) (bool, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return false, false, nil
	}
	return entry.healthy, true, nil
}

func (c *MemoryStateCache) Set(ctx context.Context, key string, healthy bool, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{healthy: healthy, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryStateCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}
