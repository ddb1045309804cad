package enrichment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lvonguyen/feedforge/internal/intel"
)

// Cache stores successful provider payloads between lookups.
type Cache interface {
	Get(ctx context.Context, key string) (map[string]any, bool, error)
	Set(ctx context.Context, key string, payload map[string]any) error
}

// CacheKey names the cache entry for one source and indicator.
func CacheKey(sourceID string, ioc intel.IOC) string {
	return fmt.Sprintf("feedforge:enrich:%s:%s:%s", sourceID, ioc.Type, ioc.NormalizedValue)
}

// NopCache caches nothing.
type NopCache struct{}

func (NopCache) Get(context.Context, string) (map[string]any, bool, error) { return nil, false, nil }
func (NopCache) Set(context.Context, string, map[string]any) error         { return nil }

// RedisCache keeps msgpack-encoded payloads in Redis with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed cache.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (map[string]any, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	var payload map[string]any
	if err := msgpack.Unmarshal(raw, &payload); err != nil {
		return nil, false, fmt.Errorf("cache decode: %w", err)
	}
	return payload, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, payload map[string]any) error {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
