package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the shared-KV alternative Cache implementation, grounded on the
// original implementation's redis_cache_manager.py. Errors degrade to a miss/no-op
// with a logged warning, per the Result Cache contract.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache constructs a Redis-backed Cache under a fixed key prefix.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) redisKey(namespace, key string) string {
	return c.prefix + ":" + namespace + ":" + key
}

func (c *RedisCache) Get(ctx context.Context, namespace, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, c.redisKey(namespace, key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.WarnContext(ctx, "redis cache get failed, degrading to miss", "error", err)
		}
		return nil, false
	}
	return val, true
}

func (c *RedisCache) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) {
	if err := c.client.Set(ctx, c.redisKey(namespace, key), value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "redis cache put failed, dropping write", "error", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, namespace, key string) {
	if err := c.client.Del(ctx, c.redisKey(namespace, key)).Err(); err != nil {
		slog.WarnContext(ctx, "redis cache invalidate failed", "error", err)
	}
}
