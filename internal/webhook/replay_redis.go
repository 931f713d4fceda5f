package webhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/emailorch/internal/otelinit"
)

const redisKeyPrefix = "emailorch:replay:"

// RedisReplayCache is the shared-KV replay cache backend, grounded on the
// original implementation's Redis-backed TokenReplayCache. On any Redis error
// it fails open (treats the request as not-yet-seen) and logs, per C1's contract.
type RedisReplayCache struct {
	client   *redis.Client
	ttl      time.Duration
	failOpen metric.Int64Counter
}

// NewRedisReplayCache constructs a Redis-backed cache. It does not ping eagerly;
// the caller decides whether to probe connectivity before relying on it.
func NewRedisReplayCache(client *redis.Client, ttl time.Duration) *RedisReplayCache {
	meter := otel.Meter(otelinit.MeterName)
	failOpen, _ := meter.Int64Counter("emailorch_replay_fail_open_total")
	return &RedisReplayCache{client: client, ttl: ttl, failOpen: failOpen}
}

func (c *RedisReplayCache) Seen(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return true, nil
	}
	key := redisKeyPrefix + hashToken(token)
	// SetNX is the atomic check-and-set: true means we recorded it just now (not seen before).
	set, err := c.client.SetNX(ctx, key, "1", c.ttl).Result()
	if err != nil {
		c.failOpen.Add(ctx, 1)
		slog.WarnContext(ctx, "replay cache backend error, failing open", "error", err)
		return false, nil
	}
	return !set, nil
}

func (c *RedisReplayCache) Revoke(ctx context.Context, token string) error {
	key := redisKeyPrefix + hashToken(token)
	return c.client.Set(ctx, key, "revoked", c.ttl*24).Err()
}

func (c *RedisReplayCache) Stats(ctx context.Context) (CacheStats, error) {
	keys, err := c.client.Keys(ctx, redisKeyPrefix+"*").Result()
	if err != nil {
		return CacheStats{}, err
	}
	return CacheStats{Backend: "redis", TotalTokens: len(keys), ActiveTokens: len(keys)}, nil
}
