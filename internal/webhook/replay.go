// Package webhook implements inbound webhook authentication: HMAC-SHA256 signature
// verification and replay-attack prevention via a TTL-bounded token cache.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/emailorch/internal/otelinit"
)

// CacheStats reports replay-cache size and backend kind.
type CacheStats struct {
	Backend      string
	TotalTokens  int
	ActiveTokens int
}

// ReplayCache detects duplicate webhook tokens within a TTL window.
// Backend failures must fail open (allow the request) with a logged warning —
// the signature verifier remains the primary line of defense.
type ReplayCache interface {
	// Seen returns true iff the token hash has already been recorded within TTL.
	// If false, it atomically records the hash with TTL as a side effect.
	Seen(ctx context.Context, token string) (bool, error)
	// Revoke force-records the token with an extended TTL (24x normal).
	Revoke(ctx context.Context, token string) error
	Stats(ctx context.Context) (CacheStats, error)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// MemoryReplayCache is an in-process replay cache with a periodic sweep that
// evicts expired token hashes, used as the default backend and as the
// in-memory fallback when no external cache is configured.
type MemoryReplayCache struct {
	mu       sync.Mutex
	entries  map[string]time.Time // hash -> expiry
	ttl      time.Duration
	failOpen metric.Int64Counter

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemoryReplayCache constructs a cache and starts its 60s background sweep.
func NewMemoryReplayCache(ttl time.Duration) *MemoryReplayCache {
	meter := otel.Meter(otelinit.MeterName)
	failOpen, _ := meter.Int64Counter("emailorch_replay_fail_open_total")
	c := &MemoryReplayCache{
		entries:  make(map[string]time.Time),
		ttl:      ttl,
		failOpen: failOpen,
		stopCh:   make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func (c *MemoryReplayCache) sweepLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *MemoryReplayCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, expiry := range c.entries {
		if expiry.Before(now) {
			delete(c.entries, k)
		}
	}
}

// Close stops the background sweep goroutine.
func (c *MemoryReplayCache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *MemoryReplayCache) Seen(ctx context.Context, token string) (bool, error) {
	if token == "" {
		slog.WarnContext(ctx, "empty token presented to replay cache")
		return true, nil
	}
	key := hashToken(token)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if expiry, ok := c.entries[key]; ok {
		if expiry.After(now) {
			return true, nil
		}
		delete(c.entries, key)
	}
	c.entries[key] = now.Add(c.ttl)
	return false, nil
}

func (c *MemoryReplayCache) Revoke(ctx context.Context, token string) error {
	key := hashToken(token)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = time.Now().Add(c.ttl * 24)
	return nil
}

func (c *MemoryReplayCache) Stats(ctx context.Context) (CacheStats, error) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	active := 0
	for _, expiry := range c.entries {
		if expiry.After(now) {
			active++
		}
	}
	return CacheStats{Backend: "in-memory", TotalTokens: len(c.entries), ActiveTokens: active}, nil
}
