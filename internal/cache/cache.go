// Package cache implements a namespaced, TTL-bounded memoization layer for
// agent responses, task snapshots, and workflow templates. A cache miss is
// never an error; a cache backend failure degrades to direct computation
// with a logged warning.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/emailorch/internal/otelinit"
)

// Namespace names shared by every cache backend.
const (
	NamespaceAgentResponses     = "agent_responses"
	NamespaceTasks              = "tasks"
	NamespaceWorkflowTemplates  = "workflows/templates"
)

// Cache is the namespaced KV-with-TTL contract every component depends on.
// Implementations must never surface a miss as an error.
type Cache interface {
	Get(ctx context.Context, namespace, key string) (value []byte, found bool)
	Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration)
	Invalidate(ctx context.Context, namespace, key string)
}

// PromptKey builds the agent_responses namespace key for an (agent, prompt) pair.
func PromptKey(agentID, prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return agentID + ":" + hex.EncodeToString(sum[:])
}

type entry struct {
	value    []byte
	expiry   time.Time
	lastUsed time.Time
}

// InMemoryCache is an LRU-by-last-used, TTL-bounded cache with a background
// cleanup loop.
type InMemoryCache struct {
	mu       sync.Mutex
	data     map[string]map[string]*entry // namespace -> key -> entry
	capacity int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewInMemoryCache constructs a cache bounded to capacity entries per namespace
// and starts its 1-minute cleanup loop.
func NewInMemoryCache(capacity int) *InMemoryCache {
	c := &InMemoryCache{
		data:     make(map[string]map[string]*entry),
		capacity: capacity,
		stopCh:   make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

func (c *InMemoryCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCh:
			return
		}
	}
}

func (c *InMemoryCache) cleanup() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for ns, bucket := range c.data {
		for k, e := range bucket {
			if e.expiry.Before(now) {
				delete(bucket, k)
			}
		}
		if len(bucket) == 0 {
			delete(c.data, ns)
		}
	}
}

// Close stops the background cleanup loop.
func (c *InMemoryCache) Close() { c.stopOnce.Do(func() { close(c.stopCh) }) }

func (c *InMemoryCache) Get(ctx context.Context, namespace, key string) ([]byte, bool) {
	meter := otel.Meter(otelinit.MeterName)
	hits, _ := meter.Int64Counter("emailorch_cache_hits_total")
	misses, _ := meter.Int64Counter("emailorch_cache_misses_total")

	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.data[namespace]
	if !ok {
		misses.Add(ctx, 1)
		return nil, false
	}
	e, ok := bucket[key]
	if !ok || e.expiry.Before(time.Now()) {
		misses.Add(ctx, 1)
		return nil, false
	}
	e.lastUsed = time.Now()
	hits.Add(ctx, 1)
	return e.value, true
}

func (c *InMemoryCache) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.data[namespace]
	if !ok {
		bucket = make(map[string]*entry)
		c.data[namespace] = bucket
	}
	if len(bucket) >= c.capacity {
		c.evictOldest(bucket)
	}
	now := time.Now()
	bucket[key] = &entry{value: value, expiry: now.Add(ttl), lastUsed: now}
}

func (c *InMemoryCache) evictOldest(bucket map[string]*entry) {
	var oldestKey string
	var oldest time.Time
	for k, e := range bucket {
		if oldestKey == "" || e.lastUsed.Before(oldest) {
			oldestKey = k
			oldest = e.lastUsed
		}
	}
	if oldestKey != "" {
		delete(bucket, oldestKey)
	}
}

func (c *InMemoryCache) Invalidate(ctx context.Context, namespace, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bucket, ok := c.data[namespace]; ok {
		delete(bucket, key)
	}
}

// GetJSON is a convenience helper layered over Get for typed round-trips; cache
// failures and unmarshal errors are treated as misses, never surfaced as errors.
func GetJSON[T any](ctx context.Context, c Cache, namespace, key string, out *T) bool {
	raw, found := c.Get(ctx, namespace, key)
	if !found {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		slog.WarnContext(ctx, "cache entry failed to unmarshal, treating as miss", "namespace", namespace, "error", err)
		return false
	}
	return true
}

// PutJSON is the typed counterpart to GetJSON. Marshal failures are logged and swallowed.
func PutJSON(ctx context.Context, c Cache, namespace, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		slog.WarnContext(ctx, "cache value failed to marshal, skipping put", "namespace", namespace, "error", err)
		return
	}
	c.Put(ctx, namespace, key, raw, ttl)
}
