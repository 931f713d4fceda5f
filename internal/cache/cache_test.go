package cache

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryCacheMissIsNotError(t *testing.T) {
	c := NewInMemoryCache(10)
	defer c.Close()
	_, found := c.Get(context.Background(), NamespaceTasks, "missing")
	if found {
		t.Fatalf("expected miss for unknown key")
	}
}

func TestInMemoryCachePutGetRoundTrip(t *testing.T) {
	c := NewInMemoryCache(10)
	defer c.Close()
	ctx := context.Background()
	c.Put(ctx, NamespaceAgentResponses, "k1", []byte("hello"), time.Minute)
	v, found := c.Get(ctx, NamespaceAgentResponses, "k1")
	if !found || string(v) != "hello" {
		t.Fatalf("expected round-trip hit, got found=%v v=%s", found, v)
	}
}

func TestInMemoryCacheExpiresByTTL(t *testing.T) {
	c := NewInMemoryCache(10)
	defer c.Close()
	ctx := context.Background()
	c.Put(ctx, NamespaceTasks, "k1", []byte("x"), -time.Second)
	_, found := c.Get(ctx, NamespaceTasks, "k1")
	if found {
		t.Fatalf("expected already-expired entry to miss")
	}
}

func TestInMemoryCacheEvictsOldestWhenFull(t *testing.T) {
	c := NewInMemoryCache(2)
	defer c.Close()
	ctx := context.Background()
	c.Put(ctx, NamespaceTasks, "a", []byte("1"), time.Minute)
	c.Put(ctx, NamespaceTasks, "b", []byte("2"), time.Minute)
	c.Get(ctx, NamespaceTasks, "b") // touch b so a is the oldest by lastUsed
	c.Put(ctx, NamespaceTasks, "c", []byte("3"), time.Minute)

	if _, found := c.Get(ctx, NamespaceTasks, "a"); found {
		t.Fatalf("expected oldest entry 'a' to be evicted")
	}
	if _, found := c.Get(ctx, NamespaceTasks, "c"); !found {
		t.Fatalf("expected newly inserted entry 'c' to be present")
	}
}

func TestPromptKeyDeterministic(t *testing.T) {
	k1 := PromptKey("coder", "fix the bug")
	k2 := PromptKey("coder", "fix the bug")
	if k1 != k2 {
		t.Fatalf("expected deterministic prompt key")
	}
}
