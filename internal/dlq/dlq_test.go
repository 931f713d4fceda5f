package dlq

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dlq.db")
	q, err := Open(path, 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueAndListSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.db")
	q, err := Open(path, 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := q.Enqueue(ctx, Entry{ID: "e1", TaskID: "t1", Agent: "coder", Reason: "circuit_open"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Close()

	q2, err := Open(path, 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()
	entries, err := q2.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].TaskID != "t1" {
		t.Fatalf("expected surviving entry, got %v", entries)
	}
}

func TestSweepRetriesAndRemovesOnSuccess(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	q.Enqueue(ctx, Entry{ID: "e1", TaskID: "t1", Agent: "coder", NextRetryAt: time.Now().Add(-time.Second)})

	q.sweepOnce(ctx, func(ctx context.Context, e Entry) error { return nil })

	entries, _ := q.List()
	if len(entries) != 0 {
		t.Fatalf("expected entry removed after successful retry, got %v", entries)
	}
}

func TestSweepAbandonsAfterMaxAttempts(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	q.Enqueue(ctx, Entry{ID: "e1", TaskID: "t1", Agent: "coder", NextRetryAt: time.Now().Add(-time.Second)})

	for i := 0; i < 3; i++ {
		q.sweepOnce(ctx, func(ctx context.Context, e Entry) error { return errors.New("still failing") })
		entries, _ := q.List()
		if len(entries) != 1 {
			t.Fatalf("expected entry retained across retries, got %v", entries)
		}
		for _, e := range entries {
			e.NextRetryAt = time.Now().Add(-time.Second)
			q.put(e)
		}
	}

	entries, _ := q.List()
	if len(entries) != 1 || !entries[0].Abandoned {
		t.Fatalf("expected entry abandoned after max attempts, got %v", entries)
	}
}
