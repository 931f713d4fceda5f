// Package dlq implements a dead-letter queue: durable storage for task
// dispatches that exhausted retry and fallback, plus a periodic sweep that
// re-offers ready entries for another attempt.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/emailorch/internal/otelinit"
)

var bucketEntries = []byte("dlq_entries")

// Entry is one dead-lettered task dispatch.
type Entry struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	Agent       string         `json:"agent"`
	Reason      string         `json:"reason"`
	Payload     map[string]any `json:"payload"`
	Attempts    int            `json:"attempts"`
	FirstFailAt time.Time      `json:"first_fail_at"`
	NextRetryAt time.Time      `json:"next_retry_at"`
	Abandoned   bool           `json:"abandoned"`
}

// RetryFunc is invoked by the sweep for each ready entry; returning nil removes
// the entry, returning an error reschedules it with backoff.
type RetryFunc func(ctx context.Context, e Entry) error

// Queue is the durable dead-letter store, backed by a BoltDB bucket so entries
// survive process restart.
type Queue struct {
	db   *bbolt.DB
	cron *cron.Cron

	mu          sync.Mutex
	maxAttempts int
	backoff     time.Duration

	enqueued  metric.Int64Counter
	abandoned metric.Int64Counter
	retried   metric.Int64Counter
}

// Open opens (creating if necessary) a durable dead-letter queue at dbPath.
// It starts no sweep; StartSweep registers the cron-driven sweep separately.
func Open(dbPath string, maxAttempts int, backoff time.Duration) (*Queue, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open dlq db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create dlq bucket: %w", err)
	}

	meter := otel.Meter(otelinit.MeterName)
	enqueued, _ := meter.Int64Counter("emailorch_dlq_enqueued_total")
	abandoned, _ := meter.Int64Counter("emailorch_dlq_abandoned_total")
	retried, _ := meter.Int64Counter("emailorch_dlq_retried_total")

	return &Queue{
		db:          db,
		cron:        cron.New(cron.WithSeconds()),
		maxAttempts: maxAttempts,
		backoff:     backoff,
		enqueued:    enqueued,
		abandoned:   abandoned,
		retried:     retried,
	}, nil
}

// Close stops the sweep and closes the database.
func (q *Queue) Close() error {
	q.cron.Stop()
	return q.db.Close()
}

// Enqueue stores a dead-lettered dispatch, durable across restarts.
func (q *Queue) Enqueue(ctx context.Context, e Entry) error {
	now := time.Now()
	if e.FirstFailAt.IsZero() {
		e.FirstFailAt = now
	}
	if e.NextRetryAt.IsZero() {
		e.NextRetryAt = now.Add(q.backoff)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	err = q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(e.ID), data)
	})
	if err != nil {
		return fmt.Errorf("persist dlq entry: %w", err)
	}
	q.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", e.Agent)))
	slog.WarnContext(ctx, "task dead-lettered", "task_id", e.TaskID, "agent", e.Agent, "reason", e.Reason)
	return nil
}

// List returns every entry currently held, abandoned or not.
func (q *Queue) List() ([]Entry, error) {
	var out []Entry
	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

func (q *Queue) remove(id string) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(id))
	})
}

func (q *Queue) put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(e.ID), data)
	})
}

// StartSweep registers the periodic sweep on the given cron schedule (e.g.
// "*/30 * * * * *" for every 30 seconds), retrying every entry whose
// NextRetryAt has elapsed via fn.
func (q *Queue) StartSweep(ctx context.Context, schedule string, fn RetryFunc) error {
	_, err := q.cron.AddFunc(schedule, func() { q.sweepOnce(ctx, fn) })
	if err != nil {
		return fmt.Errorf("register dlq sweep: %w", err)
	}
	q.cron.Start()
	return nil
}

func (q *Queue) sweepOnce(ctx context.Context, fn RetryFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.List()
	if err != nil {
		slog.ErrorContext(ctx, "dlq sweep: list failed", "error", err)
		return
	}
	now := time.Now()
	for _, e := range entries {
		if e.Abandoned || now.Before(e.NextRetryAt) {
			continue
		}
		e.Attempts++
		if err := fn(ctx, e); err != nil {
			if e.Attempts >= q.maxAttempts {
				e.Abandoned = true
				q.abandoned.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", e.Agent)))
				slog.ErrorContext(ctx, "dlq entry abandoned after max attempts", "task_id", e.TaskID, "attempts", e.Attempts)
			} else {
				e.NextRetryAt = now.Add(q.backoff * time.Duration(e.Attempts))
			}
			if err := q.put(e); err != nil {
				slog.ErrorContext(ctx, "dlq sweep: persist failed", "error", err)
			}
			continue
		}
		q.retried.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", e.Agent)))
		if err := q.remove(e.ID); err != nil {
			slog.ErrorContext(ctx, "dlq sweep: remove failed", "error", err)
		}
	}
}
