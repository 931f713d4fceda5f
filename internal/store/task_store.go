// Package store implements a BoltDB-backed, versioned home for Tasks, their
// conversation history, and an append-only audit log, with an in-memory hot
// cache and per-operation read/write latency histograms.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/emailorch/internal/cache"
	"github.com/swarmguard/emailorch/internal/otelinit"
	"github.com/swarmguard/emailorch/internal/task"
)

var (
	bucketTasks         = []byte("tasks")
	bucketConversations = []byte("conversations")
	bucketAuditLog      = []byte("audit_log")
	bucketVersions      = []byte("task_versions")
)

// ConversationTurn is one exchange recorded against a task (the original email,
// a follow-up reply, or an agent's intermediate output surfaced to the user).
type ConversationTurn struct {
	Timestamp time.Time `json:"timestamp"`
	Role      string    `json:"role"` // "user" | "assistant" | "agent" | "system"
	Agent     string    `json:"agent,omitempty"`
	Text      string    `json:"text"`
}

// AuditEntry is one append-only audit-log record: every state-changing
// operation against a task is recorded here regardless of outcome.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id"`
	Operation string    `json:"operation"`
	Detail    string    `json:"detail"`
}

// TaskStore is the durable, hot-cached home for Tasks.
type TaskStore struct {
	db *bbolt.DB

	mu        sync.RWMutex
	taskLocks sync.Map // task id -> *sync.Mutex, for atomic per-task read-modify-write
	hotCache  map[string]*task.Task
	maxCache  int

	snapshotCache cache.Cache
	snapshotTTL   time.Duration

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// NewTaskStore opens (creating if necessary) a task store at dbPath/tasks.db.
func NewTaskStore(dbPath string) (*TaskStore, error) {
	db, err := bbolt.Open(dbPath+"/tasks.db", 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketConversations, bucketAuditLog, bucketVersions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create task store buckets: %w", err)
	}

	meter := otel.Meter(otelinit.MeterName)
	readLatency, _ := meter.Float64Histogram("emailorch_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("emailorch_store_write_ms")
	cacheHits, _ := meter.Int64Counter("emailorch_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("emailorch_store_cache_misses_total")

	return &TaskStore{
		db:           db,
		hotCache:     make(map[string]*task.Task),
		maxCache:     1000,
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}, nil
}

// Close closes the underlying database.
func (s *TaskStore) Close() error { return s.db.Close() }

// WithCache attaches a namespaced snapshot cache (tasks namespace) sitting
// ahead of the database, behind the process-local hot cache. Every write
// refreshes the snapshot cache, which both serves as the read-through
// population and the invalidation of any now-stale entry. Returns the store
// for chaining at construction time.
func (s *TaskStore) WithCache(c cache.Cache, ttl time.Duration) *TaskStore {
	s.snapshotCache = c
	s.snapshotTTL = ttl
	return s
}

func (s *TaskStore) lockFor(taskID string) *sync.Mutex {
	l, _ := s.taskLocks.LoadOrStore(taskID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// CreateTask persists a newly constructed task (create_task).
func (s *TaskStore) CreateTask(ctx context.Context, t *task.Task) error {
	lock := s.lockFor(t.TaskID)
	lock.Lock()
	defer lock.Unlock()
	return s.putTask(ctx, t, "create_task")
}

// UpdateTask atomically overwrites a task's persisted state (update_task),
// archiving the previous version for audit purposes.
func (s *TaskStore) UpdateTask(ctx context.Context, t *task.Task) error {
	lock := s.lockFor(t.TaskID)
	lock.Lock()
	defer lock.Unlock()
	return s.putTask(ctx, t, "update_task")
}

func (s *TaskStore) putTask(ctx context.Context, t *task.Task, op string) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
	}()

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTasks)
		if existing := bucket.Get([]byte(t.TaskID)); existing != nil {
			versions := tx.Bucket(bucketVersions)
			versionKey := fmt.Sprintf("%s:%d", t.TaskID, time.Now().UnixNano())
			if err := versions.Put([]byte(versionKey), existing); err != nil {
				return fmt.Errorf("archive version: %w", err)
			}
		}
		if err := bucket.Put([]byte(t.TaskID), data); err != nil {
			return err
		}
		return appendAudit(tx, AuditEntry{Timestamp: time.Now(), TaskID: t.TaskID, Operation: op, Detail: string(t.Status)})
	})
	if err != nil {
		return fmt.Errorf("write task: %w", err)
	}

	s.mu.Lock()
	if len(s.hotCache) >= s.maxCache {
		s.evictOldestLocked()
	}
	s.hotCache[t.TaskID] = t
	s.mu.Unlock()

	if s.snapshotCache != nil {
		// Invalidate before repopulating: a status change (or any other write)
		// must never leave a stale snapshot behind for a reader racing this write.
		s.snapshotCache.Invalidate(ctx, cache.NamespaceTasks, t.TaskID)
		cache.PutJSON(ctx, s.snapshotCache, cache.NamespaceTasks, t.TaskID, t, s.snapshotTTL)
	}
	return nil
}

// GetTask retrieves a task by id, consulting the hot cache first.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (*task.Task, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", "get_task")))
	}()

	s.mu.RLock()
	if t, ok := s.hotCache[taskID]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1)
		return t, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1)

	if s.snapshotCache != nil {
		var cached task.Task
		if cache.GetJSON(ctx, s.snapshotCache, cache.NamespaceTasks, taskID, &cached) {
			s.mu.Lock()
			s.hotCache[taskID] = &cached
			s.mu.Unlock()
			return &cached, true, nil
		}
	}

	var t task.Task
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(taskID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, false, fmt.Errorf("read task: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	s.mu.Lock()
	s.hotCache[taskID] = &t
	s.mu.Unlock()
	if s.snapshotCache != nil {
		cache.PutJSON(ctx, s.snapshotCache, cache.NamespaceTasks, taskID, &t, s.snapshotTTL)
	}
	return &t, true, nil
}

// ListActive returns every task not yet in a terminal status (completed/abandoned).
func (s *TaskStore) ListActive(ctx context.Context) ([]*task.Task, error) {
	var active []*task.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t task.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			if t.Status != task.StatusCompleted && t.Status != task.StatusAbandoned {
				active = append(active, &t)
			}
			return nil
		})
	})
	return active, err
}

// AppendNote appends a processing note to a task's persisted state, atomically
// per task id.
func (s *TaskStore) AppendNote(ctx context.Context, taskID string, now time.Time, text string) error {
	lock := s.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	t, found, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("task not found: %s", taskID)
	}
	t.AppendNote(now, text)
	return s.putTask(ctx, t, "append_note")
}

// AppendConversation records one conversation turn against a task.
func (s *TaskStore) AppendConversation(ctx context.Context, taskID string, turn ConversationTurn) error {
	lock := s.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketConversations)
		var turns []ConversationTurn
		if existing := bucket.Get([]byte(taskID)); existing != nil {
			if err := json.Unmarshal(existing, &turns); err != nil {
				return fmt.Errorf("unmarshal conversation: %w", err)
			}
		}
		turns = append(turns, turn)
		data, err := json.Marshal(turns)
		if err != nil {
			return fmt.Errorf("marshal conversation: %w", err)
		}
		if err := bucket.Put([]byte(taskID), data); err != nil {
			return err
		}
		return appendAudit(tx, AuditEntry{Timestamp: time.Now(), TaskID: taskID, Operation: "append_conversation", Detail: turn.Role})
	})
}

// Conversation returns the full recorded conversation for a task.
func (s *TaskStore) Conversation(ctx context.Context, taskID string) ([]ConversationTurn, error) {
	var turns []ConversationTurn
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketConversations).Get([]byte(taskID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &turns)
	})
	return turns, err
}

// AuditLog returns every recorded audit entry for a task, in insertion order.
func (s *TaskStore) AuditLog(ctx context.Context, taskID string) ([]AuditEntry, error) {
	var entries []AuditEntry
	prefix := []byte(taskID + ":")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketAuditLog).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func appendAudit(tx *bbolt.Tx, e AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s:%d", e.TaskID, e.Timestamp.UnixNano())
	return tx.Bucket(bucketAuditLog).Put([]byte(key), data)
}

func (s *TaskStore) evictOldestLocked() {
	var oldestID string
	var oldestCreated time.Time
	for id, t := range s.hotCache {
		if oldestID == "" || t.CreatedAt.Before(oldestCreated) {
			oldestID = id
			oldestCreated = t.CreatedAt
		}
	}
	if oldestID != "" {
		delete(s.hotCache, oldestID)
	}
}
