package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/emailorch/internal/otelinit"
)

// CancellationManager tracks in-flight task executions so an admin operator or
// a downstream cancellation signal can cooperatively stop one mid-flight.
type CancellationManager struct {
	mu     sync.RWMutex
	active map[string]*trackedExecution

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

type trackedExecution struct {
	cancel      context.CancelFunc
	status      string
	reason      string
	cancelledAt time.Time
}

// NewCancellationManager constructs an empty tracker.
func NewCancellationManager() *CancellationManager {
	meter := otel.Meter(otelinit.MeterName)
	cancellations, _ := meter.Int64Counter("emailorch_executor_cancellations_total")
	return &CancellationManager{
		active:        make(map[string]*trackedExecution),
		cancellations: cancellations,
		tracer:        otel.Tracer(otelinit.MeterName),
	}
}

// Register tracks taskID as running, owning cancel for later cooperative stop.
func (cm *CancellationManager) Register(taskID string, cancel context.CancelFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.active[taskID] = &trackedExecution{cancel: cancel, status: "running"}
}

// Cancel cooperatively stops a running task execution by cancelling its context.
func (cm *CancellationManager) Cancel(ctx context.Context, taskID, reason string) error {
	ctx, span := cm.tracer.Start(ctx, "executor.cancel_task", trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	tracked, ok := cm.active[taskID]
	if !ok {
		return fmt.Errorf("task execution not found or already completed: %s", taskID)
	}
	if tracked.status != "running" {
		return fmt.Errorf("task execution is not running: %s (status: %s)", taskID, tracked.status)
	}
	tracked.cancel()
	tracked.status = "cancelled"
	tracked.reason = reason
	tracked.cancelledAt = time.Now()
	cm.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	return nil
}

// Complete records the settled status of a tracked execution. Sweep does not
// remove entries settled this way unless they were also cancelled.
func (cm *CancellationManager) Complete(taskID, status string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if tracked, ok := cm.active[taskID]; ok {
		tracked.status = status
	}
}

// Status reports the tracked status of taskID, if known.
func (cm *CancellationManager) Status(taskID string) (string, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	tracked, ok := cm.active[taskID]
	if !ok {
		return "", false
	}
	return tracked.status, true
}

// Reason reports the recorded cancellation reason for taskID, if any.
func (cm *CancellationManager) Reason(taskID string) string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	tracked, ok := cm.active[taskID]
	if !ok {
		return ""
	}
	return tracked.reason
}

// Sweep removes non-running entries whose cancellation is older than
// retention; entries that were never cancelled are kept.
func (cm *CancellationManager) Sweep(retention time.Duration) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	removed := 0
	for id, tracked := range cm.active {
		if tracked.status == "running" {
			continue
		}
		if !tracked.cancelledAt.IsZero() && now.Sub(tracked.cancelledAt) > retention {
			delete(cm.active, id)
			removed++
		}
	}
	return removed
}
