package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/swarmguard/emailorch/internal/executor"
	"github.com/swarmguard/emailorch/internal/mailer"
	"github.com/swarmguard/emailorch/internal/task"
	"github.com/swarmguard/emailorch/internal/workflow"
)

// runExecution drives exec to completion in the background, updating the
// persisted task's status and notes and sending a reply summary through the
// pluggable mail client on the way out. Invoked as its own goroutine so
// ingestion responds immediately with 202 Accepted.
func (s *Server) runExecution(ctx context.Context, taskID string, exec *workflow.Execution) {
	t, found, err := s.store.GetTask(ctx, taskID)
	if err != nil || !found {
		slog.ErrorContext(ctx, "runExecution: task vanished before start", "task_id", taskID, "error", err)
		return
	}
	if err := t.Advance(task.StatusRunning); err != nil {
		slog.WarnContext(ctx, "task status transition refused", "task_id", taskID, "error", err)
	}
	if err := s.store.UpdateTask(ctx, t); err != nil {
		slog.ErrorContext(ctx, "runExecution: failed to mark task running", "task_id", taskID, "error", err)
	}

	runErr := s.executor.Run(ctx, taskID, exec, func(p executor.Progress) {
		slog.InfoContext(ctx, "execution progress", "task_id", taskID, "completed", p.CompletedSteps, "total", p.TotalSteps)
	})

	t, found, err = s.store.GetTask(ctx, taskID)
	if err != nil || !found {
		slog.ErrorContext(ctx, "runExecution: task vanished after run", "task_id", taskID, "error", err)
		return
	}
	now := time.Now()
	if runErr != nil {
		_ = t.Advance(task.StatusFailed)
		var cancelErr *executor.CancellationError
		if errors.As(runErr, &cancelErr) {
			t.AppendNote(now, cancelErr.Error())
		} else {
			t.AppendNote(now, "execution failed: "+runErr.Error())
		}
	} else {
		_ = t.Advance(task.StatusCompleted)
		t.Processed = true
		t.AppendNote(now, "execution completed")
	}
	if err := s.store.UpdateTask(ctx, t); err != nil {
		slog.ErrorContext(ctx, "runExecution: failed to persist final task state", "task_id", taskID, "error", err)
	}

	report := s.engine.ExportReport(exec)
	summary := fmt.Sprintf("workflow %s finished with status %s across %d steps", report.WorkflowID, report.Status, len(report.Steps))
	var recipients []string
	if t.EmailMetadata != nil && t.EmailMetadata.Sender != "" {
		recipients = []string{t.EmailMetadata.Sender}
	}
	if err := s.mailer.SendReply(ctx, mailer.Reply{
		TaskID:  taskID,
		To:      recipients,
		Subject: "Re: " + t.Title,
		Body:    summary,
	}); err != nil {
		slog.WarnContext(ctx, "failed to send reply", "task_id", taskID, "error", err)
	}
}
