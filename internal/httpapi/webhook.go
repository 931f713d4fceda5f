package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/emailorch/internal/apperr"
	"github.com/swarmguard/emailorch/internal/parser"
	"github.com/swarmguard/emailorch/internal/resilience"
	"github.com/swarmguard/emailorch/internal/router"
	"github.com/swarmguard/emailorch/internal/task"
	"github.com/swarmguard/emailorch/internal/workflow"
)

// inboundEmail is the wire shape of the webhook body: the email envelope the
// mail collaborator delivers once the HMAC signature and replay checks pass.
type inboundEmail struct {
	MessageID  string    `json:"message_id"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	Timestamp  time.Time `json:"timestamp"`
	CC         []string  `json:"cc"`
	ReplyTo    string    `json:"reply_to"`
	ThreadID   string    `json:"thread_id"`
	Body       string    `json:"body"`
}

func (e inboundEmail) toParserEmail() parser.Email {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return parser.Email{
		MessageID:  e.MessageID,
		Sender:     e.Sender,
		Recipients: e.Recipients,
		Subject:    e.Subject,
		Timestamp:  ts,
		CC:         e.CC,
		ReplyTo:    e.ReplyTo,
		ThreadID:   e.ThreadID,
		Body:       e.Body,
	}
}

// handleWebhook is the public ingestion endpoint: verify the signature,
// reject replays, parse the email into a task, route it, materialize and
// dispatch a workflow execution, and answer 202 with the task/execution ids.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	ctx := r.Context()

	ts := r.Header.Get("X-Webhook-Timestamp")
	token := r.Header.Get("X-Webhook-Token")
	sig := r.Header.Get("X-Webhook-Signature")
	if err := s.verifier.Verify(ts, token, sig); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	seen, err := s.replay.Seen(ctx, token)
	if err != nil {
		slog.WarnContext(ctx, "replay cache error, proceeding fail-open", "error", err)
	} else if seen {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "webhook token already processed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	var in inboundEmail
	if err := json.Unmarshal(body, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	t, exec, plan, err := s.ingestEmailWithRetry(ctx, in.toParserEmail())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	go s.runExecution(context.WithoutCancel(ctx), t.TaskID, exec)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":       t.TaskID,
		"execution_id":  exec.ExecutionID,
		"workflow_type": plan.Decision.WorkflowType,
		"status":        string(t.Status),
	})
}

// ingestResult bundles ingestEmail's return values so they can travel through
// resilience.Do's single-value generic result.
type ingestResult struct {
	task *task.Task
	exec *workflow.Execution
	plan router.Plan
}

// ingestEmailWithRetry retries ingestEmail on transient failures (a momentary
// store outage, most commonly) up to the configured webhook attempt budget,
// leaving permanent failures (a malformed task, a missing template) to fail fast.
func (s *Server) ingestEmailWithRetry(ctx context.Context, e parser.Email) (*task.Task, *workflow.Execution, router.Plan, error) {
	res, err := resilience.Do(ctx, s.ingestRetry, apperr.IsRetryable, func() (ingestResult, error) {
		t, exec, plan, err := s.ingestEmail(ctx, e)
		return ingestResult{task: t, exec: exec, plan: plan}, err
	})
	if err != nil {
		return nil, nil, router.Plan{}, err
	}
	return res.task, res.exec, res.plan, nil
}

// ingestEmail runs the shared parse->route->persist->materialize-execution
// sequence used by both the public webhook and the admin ingest_email action.
func (s *Server) ingestEmail(ctx context.Context, e parser.Email) (*task.Task, *workflow.Execution, router.Plan, error) {
	taskID := uuid.NewString()
	t := s.parser.Parse(taskID, e)

	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, nil, router.Plan{}, &apperr.TransientRemoteError{Cause: fmt.Errorf("persist task: %w", err)}
	}

	plan := s.router.Route(t, router.Context{})
	var primary string
	var supporting []string
	if len(plan.Decision.PrimaryAgents) > 0 {
		primary = plan.Decision.PrimaryAgents[0]
		supporting = append(supporting, plan.Decision.PrimaryAgents[1:]...)
	}
	supporting = append(supporting, plan.Decision.SecondaryAgents...)
	t.AssignAgents(primary, supporting, plan.Decision.Reasoning)
	t.Priority = plan.Priority
	if err := t.Advance(task.StatusQueued); err != nil {
		slog.WarnContext(ctx, "task status transition refused", "task_id", taskID, "error", err)
	}
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, nil, router.Plan{}, &apperr.TransientRemoteError{Cause: fmt.Errorf("update task after routing: %w", err)}
	}

	s.templateStore.Put(plan.Template)
	executionID := uuid.NewString()
	exec, err := s.engine.CreateExecution(executionID, plan.Template.ID, time.Now())
	if err != nil {
		return nil, nil, router.Plan{}, fmt.Errorf("create execution: %w", err)
	}
	return t, exec, plan, nil
}
