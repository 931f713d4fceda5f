package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/swarmguard/emailorch/internal/mailer"
	"github.com/swarmguard/emailorch/internal/router"
	"github.com/swarmguard/emailorch/internal/task"
)

// authMiddleware guards the admin dispatch endpoint with a bearer JWT signed
// with the configured admin key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := extractBearerToken(r)
		if tok == "" || s.cfg.AdminJWTSigningKey == "" {
			s.authDenied.Add(r.Context(), 1)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing authorization"})
			return
		}
		parsed, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.AdminJWTSigningKey), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !parsed.Valid {
			s.authDenied.Add(r.Context(), 1)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// adminRequest is the admin dispatch envelope: an action name plus its
// action-specific parameters.
type adminRequest struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// handleAdminDispatch routes each admin action to its internal operation.
func (s *Server) handleAdminDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	var req adminRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	switch req.Action {
	case "parse_email", "analyze_email":
		s.dispatchAnalyzeOrParse(ctx, w, req)
	case "ingest_email":
		s.dispatchIngest(ctx, w, req)
	case "dispatch_task":
		s.dispatchTask(ctx, w, req)
	case "compose_draft":
		s.dispatchComposeDraft(ctx, w, req)
	case "search_emails":
		s.dispatchSearchEmails(ctx, w, req)
	case "cancel_task":
		s.dispatchCancelTask(ctx, w, req)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown action: " + req.Action})
	}
}

func decodeParams[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	err := json.Unmarshal(raw, &out)
	return out, err
}

// dispatchAnalyzeOrParse parses (and, for analyze_email, also routes) an
// email without persisting anything, a dry run for operators.
func (s *Server) dispatchAnalyzeOrParse(ctx context.Context, w http.ResponseWriter, req adminRequest) {
	in, err := decodeParams[inboundEmail](req.Params)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid params: " + err.Error()})
		return
	}
	t := s.parser.Parse("preview-"+time.Now().UTC().Format(time.RFC3339Nano), in.toParserEmail())

	if req.Action == "parse_email" {
		writeJSON(w, http.StatusOK, map[string]any{"task": t})
		return
	}
	plan := s.router.Route(t, router.Context{})
	writeJSON(w, http.StatusOK, map[string]any{"task": t, "plan": plan})
}

// dispatchIngest runs the full ingest->route->execute pipeline on behalf of an
// authenticated operator, bypassing the public webhook's signature/replay checks.
func (s *Server) dispatchIngest(ctx context.Context, w http.ResponseWriter, req adminRequest) {
	in, err := decodeParams[inboundEmail](req.Params)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid params: " + err.Error()})
		return
	}
	t, exec, plan, err := s.ingestEmailWithRetry(ctx, in.toParserEmail())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	go s.runExecution(context.WithoutCancel(ctx), t.TaskID, exec)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": t.TaskID, "execution_id": exec.ExecutionID, "workflow_type": plan.Decision.WorkflowType,
	})
}

type dispatchTaskParams struct {
	TaskID string `json:"task_id"`
}

// dispatchTask re-routes and (re-)dispatches an already-persisted task, the
// admin-path equivalent of a DLQ manual retry at the task level.
func (s *Server) dispatchTask(ctx context.Context, w http.ResponseWriter, req adminRequest) {
	params, err := decodeParams[dispatchTaskParams](req.Params)
	if err != nil || params.TaskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task_id is required"})
		return
	}
	t, found, err := s.store.GetTask(ctx, params.TaskID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found: " + params.TaskID})
		return
	}

	plan := s.router.Route(t, router.Context{})
	s.templateStore.Put(plan.Template)
	executionID := fmt.Sprintf("%s-retry-%d", t.TaskID, time.Now().UnixNano())
	exec, err := s.engine.CreateExecution(executionID, plan.Template.ID, time.Now())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	go s.runExecution(context.WithoutCancel(ctx), t.TaskID, exec)
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": t.TaskID, "execution_id": executionID})
}

type cancelTaskParams struct {
	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason"`
}

// dispatchCancelTask requests cooperative cancellation of a running
// execution: stages already dispatched complete, but no further stage
// starts and the task ends in status=failed with a cancellation note.
func (s *Server) dispatchCancelTask(ctx context.Context, w http.ResponseWriter, req adminRequest) {
	params, err := decodeParams[cancelTaskParams](req.Params)
	if err != nil || params.ExecutionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "execution_id is required"})
		return
	}
	if params.Reason == "" {
		params.Reason = "cancelled by operator"
	}
	if err := s.executor.Cancel(ctx, params.ExecutionID, params.Reason); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
}

type composeDraftParams struct {
	TaskID  string `json:"task_id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// dispatchComposeDraft hands a draft reply to the pluggable mail client; the
// concrete provider is out of scope, so this only exercises the interface.
func (s *Server) dispatchComposeDraft(ctx context.Context, w http.ResponseWriter, req adminRequest) {
	params, err := decodeParams[composeDraftParams](req.Params)
	if err != nil || params.TaskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task_id is required"})
		return
	}
	t, found, err := s.store.GetTask(ctx, params.TaskID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found: " + params.TaskID})
		return
	}
	var to []string
	if t.EmailMetadata != nil && t.EmailMetadata.Sender != "" {
		to = []string{t.EmailMetadata.Sender}
	}
	reply := mailer.Reply{TaskID: t.TaskID, Subject: params.Subject, Body: params.Body, To: to}
	if reply.Subject == "" {
		reply.Subject = "Re: " + t.Title
	}
	if err := s.mailer.SendReply(ctx, reply); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type searchEmailsParams struct {
	Tag    string `json:"tag"`
	Sender string `json:"sender"`
}

// dispatchSearchEmails filters the active task set by tag or sender; a thin
// read path over the task store standing in for a full-text search index.
func (s *Server) dispatchSearchEmails(ctx context.Context, w http.ResponseWriter, req adminRequest) {
	params, _ := decodeParams[searchEmailsParams](req.Params)
	active, err := s.store.ListActive(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	var matches []*task.Task
	for _, t := range active {
		if params.Sender != "" && (t.EmailMetadata == nil || t.EmailMetadata.Sender != params.Sender) {
			continue
		}
		if params.Tag != "" && !hasTag(t.Tags, params.Tag) {
			continue
		}
		matches = append(matches, t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": matches})
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}
