package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/swarmguard/emailorch/internal/cache"
	"github.com/swarmguard/emailorch/internal/config"
	"github.com/swarmguard/emailorch/internal/dlq"
	"github.com/swarmguard/emailorch/internal/executor"
	"github.com/swarmguard/emailorch/internal/parser"
	"github.com/swarmguard/emailorch/internal/resilience"
	"github.com/swarmguard/emailorch/internal/router"
	"github.com/swarmguard/emailorch/internal/store"
	"github.com/swarmguard/emailorch/internal/webhook"
	"github.com/swarmguard/emailorch/internal/workflow"
)

type fakeAgentClient struct{}

func (fakeAgentClient) Invoke(ctx context.Context, req executor.AgentRequest) (*executor.AgentResponse, error) {
	return &executor.AgentResponse{Output: map[string]any{"ok": true}}, nil
}

func newTestServer(t *testing.T) (*Server, *config.Config) {
	t.Helper()
	cfg := config.Load()
	cfg.AdminJWTSigningKey = "test-signing-key"
	cfg.Retry.MaxAttemptsWebhook = 1
	cfg.RateLimit.WebhookCapacity = 1000
	cfg.RateLimit.WebhookMaxPerWindow = 1000
	cfg.RateLimit.AdminBurstCapacity = 1000
	cfg.RateLimit.AdminQueueSize = 1000

	verifier := webhook.NewVerifier("shared-secret", time.Hour)
	replay := webhook.NewMemoryReplayCache(time.Minute)
	t.Cleanup(replay.Close)

	p := parser.New(nil)
	r := router.New(cfg)

	templateStore := workflow.NewStaticTemplateStore(router.CatalogTemplates()...)
	engine := workflow.NewEngine(templateStore)

	taskStore, err := store.NewTaskStore(t.TempDir())
	if err != nil {
		t.Fatalf("new task store: %v", err)
	}
	t.Cleanup(func() { taskStore.Close() })

	resultCache := cache.NewInMemoryCache(100)
	t.Cleanup(resultCache.Close)

	dlqQueue, err := dlq.Open(t.TempDir()+"/dlq.db", 3, time.Millisecond)
	if err != nil {
		t.Fatalf("open dlq: %v", err)
	}
	t.Cleanup(func() { dlqQueue.Close() })

	breakers := resilience.NewRegistry(5, time.Minute)
	retry := resilience.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExpBase: 2}
	taskStore.WithCache(resultCache, cfg.TTL.TaskSnapshot)
	exec := executor.New(engine, fakeAgentClient{}, breakers, retry, resultCache, dlqQueue, nil, time.Minute, taskStore)

	srv := New(Deps{
		Config:        cfg,
		Verifier:      verifier,
		Replay:        replay,
		Parser:        p,
		Router:        r,
		Engine:        engine,
		TemplateStore: templateStore,
		Executor:      exec,
		Breakers:      breakers,
		DLQ:           dlqQueue,
		Store:         taskStore,
		Cache:         resultCache,
	})
	t.Cleanup(srv.Close)
	return srv, cfg
}

func signedWebhookRequest(t *testing.T, srv *Server, verifier *webhook.Verifier, token string, body []byte) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := verifier.Sign(ts, token)
	req := httptest.NewRequest(http.MethodPost, "/webhook/email", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Timestamp", ts)
	req.Header.Set("X-Webhook-Token", token)
	req.Header.Set("X-Webhook-Signature", sig)
	return req
}

func TestHandleWebhookAcceptsValidSignedRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	verifier := webhook.NewVerifier("shared-secret", time.Hour)

	body, _ := json.Marshal(map[string]any{
		"message_id": "m1",
		"sender":     "user@example.com",
		"subject":    "urgent: fix the login bug",
		"body":       "please fix this asap",
	})
	req := signedWebhookRequest(t, srv, verifier, "token-1", body)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["task_id"] == "" || resp["execution_id"] == "" {
		t.Fatalf("expected task_id and execution_id in response, got %v", resp)
	}
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"message_id": "m1", "sender": "a@b.com", "subject": "s", "body": "b"})
	req := httptest.NewRequest(http.MethodPost, "/webhook/email", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("X-Webhook-Token", "token-1")
	req.Header.Set("X-Webhook-Signature", "not-a-valid-signature")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleWebhookRejectsReplayedToken(t *testing.T) {
	srv, _ := newTestServer(t)
	verifier := webhook.NewVerifier("shared-secret", time.Hour)
	body, _ := json.Marshal(map[string]any{"message_id": "m1", "sender": "a@b.com", "subject": "s", "body": "b"})

	req1 := signedWebhookRequest(t, srv, verifier, "token-dup", body)
	rec1 := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusAccepted {
		t.Fatalf("expected first delivery accepted, got %d", rec1.Code)
	}

	req2 := signedWebhookRequest(t, srv, verifier, "token-dup", body)
	rec2 := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusConflict {
		t.Fatalf("expected replay rejected with 409, got %d", rec2.Code)
	}
}

func TestHandleHealthReturns200WhenEssentialComponentsAreUp(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Fatalf("expected status healthy, got %v", resp["status"])
	}
}

func TestHandleHealthReturns503WhenTaskStoreIsDown(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.store.Close()

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "degraded" {
		t.Fatalf("expected status degraded, got %v", resp["status"])
	}
}

func adminToken(t *testing.T, key string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "test-operator"})
	signed, err := tok.SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign admin token: %v", err)
	}
	return signed
}

func TestAdminDispatchRejectsMissingAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/dispatch", bytes.NewReader([]byte(`{"action":"search_emails"}`)))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAdminDispatchParseEmail(t *testing.T) {
	srv, cfg := newTestServer(t)
	body, _ := json.Marshal(adminRequestBody(t, "parse_email", map[string]any{
		"message_id": "m2", "sender": "a@b.com", "subject": "plan the rollout", "body": "please plan this",
	}))
	req := httptest.NewRequest(http.MethodPost, "/admin/dispatch", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+adminToken(t, cfg.AdminJWTSigningKey))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdminDispatchCancelUnknownExecutionReturnsConflict(t *testing.T) {
	srv, cfg := newTestServer(t)
	body, _ := json.Marshal(adminRequestBody(t, "cancel_task", map[string]any{"execution_id": "does-not-exist"}))
	req := httptest.NewRequest(http.MethodPost, "/admin/dispatch", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+adminToken(t, cfg.AdminJWTSigningKey))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for unknown execution, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdminDispatchUnknownAction(t *testing.T) {
	srv, cfg := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/dispatch", bytes.NewReader([]byte(`{"action":"not_a_real_action"}`)))
	req.Header.Set("Authorization", "Bearer "+adminToken(t, cfg.AdminJWTSigningKey))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleTemplateByIDServesAndCaches(t *testing.T) {
	srv, _ := newTestServer(t)
	templates := srv.templateStore.List()
	if len(templates) == 0 {
		t.Fatalf("expected at least one seeded template")
	}
	id := templates[0].ID

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workflows/templates/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var cached workflow.Template
	if !cache.GetJSON(context.Background(), srv.cache, cache.NamespaceWorkflowTemplates, id, &cached) {
		t.Fatalf("expected template populated in read-through cache after first request")
	}
	if cached.ID != id {
		t.Fatalf("expected cached template id %s, got %s", id, cached.ID)
	}

	rec2 := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/workflows/templates/does-not-exist", nil))
	if rec2.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown template, got %d", rec2.Code)
	}
}

func adminRequestBody(t *testing.T, action string, params any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return map[string]any{"action": action, "params": json.RawMessage(raw)}
}
