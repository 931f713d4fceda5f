// Command orchestrator is the composition root for the email-driven
// multi-agent orchestration core: it wires every component (replay cache,
// signature verifier, parser, router, workflow engine, executor, breaker
// registry, DLQ, task store, result cache) to the HTTP transport and serves
// it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swarmguard/emailorch/internal/cache"
	"github.com/swarmguard/emailorch/internal/config"
	"github.com/swarmguard/emailorch/internal/dlq"
	"github.com/swarmguard/emailorch/internal/executor"
	"github.com/swarmguard/emailorch/internal/httpapi"
	"github.com/swarmguard/emailorch/internal/logging"
	"github.com/swarmguard/emailorch/internal/otelinit"
	"github.com/swarmguard/emailorch/internal/parser"
	"github.com/swarmguard/emailorch/internal/resilience"
	"github.com/swarmguard/emailorch/internal/router"
	"github.com/swarmguard/emailorch/internal/store"
	"github.com/swarmguard/emailorch/internal/task"
	"github.com/swarmguard/emailorch/internal/webhook"
	"github.com/swarmguard/emailorch/internal/workflow"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.ServiceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, cfg.ServiceName)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, cfg.ServiceName)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("failed to create data directory", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	taskStore, err := store.NewTaskStore(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open task store", "error", err)
		os.Exit(1)
	}
	defer taskStore.Close()

	dlqQueue, err := dlq.Open(cfg.DataDir+"/dlq.db", cfg.Retry.MaxAttemptsAgent, cfg.Retry.BaseDelay)
	if err != nil {
		slog.Error("failed to open dead-letter queue", "error", err)
		os.Exit(1)
	}
	defer dlqQueue.Close()

	replayCache := newReplayCache(cfg)
	if closer, ok := replayCache.(interface{ Close() }); ok {
		defer closer.Close()
	}

	resultCache := newResultCache(cfg)
	if closer, ok := resultCache.(interface{ Close() }); ok {
		defer closer.Close()
	}
	taskStore.WithCache(resultCache, cfg.TTL.TaskSnapshot)

	verifier := webhook.NewVerifier(cfg.WebhookSharedKey, time.Duration(cfg.WebhookMaxAgeSec)*time.Second)
	emailParser := parser.New(assignmentsFromConfig(cfg))
	taskRouter := router.New(cfg)

	templateStore := workflow.NewStaticTemplateStore(router.CatalogTemplates()...)
	engine := workflow.NewEngine(templateStore)

	breakers := resilience.NewRegistry(cfg.Breaker.ConsecutiveFailureThreshold, cfg.Breaker.RecoveryTimeout)
	retryPolicy := resilience.Policy{
		MaxAttempts: cfg.Retry.MaxAttemptsAgent,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		ExpBase:     cfg.Retry.ExpBase,
	}
	agentClient := executor.NewHTTPAgentClient(nil, agentEndpoints(cfg))
	exec := executor.New(engine, agentClient, breakers, retryPolicy, resultCache, dlqQueue, cfg.Agents, cfg.TTL.AgentResponse, taskStore)

	if err := dlqQueue.StartSweep(ctx, "*/30 * * * * *", func(ctx context.Context, e dlq.Entry) error {
		return retryDLQEntry(ctx, taskStore, taskRouter, engine, templateStore, exec, e)
	}); err != nil {
		slog.Error("failed to start dead-letter sweep", "error", err)
		os.Exit(1)
	}

	server := httpapi.New(httpapi.Deps{
		Config:        cfg,
		Verifier:      verifier,
		Replay:        replayCache,
		Parser:        emailParser,
		Router:        taskRouter,
		Engine:        engine,
		TemplateStore: templateStore,
		Executor:      exec,
		Breakers:      breakers,
		DLQ:           dlqQueue,
		Store:         taskStore,
		Cache:         resultCache,
	})
	defer server.Close()

	srv := &http.Server{
		Addr:         ":" + getEnv("PORT", "8080"),
		Handler:      server.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("starting orchestrator", "addr", srv.Addr, "service", cfg.ServiceName)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}

	otelinit.Flush(shutdownCtx, shutdownTrace)
	otelinit.Flush(shutdownCtx, shutdownMetrics)
}

// newReplayCache selects the Redis-backed replay cache when EMAILORCH_REDIS_ADDR
// is set, falling back to the in-process cache otherwise.
func newReplayCache(cfg *config.Config) webhook.ReplayCache {
	addr := os.Getenv("EMAILORCH_REDIS_ADDR")
	if addr == "" {
		return webhook.NewMemoryReplayCache(cfg.TTL.ReplayToken)
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	slog.Info("replay cache backed by redis", "addr", addr)
	return webhook.NewRedisReplayCache(client, cfg.TTL.ReplayToken)
}

// newResultCache selects the Redis-backed result cache when EMAILORCH_REDIS_ADDR
// is set, so a multi-instance deployment shares agent-response and template
// cache entries instead of each instance memoizing independently.
func newResultCache(cfg *config.Config) cache.Cache {
	addr := os.Getenv("EMAILORCH_REDIS_ADDR")
	if addr == "" {
		return cache.NewInMemoryCache(10000)
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return cache.NewRedisCache(client, cfg.ServiceName+":cache")
}

// assignmentsFromConfig turns the task-type -> agent-profile map into the
// parser's task-type -> assignment-rule table.
func assignmentsFromConfig(cfg *config.Config) map[task.Type]parser.AssignmentRule {
	out := make(map[task.Type]parser.AssignmentRule, len(cfg.TaskTypeAgentMap))
	for tt, profile := range cfg.TaskTypeAgentMap {
		out[task.Type(tt)] = parser.AssignmentRule{
			Primary: profile.ID,
			Reason:  fmt.Sprintf("task type %s assigned to %s by configuration", tt, profile.ID),
		}
	}
	return out
}

// agentEndpoints resolves each configured agent's HTTP base URL from the
// environment, defaulting to a per-agent localhost port for local development.
func agentEndpoints(cfg *config.Config) map[string]string {
	out := make(map[string]string, len(cfg.Agents))
	for id := range cfg.Agents {
		envKey := "EMAILORCH_AGENT_" + upper(id) + "_URL"
		out[id] = getEnv(envKey, "http://localhost:9000/agents/"+id)
	}
	return out
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// retryDLQEntry is the DLQ sweep's RetryFunc: it re-routes the originating
// task and runs a fresh execution of its whole routed template (not only the
// dead-lettered step), synchronously so the sweep can judge success/failure
// for backoff.
func retryDLQEntry(ctx context.Context, taskStore *store.TaskStore, taskRouter *router.Router, engine *workflow.Engine, templateStore *workflow.StaticTemplateStore, exec *executor.Executor, e dlq.Entry) error {
	t, found, err := taskStore.GetTask(ctx, e.TaskID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("dlq retry: task %s no longer exists", e.TaskID)
	}

	plan := taskRouter.Route(t, router.Context{})
	templateStore.Put(plan.Template)
	executionID := fmt.Sprintf("%s-dlq-retry-%d", e.TaskID, time.Now().UnixNano())
	execution, err := engine.CreateExecution(executionID, plan.Template.ID, time.Now())
	if err != nil {
		return err
	}
	return exec.Run(ctx, e.TaskID, execution, nil)
}
