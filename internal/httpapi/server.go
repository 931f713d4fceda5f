// Package httpapi is the HTTP transport for the orchestration core: the
// webhook ingestion endpoint, the internal admin dispatch endpoint, the
// health probe, and the workflow template catalog. Request-ID propagation, an
// otel span and structured log line per request, and a responseWriter that
// captures status carry over from the gateway this service evolved from,
// adapted to signature-verify + replay-check for the public path and
// bearer-JWT for the admin path.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/emailorch/internal/cache"
	"github.com/swarmguard/emailorch/internal/config"
	"github.com/swarmguard/emailorch/internal/dlq"
	"github.com/swarmguard/emailorch/internal/executor"
	"github.com/swarmguard/emailorch/internal/mailer"
	"github.com/swarmguard/emailorch/internal/otelinit"
	"github.com/swarmguard/emailorch/internal/parser"
	"github.com/swarmguard/emailorch/internal/resilience"
	"github.com/swarmguard/emailorch/internal/router"
	"github.com/swarmguard/emailorch/internal/store"
	"github.com/swarmguard/emailorch/internal/webhook"
	"github.com/swarmguard/emailorch/internal/workflow"
)

// Server wires every core component to the HTTP surface: webhook ingestion,
// admin dispatch, health probe, and the workflow template catalog.
type Server struct {
	cfg           *config.Config
	verifier      *webhook.Verifier
	replay        webhook.ReplayCache
	parser        *parser.Parser
	router        *router.Router
	engine        *workflow.Engine
	templateStore *workflow.StaticTemplateStore
	executor      *executor.Executor
	breakers      *resilience.Registry
	dlq           *dlq.Queue
	store         *store.TaskStore
	cache         cache.Cache
	mailer        mailer.Client
	ingestRetry   resilience.Policy
	webhookLimit  *resilience.RateLimiter
	adminLimit    *resilience.HybridRateLimiter

	reqCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
	authDenied  metric.Int64Counter
	rateLimited metric.Int64Counter
}

// Deps bundles every component New needs; field names match the core packages
// they come from.
type Deps struct {
	Config        *config.Config
	Verifier      *webhook.Verifier
	Replay        webhook.ReplayCache
	Parser        *parser.Parser
	Router        *router.Router
	Engine        *workflow.Engine
	TemplateStore *workflow.StaticTemplateStore
	Executor      *executor.Executor
	Breakers      *resilience.Registry
	DLQ           *dlq.Queue
	Store         *store.TaskStore
	Cache         cache.Cache
	Mailer        mailer.Client
}

// Close releases background resources the server owns (currently the admin
// endpoint's hybrid rate limiter worker goroutines).
func (s *Server) Close() {
	if s.adminLimit != nil {
		s.adminLimit.Stop()
	}
}

// New constructs the HTTP server from its dependencies, registering the
// shared request-count/latency/auth-denied instruments.
func New(d Deps) *Server {
	meter := otel.Meter(otelinit.MeterName)
	reqCounter, _ := meter.Int64Counter("emailorch_http_requests_total")
	latencyHist, _ := meter.Float64Histogram("emailorch_http_latency_ms")
	authDenied, _ := meter.Int64Counter("emailorch_http_auth_denied_total")
	rateLimited, _ := meter.Int64Counter("emailorch_http_rate_limited_total")

	mailClient := d.Mailer
	if mailClient == nil {
		mailClient = mailer.NullClient{}
	}

	rl := d.Config.RateLimit
	return &Server{
		cfg:           d.Config,
		verifier:      d.Verifier,
		replay:        d.Replay,
		parser:        d.Parser,
		router:        d.Router,
		engine:        d.Engine,
		templateStore: d.TemplateStore,
		executor:      d.Executor,
		breakers:      d.Breakers,
		dlq:           d.DLQ,
		store:         d.Store,
		cache:         d.Cache,
		mailer:        mailClient,
		ingestRetry: resilience.Policy{
			MaxAttempts: d.Config.Retry.MaxAttemptsWebhook,
			BaseDelay:   d.Config.Retry.BaseDelay,
			MaxDelay:    d.Config.Retry.MaxDelay,
			ExpBase:     d.Config.Retry.ExpBase,
		},
		webhookLimit: resilience.NewRateLimiter(rl.WebhookCapacity, rl.WebhookFillRate, rl.WebhookWindow, rl.WebhookMaxPerWindow),
		adminLimit:   resilience.NewHybridRateLimiter(rl.AdminBurstCapacity, rl.AdminRefillRate, rl.AdminQueueSize, rl.AdminLeakInterval),
		reqCounter:   reqCounter,
		latencyHist:  latencyHist,
		authDenied:   authDenied,
		rateLimited:  rateLimited,
	}
}

// Routes builds the request mux: public webhook ingestion and read-only
// catalog/health surfaces, and a JWT-guarded admin dispatch endpoint.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/workflows/templates", s.handleTemplates)
	mux.HandleFunc("/workflows/templates/{id}", s.handleTemplateByID)
	mux.Handle("/webhook/email", s.loggingMiddleware(s.webhookRateLimitMiddleware(http.HandlerFunc(s.handleWebhook))))
	mux.Handle("/admin/dispatch", s.loggingMiddleware(s.authMiddleware(s.adminRateLimitMiddleware(http.HandlerFunc(s.handleAdminDispatch)))))
	return mux
}

// webhookRateLimitMiddleware rejects over-quota public ingestion traffic
// outright: a token-bucket-plus-sliding-window limiter with no queueing,
// since a rejected webhook delivery is expected to be retried by the sender.
func (s *Server) webhookRateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.webhookLimit.Allow() {
			s.rateLimited.Add(r.Context(), 1, metric.WithAttributes(attribute.String("path", r.URL.Path)))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminRateLimitMiddleware queues bursts above the admin burst capacity
// rather than rejecting them immediately, since admin callers are internal
// operators who can tolerate a short wait.
func (s *Server) adminRateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.adminLimit.AllowOrWait(r.Context()); err != nil {
			s.rateLimited.Add(r.Context(), 1, metric.WithAttributes(attribute.String("path", r.URL.Path)))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware records a request-scoped span, a structured log line, and
// the shared request-count/latency instruments for every wrapped route.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := otelinit.WithSpan(r.Context(), r.URL.Path)
		defer span()

		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		duration := float64(time.Since(start).Milliseconds())
		s.reqCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", r.URL.Path),
			attribute.Int("status", rw.status),
		))
		s.latencyHist.Record(ctx, duration, metric.WithAttributes(attribute.String("path", r.URL.Path)))

		slog.InfoContext(ctx, "request completed",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", duration,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func generateRequestID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
