// Package config builds a single immutable configuration snapshot at startup.
// Reload is a new snapshot swapped atomically by the caller; no component re-reads
// the environment per call.
package config

import (
	"os"
	"strconv"
	"time"
)

// AgentProfile describes one addressable agent capability.
type AgentProfile struct {
	ID              string
	Role            string
	Capabilities    []string
	PreferredModel  string
	SystemPrompt    string
	FallbackAgentID string // empty means no fallback
}

// CircuitBreakerConfig carries the per-agent breaker thresholds.
type CircuitBreakerConfig struct {
	ConsecutiveFailureThreshold int
	RecoveryTimeout             time.Duration
}

// RateLimitConfig carries the admission-control knobs for the public webhook
// endpoint (token bucket with a sliding-window cap) and the admin dispatch
// endpoint (hybrid token/leaky bucket, since internal callers can tolerate
// a short queueing delay rather than an outright rejection).
type RateLimitConfig struct {
	WebhookCapacity     int64
	WebhookFillRate     float64
	WebhookWindow       time.Duration
	WebhookMaxPerWindow int64

	AdminBurstCapacity int
	AdminRefillRate    float64
	AdminQueueSize     int
	AdminLeakInterval  time.Duration
}

// RetryConfig carries the retry envelope for agent calls and webhook ingestion.
type RetryConfig struct {
	MaxAttemptsAgent   int
	MaxAttemptsWebhook int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	ExpBase            float64
}

// TTLConfig carries the TTLs used across the replay cache and result cache.
type TTLConfig struct {
	ReplayToken      time.Duration
	ReplayRevokedMul int // revoke multiplier; the replay caches apply a fixed 24x and do not read this field
	AgentResponse    time.Duration
	TaskSnapshot     time.Duration
	WorkflowTemplate time.Duration
}

// Config is the single immutable snapshot every component is constructed from.
type Config struct {
	ServiceName string

	WebhookSharedKey   string
	WebhookMaxAgeSec   int
	AdminJWTSigningKey string

	Agents               map[string]AgentProfile
	TaskTypeAgentMap     map[string]AgentProfile // task_type -> primary assignment
	TaskTypeIntentMap    map[string]string       // task_type -> routing intent label
	IntentWorkflowMap    map[string]string       // intent -> workflow_type
	IntentPriorityMap    map[string]string       // intent -> default priority
	ComplexityMultiplier map[string]int          // low/medium/high -> multiplier

	AgentOrder []string // deterministic iteration order over Agents

	Breaker   CircuitBreakerConfig
	Retry     RetryConfig
	TTL       TTLConfig
	RateLimit RateLimitConfig

	DataDir string // bbolt database directory
}

// Load builds an immutable snapshot from the process environment, applying the
// documented defaults wherever an override is absent.
func Load() *Config {
	cfg := &Config{
		ServiceName:        getEnv("EMAILORCH_SERVICE_NAME", "emailorch"),
		WebhookSharedKey:   getEnv("EMAILORCH_WEBHOOK_SHARED_KEY", ""),
		WebhookMaxAgeSec:   getEnvInt("EMAILORCH_WEBHOOK_MAX_AGE_SECONDS", 120),
		AdminJWTSigningKey: getEnv("EMAILORCH_ADMIN_JWT_KEY", ""),
		DataDir:            getEnv("EMAILORCH_DATA_DIR", "./data"),
		Breaker: CircuitBreakerConfig{
			ConsecutiveFailureThreshold: getEnvInt("EMAILORCH_BREAKER_THRESHOLD", 3),
			RecoveryTimeout:             time.Duration(getEnvInt("EMAILORCH_BREAKER_RECOVERY_SECONDS", 30)) * time.Second,
		},
		Retry: RetryConfig{
			MaxAttemptsAgent:   getEnvInt("EMAILORCH_RETRY_MAX_ATTEMPTS_AGENT", 3),
			MaxAttemptsWebhook: getEnvInt("EMAILORCH_RETRY_MAX_ATTEMPTS_WEBHOOK", 5),
			BaseDelay:          time.Duration(getEnvInt("EMAILORCH_RETRY_BASE_MS", 1500)) * time.Millisecond,
			MaxDelay:           time.Duration(getEnvInt("EMAILORCH_RETRY_MAX_SECONDS", 45)) * time.Second,
			ExpBase:            2.0,
		},
		TTL: TTLConfig{
			ReplayToken:      time.Duration(getEnvInt("EMAILORCH_REPLAY_TTL_SECONDS", 3600)) * time.Second,
			ReplayRevokedMul: 24,
			AgentResponse:    30 * time.Minute,
			TaskSnapshot:     5 * time.Minute,
			WorkflowTemplate: 10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			WebhookCapacity:     int64(getEnvInt("EMAILORCH_RATELIMIT_WEBHOOK_CAPACITY", 20)),
			WebhookFillRate:     5.0,
			WebhookWindow:       time.Minute,
			WebhookMaxPerWindow: int64(getEnvInt("EMAILORCH_RATELIMIT_WEBHOOK_PER_MINUTE", 120)),
			AdminBurstCapacity:  getEnvInt("EMAILORCH_RATELIMIT_ADMIN_BURST", 10),
			AdminRefillRate:     2.0,
			AdminQueueSize:      getEnvInt("EMAILORCH_RATELIMIT_ADMIN_QUEUE", 50),
			AdminLeakInterval:   200 * time.Millisecond,
		},
		ComplexityMultiplier: map[string]int{"low": 1, "medium": 2, "high": 3},
	}
	cfg.AgentOrder = []string{"coder", "bug", "tester", "product", "docs", "general"}
	cfg.Agents = defaultAgents()
	cfg.TaskTypeAgentMap = defaultTaskTypeAssignment(cfg.Agents)
	cfg.TaskTypeIntentMap = map[string]string{
		"bug_report":      "bug_fixing",
		"feature_request": "code_development",
		"code_review":     "code_review",
		"deployment":      "deployment",
		"documentation":   "documentation",
		"investigation":   "analysis",
		"calendar_event":  "planning",
		"general":         "general_assistance",
	}
	cfg.IntentWorkflowMap = map[string]string{
		"bug_fixing":      "bug_fix_workflow",
		"code_development": "feature_development",
		"code_review":     "code_review",
	}
	cfg.IntentPriorityMap = map[string]string{
		"bug_fixing":      "high",
		"deployment":      "high",
		"code_review":     "medium",
		"testing":         "medium",
		"documentation":   "low",
		"planning":        "low",
	}
	return cfg
}

func defaultAgents() map[string]AgentProfile {
	agents := []AgentProfile{
		{ID: "coder", Role: "implementation", PreferredModel: "default-coder", FallbackAgentID: "general",
			Capabilities: []string{"code_development", "refactoring", "optimization", "deployment"}},
		{ID: "bug", Role: "bug_fixer", PreferredModel: "default-bug", FallbackAgentID: "tester",
			Capabilities: []string{"bug_fixing", "analysis", "testing", "code_review"}},
		{ID: "tester", Role: "verification", PreferredModel: "default-tester", FallbackAgentID: "general",
			Capabilities: []string{"testing", "code_review", "verification"}},
		{ID: "product", Role: "requirements", PreferredModel: "default-product", FallbackAgentID: "general",
			Capabilities: []string{"planning", "design", "documentation", "general_assistance"}},
		{ID: "docs", Role: "documentation", PreferredModel: "default-docs", FallbackAgentID: "general",
			Capabilities: []string{"documentation", "general_assistance"}},
		{ID: "general", Role: "generalist", PreferredModel: "default-general",
			Capabilities: []string{"general_assistance", "analysis", "documentation"}},
	}
	out := make(map[string]AgentProfile, len(agents))
	for _, a := range agents {
		out[a.ID] = a
	}
	return out
}

func defaultTaskTypeAssignment(agents map[string]AgentProfile) map[string]AgentProfile {
	return map[string]AgentProfile{
		"code_review":      agents["tester"],
		"bug_report":       agents["bug"],
		"feature_request":  agents["coder"],
		"documentation":    agents["docs"],
		"deployment":       agents["coder"],
		"investigation":    agents["general"],
		"calendar_event":   agents["general"], // calendar_agent absent from map; fall back to general
		"general":          agents["general"],
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
