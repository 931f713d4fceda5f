// Package executor dispatches workflow steps to agents through a pluggable
// client, gated by per-agent circuit breakers and retry policy, with a
// fallback chain and dead-letter escalation on exhaustion.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/emailorch/internal/apperr"
	"github.com/swarmguard/emailorch/internal/otelinit"
)

// AgentRequest is one agent invocation: a rendered prompt plus the structured
// context accumulated from upstream steps in the same workflow execution.
type AgentRequest struct {
	AgentID      string
	Task         string
	OutputFormat string
	Context      map[string]any
}

// AgentResponse is what an agent returns for a single step.
type AgentResponse struct {
	Output   map[string]any
	RawText  string
	Model    string
	TokensIn int
	TokensOut int
}

// AgentClient is the pluggable boundary to the LLM/agent backend (the system's
// "LLM client" interface). Implementations may call a local model server, a
// hosted provider, or (in tests) a canned responder.
type AgentClient interface {
	Invoke(ctx context.Context, req AgentRequest) (*AgentResponse, error)
}

// HTTPAgentClient invokes agents over HTTP, one base URL per agent id, using a
// pooled transport, trace-context propagation, and a template-resolved
// request body.
type HTTPAgentClient struct {
	client    *http.Client
	endpoints map[string]string // agent id -> base URL
	tracer    trace.Tracer
}

// NewHTTPAgentClient constructs a client dispatching to the given per-agent
// endpoints. A nil httpClient gets a pooled default client.
func NewHTTPAgentClient(httpClient *http.Client, endpoints map[string]string) *HTTPAgentClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPAgentClient{
		client:    httpClient,
		endpoints: endpoints,
		tracer:    otel.Tracer(otelinit.MeterName),
	}
}

func (c *HTTPAgentClient) Invoke(ctx context.Context, req AgentRequest) (*AgentResponse, error) {
	ctx, span := c.tracer.Start(ctx, "agent.invoke",
		trace.WithAttributes(
			attribute.String("agent_id", req.AgentID),
		),
	)
	defer span.End()

	base, ok := c.endpoints[req.AgentID]
	if !ok {
		return nil, &apperr.NotFoundError{Kind: "agent_endpoint", ID: req.AgentID}
	}

	payload := map[string]any{
		"task":          req.Task,
		"output_format": req.OutputFormat,
		"context":       req.Context,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &apperr.InternalError{Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, &apperr.InternalError{Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Agent-ID", req.AgentID)
	otel.GetTextMapPropagator().Inject(ctx, propagation{httpReq.Header})

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &apperr.TransientRemoteError{Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &apperr.TransientRemoteError{Cause: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &apperr.TransientRemoteError{Cause: fmt.Errorf("agent %s returned %d: %s", req.AgentID, resp.StatusCode, raw)}
	case resp.StatusCode >= 400:
		return nil, &apperr.PermanentRemoteError{Cause: fmt.Errorf("agent %s returned %d: %s", req.AgentID, resp.StatusCode, raw)}
	}

	var out struct {
		Output    map[string]any `json:"output"`
		Model     string         `json:"model"`
		TokensIn  int            `json:"tokens_in"`
		TokensOut int            `json:"tokens_out"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return &AgentResponse{RawText: string(raw)}, nil
	}
	return &AgentResponse{Output: out.Output, RawText: string(raw), Model: out.Model, TokensIn: out.TokensIn, TokensOut: out.TokensOut}, nil
}

type propagation struct{ header http.Header }

func (p propagation) Get(key string) string { return p.header.Get(key) }
func (p propagation) Set(key, value string) { p.header.Set(key, value) }
func (p propagation) Keys() []string {
	keys := make([]string, 0, len(p.header))
	for k := range p.header {
		keys = append(keys, k)
	}
	return keys
}
