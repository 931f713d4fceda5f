package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/emailorch/internal/apperr"
	"github.com/swarmguard/emailorch/internal/cache"
	"github.com/swarmguard/emailorch/internal/config"
	"github.com/swarmguard/emailorch/internal/dlq"
	"github.com/swarmguard/emailorch/internal/otelinit"
	"github.com/swarmguard/emailorch/internal/resilience"
	"github.com/swarmguard/emailorch/internal/store"
	"github.com/swarmguard/emailorch/internal/task"
	"github.com/swarmguard/emailorch/internal/workflow"
)

// TaskRecorder is the slice of the task store the executor needs to record
// per-step conversation turns, processing notes, and progress against the
// task a workflow is executing on behalf of. Nil is a valid recorder: an
// executor built without one, or a Run call with an empty taskID, simply
// gets no persistence.
type TaskRecorder interface {
	GetTask(ctx context.Context, taskID string) (*task.Task, bool, error)
	UpdateTask(ctx context.Context, t *task.Task) error
	AppendConversation(ctx context.Context, taskID string, turn store.ConversationTurn) error
	AppendNote(ctx context.Context, taskID string, now time.Time, text string) error
}

// Executor drives a workflow Execution stage by stage, invoking one agent per
// Step in parallel within a stage, gated by a per-agent circuit breaker and
// retry policy, falling back to a configured fallback agent, and
// dead-lettering dispatches that exhaust both.
type Executor struct {
	engine   *workflow.Engine
	agents   AgentClient
	breakers *resilience.Registry
	retry    resilience.Policy
	cache    cache.Cache
	dlq      *dlq.Queue
	profiles map[string]config.AgentProfile
	cacheTTL time.Duration
	tracer   trace.Tracer
	cancels  *CancellationManager
	recorder TaskRecorder
}

// New constructs an Executor wiring the workflow engine, agent client, breaker
// registry, retry policy, result cache, and dead-letter queue together.
// recorder may be nil, in which case per-step conversation/note/progress
// persistence is skipped.
func New(engine *workflow.Engine, agents AgentClient, breakers *resilience.Registry, retry resilience.Policy, c cache.Cache, q *dlq.Queue, profiles map[string]config.AgentProfile, cacheTTL time.Duration, recorder TaskRecorder) *Executor {
	return &Executor{
		engine:   engine,
		agents:   agents,
		breakers: breakers,
		retry:    retry,
		cache:    c,
		dlq:      q,
		profiles: profiles,
		cacheTTL: cacheTTL,
		tracer:   otel.Tracer(otelinit.MeterName),
		cancels:  NewCancellationManager(),
		recorder: recorder,
	}
}

// CancellationError is returned by Run when an execution was cancelled
// cooperatively between stages: stages already in flight run to completion,
// but their outputs are discarded and no further stage is started.
type CancellationError struct {
	ExecutionID string
	Reason      string
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("task cancelled: %s", e.Reason)
}

// Cancel requests cooperative cancellation of a running execution. The
// request is honored at the next stage boundary; steps already dispatched in
// the current stage complete normally but their results are discarded.
func (x *Executor) Cancel(ctx context.Context, executionID, reason string) error {
	return x.cancels.Cancel(ctx, executionID, reason)
}

// Progress reports execution advancement as completed/total steps (0-100 scaled
// by the caller).
type Progress struct {
	CompletedSteps int
	TotalSteps     int
}

// Run drives exec to completion (or first unrecoverable failure), stage by
// stage. onProgress, if non-nil, is invoked after every step settles. taskID
// identifies the task this execution serves, for conversation/note/progress
// recording; pass "" when the execution has no backing task.
func (x *Executor) Run(ctx context.Context, taskID string, exec *workflow.Execution, onProgress func(Progress)) error {
	ctx, span := x.tracer.Start(ctx, "executor.run_workflow",
		trace.WithAttributes(attribute.String("execution_id", exec.ExecutionID)))
	defer span.End()

	stages, err := x.engine.GetExecutionStages(exec)
	if err != nil {
		return err
	}

	_, bookkeepingCancel := context.WithCancel(context.Background())
	x.cancels.Register(exec.ExecutionID, bookkeepingCancel)
	finalStatus := "completed"
	defer func() { x.cancels.Complete(exec.ExecutionID, finalStatus) }()

	total := len(exec.Steps)
	completed := 0
	sharedContext := make(map[string]any)
	var ctxMu sync.Mutex

	for _, stage := range stages {
		if status, ok := x.cancels.Status(exec.ExecutionID); ok && status == "cancelled" {
			finalStatus = "cancelled"
			return &CancellationError{ExecutionID: exec.ExecutionID, Reason: x.cancels.Reason(exec.ExecutionID)}
		}

		var wg sync.WaitGroup
		results := make(chan stepOutcome, len(stage))

		for _, step := range stage {
			wg.Add(1)
			go func(s *workflow.Step) {
				defer wg.Done()
				ctxMu.Lock()
				snapshot := make(map[string]any, len(sharedContext))
				for k, v := range sharedContext {
					snapshot[k] = v
				}
				ctxMu.Unlock()

				out, stepErr := x.runStep(ctx, taskID, exec, s, snapshot)
				results <- stepOutcome{step: s, output: out, err: stepErr}
			}(step)
		}
		wg.Wait()
		close(results)

		for outcome := range results {
			now := time.Now()
			if outcome.err != nil {
				x.engine.UpdateStepStatus(exec, outcome.step.Agent, workflow.StepFailed, map[string]any{"error": outcome.err.Error()}, now)
			} else {
				x.engine.UpdateStepStatus(exec, outcome.step.Agent, workflow.StepCompleted, outcome.output, now)
				ctxMu.Lock()
				sharedContext[outcome.step.Agent] = outcome.output
				ctxMu.Unlock()
			}
			completed++
			x.recordStep(ctx, taskID, outcome, completed, total, now)
			if onProgress != nil {
				onProgress(Progress{CompletedSteps: completed, TotalSteps: total})
			}
		}

		if exec.Status == workflow.ExecutionFailed {
			finalStatus = "failed"
			return &apperr.InternalError{Cause: errContextFailed}
		}
	}
	return nil
}

var errContextFailed = stageFailedError("one or more workflow steps failed")

type stageFailedError string

func (e stageFailedError) Error() string { return string(e) }

type stepOutcome struct {
	step   *workflow.Step
	output map[string]any
	err    error
}

// runStep dispatches a single step: cache lookup, breaker-gated retrying
// invocation, fallback-agent substitution, and dead-letter escalation.
func (x *Executor) runStep(ctx context.Context, taskID string, exec *workflow.Execution, step *workflow.Step, upstream map[string]any) (map[string]any, error) {
	now := time.Now()
	x.engine.UpdateStepStatus(exec, step.Agent, workflow.StepRunning, nil, now)

	promptKey := cache.PromptKey(step.Agent, step.Task)
	var cached map[string]any
	if cache.GetJSON(ctx, x.cache, cache.NamespaceAgentResponses, promptKey, &cached) {
		return cached, nil
	}

	output, err := x.invokeWithFallback(ctx, step.Agent, step, upstream)
	if err != nil {
		if x.dlq != nil {
			_ = x.dlq.Enqueue(ctx, dlqEntry(taskID, exec, step, err))
		}
		return nil, err
	}

	cache.PutJSON(ctx, x.cache, cache.NamespaceAgentResponses, promptKey, output, x.cacheTTL)
	return output, nil
}

// recordStep persists a settled step's outcome against its task: an
// assistant-role conversation turn, a processing note, and progress scaled to
// completed/total steps. A nil recorder or empty taskID skips persistence
// entirely.
func (x *Executor) recordStep(ctx context.Context, taskID string, outcome stepOutcome, completed, total int, now time.Time) {
	if x.recorder == nil || taskID == "" {
		return
	}

	role := "assistant"
	var text, note string
	if outcome.err != nil {
		text = fmt.Sprintf("agent %s failed: %s", outcome.step.Agent, outcome.err.Error())
		note = fmt.Sprintf("step %s failed: %s", outcome.step.Agent, outcome.err.Error())
	} else {
		text = fmt.Sprintf("agent %s completed: %v", outcome.step.Agent, outcome.output)
		note = fmt.Sprintf("step %s completed", outcome.step.Agent)
	}

	if err := x.recorder.AppendConversation(ctx, taskID, store.ConversationTurn{
		Timestamp: now,
		Role:      role,
		Agent:     outcome.step.Agent,
		Text:      text,
	}); err != nil {
		slog.WarnContext(ctx, "failed to append conversation turn", "task_id", taskID, "agent", outcome.step.Agent, "error", err)
	}
	if err := x.recorder.AppendNote(ctx, taskID, now, note); err != nil {
		slog.WarnContext(ctx, "failed to append processing note", "task_id", taskID, "agent", outcome.step.Agent, "error", err)
	}

	t, found, err := x.recorder.GetTask(ctx, taskID)
	if err != nil || !found {
		slog.WarnContext(ctx, "failed to load task for progress update", "task_id", taskID, "error", err)
		return
	}
	if total > 0 {
		t.Progress = completed * 100 / total
	}
	if err := x.recorder.UpdateTask(ctx, t); err != nil {
		slog.WarnContext(ctx, "failed to persist task progress", "task_id", taskID, "error", err)
	}
}

func (x *Executor) invokeWithFallback(ctx context.Context, agentID string, step *workflow.Step, upstream map[string]any) (map[string]any, error) {
	breaker := x.breakers.For(agentID)
	if !breaker.Allow() {
		if fallback := x.fallbackFor(agentID); fallback != "" {
			slog.WarnContext(ctx, "circuit open, falling back", "agent", agentID, "fallback", fallback)
			output, err := x.invokeWithFallback(ctx, fallback, step, upstream)
			if err != nil {
				return nil, err
			}
			return annotateDegraded(output, fallback), nil
		}
		return nil, &apperr.CircuitOpenError{Agent: agentID}
	}

	result, err := resilience.Do(ctx, x.retry, apperr.IsRetryable, func() (*AgentResponse, error) {
		resp, err := x.agents.Invoke(ctx, AgentRequest{AgentID: agentID, Task: step.Task, OutputFormat: step.OutputFormat, Context: upstream})
		if err != nil {
			return nil, err
		}
		return resp, nil
	})
	breaker.RecordResult(err == nil)
	if err != nil {
		if fallback := x.fallbackFor(agentID); fallback != "" {
			slog.WarnContext(ctx, "agent invocation exhausted retries, falling back", "agent", agentID, "fallback", fallback, "error", err)
			output, ferr := x.invokeWithFallback(ctx, fallback, step, upstream)
			if ferr != nil {
				return nil, ferr
			}
			return annotateDegraded(output, fallback), nil
		}
		return nil, err
	}
	return result.Output, nil
}

// annotateDegraded marks a successful fallback-agent response so callers and
// the task store can distinguish it from a primary-agent success, without
// mutating the map returned (and possibly cached) by the invoking agent.
func annotateDegraded(output map[string]any, fallbackAgent string) map[string]any {
	annotated := make(map[string]any, len(output)+2)
	for k, v := range output {
		annotated[k] = v
	}
	annotated["degraded"] = true
	annotated["via_fallback"] = fallbackAgent
	return annotated
}

func (x *Executor) fallbackFor(agentID string) string {
	profile, ok := x.profiles[agentID]
	if !ok {
		return ""
	}
	return profile.FallbackAgentID
}

func dlqEntry(taskID string, exec *workflow.Execution, step *workflow.Step, err error) dlq.Entry {
	return dlq.Entry{
		ID:     exec.ExecutionID + ":" + step.Agent,
		TaskID: taskID,
		Agent:  step.Agent,
		Reason: err.Error(),
	}
}
