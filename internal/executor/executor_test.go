package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/swarmguard/emailorch/internal/apperr"
	"github.com/swarmguard/emailorch/internal/cache"
	"github.com/swarmguard/emailorch/internal/config"
	"github.com/swarmguard/emailorch/internal/resilience"
	"github.com/swarmguard/emailorch/internal/store"
	"github.com/swarmguard/emailorch/internal/task"
	"github.com/swarmguard/emailorch/internal/workflow"
)

type fakeAgentClient struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func newFakeAgentClient() *fakeAgentClient {
	return &fakeAgentClient{calls: make(map[string]int), fail: make(map[string]bool)}
}

func (f *fakeAgentClient) Invoke(ctx context.Context, req AgentRequest) (*AgentResponse, error) {
	f.mu.Lock()
	f.calls[req.AgentID]++
	shouldFail := f.fail[req.AgentID]
	f.mu.Unlock()
	if shouldFail {
		return nil, &apperr.TransientRemoteError{Cause: errors.New("agent unavailable")}
	}
	return &AgentResponse{Output: map[string]any{"agent": req.AgentID, "task": req.Task}}, nil
}

func linearTemplate() *workflow.Template {
	return &workflow.Template{
		ID: "linear",
		Steps: []workflow.TemplateStep{
			{Agent: "coder", Task: "implement"},
			{Agent: "tester", Task: "write tests", Dependencies: []string{"coder"}},
		},
	}
}

func newTestExecutor(t *testing.T, client AgentClient, profiles map[string]config.AgentProfile) (*Executor, *workflow.Engine) {
	t.Helper()
	return newTestExecutorWithRecorder(t, client, profiles, nil)
}

func newTestExecutorWithRecorder(t *testing.T, client AgentClient, profiles map[string]config.AgentProfile, recorder TaskRecorder) (*Executor, *workflow.Engine) {
	t.Helper()
	templateStore := workflow.NewStaticTemplateStore(linearTemplate())
	engine := workflow.NewEngine(templateStore)
	breakers := resilience.NewRegistry(2, 50*time.Millisecond)
	retry := resilience.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, ExpBase: 2}
	c := cache.NewInMemoryCache(100)
	t.Cleanup(func() { c.Close() })
	x := New(engine, client, breakers, retry, c, nil, profiles, time.Minute, recorder)
	return x, engine
}

func newTestTaskStore(t *testing.T) *store.TaskStore {
	t.Helper()
	s, err := store.NewTaskStore(t.TempDir())
	if err != nil {
		t.Fatalf("new task store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExecutorRunCompletesAllSteps(t *testing.T) {
	client := newFakeAgentClient()
	x, engine := newTestExecutor(t, client, nil)
	exec, err := engine.CreateExecution("e1", "linear", time.Now())
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}

	if err := x.Run(context.Background(), "", exec, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.Status != workflow.ExecutionCompleted {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
	if client.calls["coder"] != 1 || client.calls["tester"] != 1 {
		t.Fatalf("expected each agent invoked once, got %v", client.calls)
	}
}

func TestExecutorFallsBackToConfiguredAgent(t *testing.T) {
	client := newFakeAgentClient()
	client.fail["coder"] = true
	profiles := map[string]config.AgentProfile{
		"coder": {ID: "coder", FallbackAgentID: "general"},
	}
	x, engine := newTestExecutor(t, client, profiles)
	exec, _ := engine.CreateExecution("e1", "linear", time.Now())

	if err := x.Run(context.Background(), "", exec, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if client.calls["general"] == 0 {
		t.Fatalf("expected fallback agent invoked, got %v", client.calls)
	}
}

func TestExecutorAnnotatesFallbackResponsesAsDegraded(t *testing.T) {
	client := newFakeAgentClient()
	client.fail["coder"] = true
	profiles := map[string]config.AgentProfile{
		"coder": {ID: "coder", FallbackAgentID: "general"},
	}
	x, engine := newTestExecutor(t, client, profiles)
	exec, _ := engine.CreateExecution("e1", "linear", time.Now())

	if err := x.Run(context.Background(), "", exec, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	step := exec.StepByAgent("coder")
	if step == nil || step.Result == nil {
		t.Fatalf("expected coder step result, got %+v", step)
	}
	if degraded, _ := step.Result["degraded"].(bool); !degraded {
		t.Fatalf("expected fallback result to be marked degraded, got %+v", step.Result)
	}
	if via, _ := step.Result["via_fallback"].(string); via != "general" {
		t.Fatalf("expected via_fallback=general, got %+v", step.Result)
	}
}

func TestExecutorReportsProgress(t *testing.T) {
	client := newFakeAgentClient()
	x, engine := newTestExecutor(t, client, nil)
	exec, _ := engine.CreateExecution("e1", "linear", time.Now())

	var progresses []Progress
	var mu sync.Mutex
	err := x.Run(context.Background(), "", exec, func(p Progress) {
		mu.Lock()
		progresses = append(progresses, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(progresses) != 2 {
		t.Fatalf("expected 2 progress callbacks, got %d", len(progresses))
	}
	last := progresses[len(progresses)-1]
	if last.CompletedSteps != last.TotalSteps {
		t.Fatalf("expected final progress to be complete, got %+v", last)
	}
}

func TestExecutorCancelBetweenStagesDiscardsRemainingStages(t *testing.T) {
	client := newFakeAgentClient()
	x, engine := newTestExecutor(t, client, nil)
	exec, _ := engine.CreateExecution("e1", "linear", time.Now())

	// Cancel before Run even starts dispatching: the manager is only
	// populated once Register runs inside Run, so cancel from a goroutine
	// racing the first stage boundary check instead.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if err := x.Cancel(context.Background(), "e1", "operator requested stop"); err == nil {
				return
			}
			time.Sleep(time.Microsecond)
		}
	}()

	err := x.Run(context.Background(), "", exec, nil)
	wg.Wait()

	var cancelErr *CancellationError
	if err != nil && !errors.As(err, &cancelErr) {
		t.Fatalf("expected nil or CancellationError, got %v", err)
	}
}

func TestExecutorCancelUnknownExecutionErrors(t *testing.T) {
	client := newFakeAgentClient()
	x, _ := newTestExecutor(t, client, nil)
	if err := x.Cancel(context.Background(), "does-not-exist", "n/a"); err == nil {
		t.Fatalf("expected error cancelling unknown execution")
	}
}

func TestExecutorCachesAgentResponses(t *testing.T) {
	client := newFakeAgentClient()
	x, engine := newTestExecutor(t, client, nil)
	exec, _ := engine.CreateExecution("e1", "linear", time.Now())
	x.Run(context.Background(), "", exec, nil)

	exec2, _ := engine.CreateExecution("e2", "linear", time.Now())
	x.Run(context.Background(), "", exec2, nil)

	if client.calls["coder"] != 1 {
		t.Fatalf("expected second execution to hit cache, coder invoked %d times", client.calls["coder"])
	}
}

func TestExecutorRecordsConversationNoteAndProgressPerStep(t *testing.T) {
	client := newFakeAgentClient()
	taskStore := newTestTaskStore(t)
	x, engine := newTestExecutorWithRecorder(t, client, nil, taskStore)
	exec, _ := engine.CreateExecution("e1", "linear", time.Now())

	ctx := context.Background()
	tk := task.New("t1", "fix the bug", time.Now())
	if err := taskStore.CreateTask(ctx, tk); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := x.Run(ctx, "t1", exec, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	turns, err := taskStore.Conversation(ctx, "t1")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected one conversation turn per step, got %d", len(turns))
	}
	for _, turn := range turns {
		if turn.Role != "assistant" {
			t.Fatalf("expected assistant-role turns, got %q", turn.Role)
		}
	}

	stored, found, err := taskStore.GetTask(ctx, "t1")
	if err != nil || !found {
		t.Fatalf("get task: found=%v err=%v", found, err)
	}
	if stored.Progress != 100 {
		t.Fatalf("expected progress 100 after all steps settled, got %d", stored.Progress)
	}
	if len(stored.ProcessingNotes) != 2 {
		t.Fatalf("expected one processing note per step, got %d", len(stored.ProcessingNotes))
	}
}
