package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/swarmguard/emailorch/internal/apperr"
)

func reviewTemplate() *Template {
	return &Template{
		ID:   "code_review",
		Name: "Code Review",
		Steps: []TemplateStep{
			{Agent: "coder", Task: "implement"},
			{Agent: "tester", Task: "write tests", Dependencies: []string{"coder"}},
			{Agent: "docs", Task: "document", Dependencies: []string{"coder"}},
			{Agent: "reviewer", Task: "review", Dependencies: []string{"tester", "docs"}},
		},
	}
}

func TestCreateExecutionMaterializesPendingSteps(t *testing.T) {
	store := NewStaticTemplateStore(reviewTemplate())
	eng := NewEngine(store)

	exec, err := eng.CreateExecution("exec-1", "code_review", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exec.Steps) != 4 {
		t.Fatalf("expected 4 steps, got %d", len(exec.Steps))
	}
	for _, s := range exec.Steps {
		if s.Status != StepPending {
			t.Fatalf("expected all steps pending, agent %s was %s", s.Agent, s.Status)
		}
	}
	if exec.Status != ExecutionPending {
		t.Fatalf("expected pending execution status, got %s", exec.Status)
	}
}

func TestCreateExecutionUnknownTemplate(t *testing.T) {
	eng := NewEngine(NewStaticTemplateStore())
	_, err := eng.CreateExecution("exec-1", "missing", time.Now())
	var nf *apperr.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestGetExecutionStagesOrdersByDependency(t *testing.T) {
	eng := NewEngine(NewStaticTemplateStore(reviewTemplate()))
	exec, _ := eng.CreateExecution("exec-1", "code_review", time.Now())

	stages, err := eng.GetExecutionStages(exec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(stages))
	}
	if len(stages[0]) != 1 || stages[0][0].Agent != "coder" {
		t.Fatalf("expected stage 0 = [coder], got %v", stages[0])
	}
	if len(stages[1]) != 2 {
		t.Fatalf("expected stage 1 to contain tester and docs in parallel, got %d entries", len(stages[1]))
	}
	if len(stages[2]) != 1 || stages[2][0].Agent != "reviewer" {
		t.Fatalf("expected stage 2 = [reviewer], got %v", stages[2])
	}
}

func TestGetExecutionStagesDetectsCycle(t *testing.T) {
	tmpl := &Template{
		ID: "cyclic",
		Steps: []TemplateStep{
			{Agent: "a", Dependencies: []string{"b"}},
			{Agent: "b", Dependencies: []string{"a"}},
		},
	}
	eng := NewEngine(NewStaticTemplateStore(tmpl))
	exec, _ := eng.CreateExecution("exec-1", "cyclic", time.Now())

	_, err := eng.GetExecutionStages(exec)
	if !errors.Is(err, apperr.ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
}

func TestUpdateStepStatusRecomputesExecutionStatus(t *testing.T) {
	eng := NewEngine(NewStaticTemplateStore(reviewTemplate()))
	exec, _ := eng.CreateExecution("exec-1", "code_review", time.Now())

	now := time.Now()
	if err := eng.UpdateStepStatus(exec, "coder", StepRunning, nil, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.Status != ExecutionRunning {
		t.Fatalf("expected running, got %s", exec.Status)
	}

	if err := eng.UpdateStepStatus(exec, "coder", StepFailed, nil, now.Add(time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.Status != ExecutionFailed {
		t.Fatalf("expected failed once any step fails, got %s", exec.Status)
	}
	if exec.CompletedAt == nil {
		t.Fatalf("expected CompletedAt to be stamped on terminal status")
	}
}

func TestReadySteps(t *testing.T) {
	eng := NewEngine(NewStaticTemplateStore(reviewTemplate()))
	exec, _ := eng.CreateExecution("exec-1", "code_review", time.Now())

	ready := eng.ReadySteps(exec)
	if len(ready) != 1 || ready[0].Agent != "coder" {
		t.Fatalf("expected only coder ready initially, got %v", ready)
	}

	eng.UpdateStepStatus(exec, "coder", StepCompleted, nil, time.Now())
	ready = eng.ReadySteps(exec)
	if len(ready) != 2 {
		t.Fatalf("expected tester and docs ready after coder completes, got %d", len(ready))
	}
}

func TestReorderStepsRefusedWhenTemplateDisallows(t *testing.T) {
	eng := NewEngine(NewStaticTemplateStore(reviewTemplate()))
	exec, _ := eng.CreateExecution("exec-1", "code_review", time.Now())

	err := eng.ReorderSteps(exec, false, []string{"reviewer", "coder", "tester", "docs"})
	if !errors.Is(err, apperr.ErrReorderRefused) {
		t.Fatalf("expected ErrReorderRefused, got %v", err)
	}
}

func TestReorderStepsRefusedWhenViolatingDependency(t *testing.T) {
	eng := NewEngine(NewStaticTemplateStore(reviewTemplate()))
	exec, _ := eng.CreateExecution("exec-1", "code_review", time.Now())

	err := eng.ReorderSteps(exec, true, []string{"reviewer", "coder", "tester", "docs"})
	if !errors.Is(err, apperr.ErrReorderRefused) {
		t.Fatalf("expected ErrReorderRefused when order violates dependency, got %v", err)
	}
}

func TestReorderStepsAcceptsValidOrderWhenAllowed(t *testing.T) {
	eng := NewEngine(NewStaticTemplateStore(reviewTemplate()))
	exec, _ := eng.CreateExecution("exec-1", "code_review", time.Now())

	err := eng.ReorderSteps(exec, true, []string{"coder", "docs", "tester", "reviewer"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.Steps[1].Agent != "docs" {
		t.Fatalf("expected reordered steps to reflect new order, got %v", exec.Steps)
	}
}

func TestExportReportIncludesPerStepDuration(t *testing.T) {
	eng := NewEngine(NewStaticTemplateStore(reviewTemplate()))
	exec, _ := eng.CreateExecution("exec-1", "code_review", time.Now())

	start := time.Now()
	eng.UpdateStepStatus(exec, "coder", StepRunning, nil, start)
	eng.UpdateStepStatus(exec, "coder", StepCompleted, map[string]any{"diff": "ok"}, start.Add(2*time.Second))

	report := eng.ExportReport(exec)
	var found bool
	for _, sr := range report.Steps {
		if sr.Agent == "coder" {
			found = true
			if sr.Duration != 2*time.Second {
				t.Fatalf("expected 2s duration, got %v", sr.Duration)
			}
		}
	}
	if !found {
		t.Fatalf("expected coder step in report")
	}
}
