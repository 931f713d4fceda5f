package router

import (
	"testing"
	"time"

	"github.com/swarmguard/emailorch/internal/config"
	"github.com/swarmguard/emailorch/internal/task"
)

func newRouter() *Router {
	return New(config.Load())
}

func TestRouteSelectsBugFixWorkflowForBugReport(t *testing.T) {
	r := newRouter()
	tk := task.New("t1", "Fix login crash", time.Now())
	tk.TaskType = task.TypeBugReport
	tk.Priority = task.PriorityUrgent

	plan := r.Route(tk, Context{})
	if plan.Decision.WorkflowType != "bug_fix_workflow" {
		t.Fatalf("expected bug_fix_workflow, got %s", plan.Decision.WorkflowType)
	}
	if plan.Template.Name != "bug_fix_workflow" {
		t.Fatalf("expected template bound to workflow type, got %s", plan.Template.Name)
	}
}

func TestRouteEmergencyOverridesWorkflowSelection(t *testing.T) {
	r := newRouter()
	tk := task.New("t2", "Fix the down payment service", time.Now())
	tk.TaskType = task.TypeDocumentation // would otherwise route to feature_development

	plan := r.Route(tk, Context{Emergency: true})
	if plan.Decision.WorkflowType != "emergency_fix" {
		t.Fatalf("expected emergency override, got %s", plan.Decision.WorkflowType)
	}
}

func TestRouteComplexityScalesPrimaryAgentCount(t *testing.T) {
	r := newRouter()

	low := task.New("t3", "Quick doc tweak", time.Now())
	low.TaskType = task.TypeDocumentation
	lowPlan := r.Route(low, Context{})
	if len(lowPlan.Decision.PrimaryAgents) != 1 {
		t.Fatalf("expected 1 primary agent for low complexity, got %v", lowPlan.Decision.PrimaryAgents)
	}

	high := task.New("t4", "Rework the auth subsystem", time.Now())
	high.TaskType = task.TypeFeatureRequest
	high.Priority = task.PriorityUrgent
	highPlan := r.Route(high, Context{})
	if len(highPlan.Decision.PrimaryAgents) < 2 {
		t.Fatalf("expected multiple primary agents for high complexity, got %v", highPlan.Decision.PrimaryAgents)
	}
}

func TestRoutePriorityPrecedence(t *testing.T) {
	r := newRouter()
	tk := task.New("t5", "Write the onboarding guide", time.Now())
	tk.TaskType = task.TypeDocumentation

	withOverride := r.Route(tk, Context{ExplicitPriority: task.PriorityLow})
	if withOverride.Priority != task.PriorityLow {
		t.Fatalf("expected explicit override to win, got %s", withOverride.Priority)
	}

	withHint := r.Route(tk, Context{IsUrgentHint: true})
	if withHint.Priority != task.PriorityHigh {
		t.Fatalf("expected urgency hint to win absent override, got %s", withHint.Priority)
	}

	byDefault := r.Route(tk, Context{})
	if byDefault.Priority != task.PriorityLow {
		t.Fatalf("expected intent-based default (low for documentation), got %s", byDefault.Priority)
	}
}

func TestRouteEstimatesDurationFromStepsAndComplexity(t *testing.T) {
	r := newRouter()
	tk := task.New("t6", "Review this PR", time.Now())
	tk.TaskType = task.TypeCodeReview

	plan := r.Route(tk, Context{})
	want := (60 + 30*len(plan.Template.Steps)) * map[string]int{"low": 1, "medium": 2, "high": 3}[plan.Complexity]
	if plan.EstimatedDurationSeconds != want {
		t.Fatalf("expected duration %d, got %d", want, plan.EstimatedDurationSeconds)
	}
}

func TestRouteTemplateStepsHaveDistinctAgents(t *testing.T) {
	r := newRouter()
	tk := task.New("t7", "Look into why builds are slow", time.Now())
	tk.TaskType = task.TypeInvestigation

	plan := r.Route(tk, Context{})
	seen := map[string]bool{}
	for _, s := range plan.Template.Steps {
		if seen[s.Agent] {
			t.Fatalf("duplicate agent %s across steps in template %v", s.Agent, plan.Template.Steps)
		}
		seen[s.Agent] = true
	}
}

func TestDynamicStepsCollapsesSingleAgentToOneStep(t *testing.T) {
	steps := dynamicSteps([]string{"general"})
	if len(steps) != 1 {
		t.Fatalf("expected a single combined step for one agent, got %v", steps)
	}
}

func TestDynamicStepsAddsVerifyStepForSecondAgent(t *testing.T) {
	steps := dynamicSteps([]string{"coder", "tester"})
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %v", steps)
	}
	if steps[1].Agent != "tester" || len(steps[1].Dependencies) != 1 || steps[1].Dependencies[0] != "coder" {
		t.Fatalf("expected verify step to depend on the first agent, got %+v", steps[1])
	}
}
