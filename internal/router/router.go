// Package router maps a parsed Task onto a workflow template and an ordered
// agent set using configurable routing-rule tables.
package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/swarmguard/emailorch/internal/config"
	"github.com/swarmguard/emailorch/internal/task"
	"github.com/swarmguard/emailorch/internal/workflow"
)

// Context carries the optional per-request routing hints: an explicit
// priority override, an emergency flag, an urgency hint, and a working
// directory. WorkingDirectory is carried on the context only; Route does not
// copy it into the materialized template steps.
type Context struct {
	WorkingDirectory string
	ExplicitPriority task.Priority
	Emergency        bool
	IsUrgentHint     bool
}

// Decision is the routing outcome for a task: which agents handle it and why.
type Decision struct {
	PrimaryAgents   []string
	SecondaryAgents []string
	WorkflowType    string
	Reasoning       string
	Confidence      float64
}

// Plan is the full execution plan produced for a task (TaskExecutionPlan).
type Plan struct {
	TaskID                   string
	Decision                 Decision
	Complexity               string
	Template                 *workflow.Template
	EstimatedDurationSeconds int
	Priority                 task.Priority
	CreatedAt                time.Time
}

var staticWorkflowTemplates = map[string][]workflow.TemplateStep{
	"bug_fix_workflow": {
		{Agent: "bug", Task: "diagnose the reported issue"},
		{Agent: "coder", Task: "implement the fix", Dependencies: []string{"bug"}},
		{Agent: "tester", Task: "verify the fix", Dependencies: []string{"coder"}},
		{Agent: "product", Task: "validate the solution", Dependencies: []string{"tester"}},
	},
	"feature_development": {
		{Agent: "product", Task: "create the specification"},
		{Agent: "coder", Task: "develop the feature", Dependencies: []string{"product"}},
		{Agent: "tester", Task: "test the feature", Dependencies: []string{"coder"}},
		{Agent: "docs", Task: "update documentation", Dependencies: []string{"tester"}},
	},
	"code_review": {
		{Agent: "coder", Task: "review the code"},
		{Agent: "bug", Task: "run a security check", Dependencies: []string{"coder"}},
		{Agent: "product", Task: "provide feedback", Dependencies: []string{"bug"}},
	},
	"emergency_fix": {
		{Agent: "bug", Task: "assess severity"},
		{Agent: "coder", Task: "apply an emergency patch", Dependencies: []string{"bug"}},
	},
}

var intentSpecialist = map[string]string{
	"bug_fixing": "bug",
	"planning":   "product",
}

// Router routes Tasks to agent sets and workflow templates per the configured
// routing rules.
type Router struct {
	cfg *config.Config
}

// New constructs a Router bound to a configuration snapshot.
func New(cfg *config.Config) *Router {
	return &Router{cfg: cfg}
}

// Route analyzes t (with optional context hints) and produces a full
// execution Plan.
func (r *Router) Route(t *task.Task, ctx Context) Plan {
	intent := r.intentFor(t.TaskType)
	complexity := complexityFor(t)
	workflowType := r.selectWorkflowType(intent, ctx)

	recommended := r.recommendedAgents(intent, workflowType)
	primary := selectPrimaryAgents(recommended, intent, complexity)
	secondary := r.selectSecondaryAgents(primary, intent)

	decision := Decision{
		PrimaryAgents:   primary,
		SecondaryAgents: secondary,
		WorkflowType:    workflowType,
		Confidence:      confidenceFor(complexity),
	}
	decision.Reasoning = r.reasoningFor(intent, complexity, primary, t)

	template := r.buildTemplate(workflowType, primary, t)
	duration := estimateDuration(len(template.Steps), complexity)
	priority := r.determinePriority(intent, ctx)

	return Plan{
		TaskID:                   t.TaskID,
		Decision:                 decision,
		Complexity:               complexity,
		Template:                 template,
		EstimatedDurationSeconds: duration,
		Priority:                 priority,
		CreatedAt:                time.Now(),
	}
}

// CatalogTemplates returns the fixed workflow templates known at startup, for
// seeding the workflow template catalog endpoint independent of any routed task.
func CatalogTemplates() []*workflow.Template {
	out := make([]*workflow.Template, 0, len(staticWorkflowTemplates))
	for name, steps := range staticWorkflowTemplates {
		out = append(out, &workflow.Template{ID: name, Name: name, Steps: steps})
	}
	return out
}

func (r *Router) intentFor(tt task.Type) string {
	if intent, ok := r.cfg.TaskTypeIntentMap[string(tt)]; ok {
		return intent
	}
	return "general_assistance"
}

// complexityFor derives a low/medium/high complexity signal from the task's
// requirement surface, standing in for the original's NLU-computed complexity
// score since this repo has no separate NLU analysis component.
func complexityFor(t *task.Task) string {
	items := len(t.Deliverables) + len(t.SuccessCriteria) + len(t.Dependencies)
	switch {
	case t.Priority == task.PriorityUrgent || items >= 5:
		return "high"
	case items >= 2 || len(t.Tags) >= 3:
		return "medium"
	default:
		return "low"
	}
}

func (r *Router) selectWorkflowType(intent string, ctx Context) string {
	if ctx.Emergency {
		return "emergency_fix"
	}
	if wt, ok := r.cfg.IntentWorkflowMap[intent]; ok {
		return wt
	}
	return "feature_development"
}

// recommendedAgents lists the candidate agents for a routing decision. When a
// static workflow template matches, its step agents (in step order) are the
// recommendation, since that template already encodes which specialties a
// task of this shape needs; otherwise agents are matched by capability.
func (r *Router) recommendedAgents(intent, workflowType string) []string {
	if steps, ok := staticWorkflowTemplates[workflowType]; ok {
		var out []string
		for _, s := range steps {
			if !contains(out, s.Agent) {
				out = append(out, s.Agent)
			}
		}
		return out
	}

	var out []string
	for _, id := range r.cfg.AgentOrder {
		profile := r.cfg.Agents[id]
		for _, cap := range profile.Capabilities {
			if cap == intent {
				out = append(out, id)
				break
			}
		}
	}
	if len(out) == 0 {
		out = append(out, "general")
	}
	return out
}

// selectPrimaryAgents caps the recommended list by complexity and ensures the
// intent's specialist agent is present for high-complexity tasks.
func selectPrimaryAgents(recommended []string, intent, complexity string) []string {
	switch complexity {
	case "low":
		return recommended[:1]
	case "medium":
		n := len(recommended)
		if n > 3 {
			n = 3
		}
		return append([]string{}, recommended[:n]...)
	default:
		n := len(recommended)
		if n > 4 {
			n = 4
		}
		agents := append([]string{}, recommended[:n]...)
		if specialist, ok := intentSpecialist[intent]; ok && !contains(agents, specialist) {
			agents = append(agents, specialist)
		}
		if len(agents) > 4 {
			agents = agents[:4]
		}
		return agents
	}
}

// selectSecondaryAgents returns up to two agents not already selected as
// primary, ordered by intent relevance.
func (r *Router) selectSecondaryAgents(primary []string, intent string) []string {
	var secondary []string
	for _, id := range r.cfg.AgentOrder {
		if !contains(primary, id) {
			secondary = append(secondary, id)
		}
	}
	preferred := ""
	switch intent {
	case "bug_fixing":
		preferred = "coder"
	case "code_development":
		preferred = "bug"
	}
	if preferred != "" {
		for i, id := range secondary {
			if id == preferred && i != 0 {
				secondary[0], secondary[i] = secondary[i], secondary[0]
				break
			}
		}
	}
	if len(secondary) > 2 {
		secondary = secondary[:2]
	}
	return secondary
}

func (r *Router) reasoningFor(intent, complexity string, agents []string, t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Based on the %s intent with %s complexity, selected %s for this task.",
		strings.ReplaceAll(intent, "_", " "), complexity, strings.Join(agents, ", "))
	if len(t.Tags) > 0 {
		fmt.Fprintf(&b, " Tags detected: %s.", strings.Join(t.Tags, ", "))
	}
	return b.String()
}

func confidenceFor(complexity string) float64 {
	switch complexity {
	case "low":
		return 0.9
	case "medium":
		return 0.75
	default:
		return 0.6
	}
}

// buildTemplate materializes a workflow.Template for workflowType: the
// matching static template if one is configured, else a dynamic
// analyze/execute/verify plan seeded from the task's primary agents.
func (r *Router) buildTemplate(workflowType string, primary []string, t *task.Task) *workflow.Template {
	steps, ok := staticWorkflowTemplates[workflowType]
	if !ok {
		steps = dynamicSteps(primary)
	}
	prompt := t.Title
	if t.Description != "" {
		prompt = t.Title + "\n\n" + t.Description
	}
	materialized := make([]workflow.TemplateStep, len(steps))
	for i, s := range steps {
		materialized[i] = s
		materialized[i].Task = fmt.Sprintf("%s: %s", s.Task, prompt)
	}
	return &workflow.Template{
		ID:    fmt.Sprintf("%s:%s", workflowType, t.TaskID),
		Name:  workflowType,
		Steps: materialized,
	}
}

// dynamicSteps builds the analyze->execute->verify fallback plan used when no
// static template matches the workflow type. Steps are keyed one-per-agent
// (the engine identifies a Step by its Agent), so a lone primary agent gets a
// single combined analyze-and-implement step rather than two steps that would
// collide on the same agent id.
func dynamicSteps(primary []string) []workflow.TemplateStep {
	if len(primary) == 0 {
		primary = []string{"general"}
	}
	steps := []workflow.TemplateStep{
		{Agent: primary[0], Task: "analyze the requirements and implement the solution"},
	}
	if len(primary) > 1 {
		steps = append(steps, workflow.TemplateStep{
			Agent: primary[1], Task: "verify the implementation", Dependencies: []string{primary[0]},
		})
	}
	return steps
}

func estimateDuration(stepCount int, complexity string) int {
	base := 60 + 30*stepCount
	multiplier := map[string]int{"low": 1, "medium": 2, "high": 3}[complexity]
	if multiplier == 0 {
		multiplier = 1
	}
	return base * multiplier
}

// determinePriority applies explicit-context-override > urgency-hint >
// intent-based default, per the unconditional context-priority precedence.
func (r *Router) determinePriority(intent string, ctx Context) task.Priority {
	if ctx.ExplicitPriority != "" {
		return ctx.ExplicitPriority
	}
	if ctx.IsUrgentHint {
		return task.PriorityHigh
	}
	if p, ok := r.cfg.IntentPriorityMap[intent]; ok {
		return task.Priority(p)
	}
	return task.PriorityMedium
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
