package workflow

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/emailorch/internal/apperr"
	"github.com/swarmguard/emailorch/internal/otelinit"
)

// TemplateStore is the read side of the workflow template catalog. A static
// in-memory map is provided for tests and for templates seeded at startup.
type TemplateStore interface {
	Get(id string) (*Template, bool)
	List() []*Template
}

// StaticTemplateStore is a fixed, in-memory template catalog.
type StaticTemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewStaticTemplateStore constructs a catalog from the given templates, keyed by ID.
func NewStaticTemplateStore(templates ...*Template) *StaticTemplateStore {
	s := &StaticTemplateStore{templates: make(map[string]*Template, len(templates))}
	for _, t := range templates {
		s.templates[t.ID] = t
	}
	return s
}

// Put registers or replaces a template, used to seed the catalog at startup and
// to register the ad hoc per-task templates the router materializes at request time.
func (s *StaticTemplateStore) Put(t *Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
}

func (s *StaticTemplateStore) Get(id string) (*Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	return t, ok
}

func (s *StaticTemplateStore) List() []*Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	return out
}

// Engine turns a Template into a materialized Execution, computes staged
// execution plans over the Step dependency DAG, and owns all
// Step/Execution status transitions.
type Engine struct {
	templates TemplateStore

	mu              sync.Mutex
	executions      map[string]*Execution
	stageComputeDur metric.Float64Histogram
}

// NewEngine constructs a workflow engine reading templates from store.
func NewEngine(store TemplateStore) *Engine {
	meter := otel.Meter(otelinit.MeterName)
	dur, _ := meter.Float64Histogram("emailorch_workflow_stage_compute_ms")
	return &Engine{
		templates:       store,
		executions:      make(map[string]*Execution),
		stageComputeDur: dur,
	}
}

// CreateExecution materializes a pending Execution from a template.
func (e *Engine) CreateExecution(executionID, templateID string, now time.Time) (*Execution, error) {
	tmpl, ok := e.templates.Get(templateID)
	if !ok {
		return nil, &apperr.NotFoundError{Kind: "workflow_template", ID: templateID}
	}
	steps := make([]*Step, 0, len(tmpl.Steps))
	for _, ts := range tmpl.Steps {
		steps = append(steps, &Step{
			Agent:          ts.Agent,
			Task:           ts.Task,
			OutputFormat:   ts.OutputFormat,
			Dependencies:   append([]string(nil), ts.Dependencies...),
			TimeoutSeconds: ts.TimeoutSeconds,
			Priority:       ts.Priority,
			Status:         StepPending,
		})
	}
	exec := &Execution{
		ExecutionID: executionID,
		WorkflowID:  templateID,
		Steps:       steps,
		Status:      ExecutionPending,
		StartedAt:   &now,
	}
	exec.recomputeStatus()

	e.mu.Lock()
	e.executions[executionID] = exec
	e.mu.Unlock()
	return exec, nil
}

// GetExecutionStages topologically partitions an Execution's Steps into stages:
// in each round, every pending step whose dependencies are all completed is
// emitted together. Raises ErrCyclicDependency if a round yields nothing while
// pending steps remain (S5/property 6).
func (e *Engine) GetExecutionStages(exec *Execution) ([][]*Step, error) {
	start := time.Now()
	defer func() {
		e.stageComputeDur.Record(context.Background(), float64(time.Since(start).Milliseconds()))
	}()

	remaining := make(map[string]*Step, len(exec.Steps))
	for _, s := range exec.Steps {
		remaining[s.Agent] = s
	}

	var stages [][]*Step
	done := make(map[string]bool)
	for len(remaining) > 0 {
		var stage []*Step
		for _, s := range remaining {
			if dependenciesSatisfied(s, done) {
				stage = append(stage, s)
			}
		}
		if len(stage) == 0 {
			return nil, apperr.ErrCyclicDependency
		}
		for _, s := range stage {
			delete(remaining, s.Agent)
			done[s.Agent] = true
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func dependenciesSatisfied(s *Step, done map[string]bool) bool {
	for _, dep := range s.Dependencies {
		if !done[dep] {
			return false
		}
	}
	return true
}

// ReadySteps returns the steps currently eligible to run: pending, with every
// dependency agent at status=completed.
func (e *Engine) ReadySteps(exec *Execution) []*Step {
	completed := make(map[string]bool)
	for _, s := range exec.Steps {
		if s.Status == StepCompleted {
			completed[s.Agent] = true
		}
	}
	var ready []*Step
	for _, s := range exec.Steps {
		if s.Status == StepPending && dependenciesSatisfied(s, completed) {
			ready = append(ready, s)
		}
	}
	return ready
}

// UpdateStepStatus atomically transitions one step and recomputes the derived
// execution status.
func (e *Engine) UpdateStepStatus(exec *Execution, agent string, status StepStatus, result map[string]any, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	step := exec.StepByAgent(agent)
	if step == nil {
		return &apperr.NotFoundError{Kind: "workflow_step", ID: agent}
	}
	step.Status = status
	if result != nil {
		step.Result = result
	}
	switch status {
	case StepRunning:
		step.StartedAt = &now
	case StepCompleted, StepFailed, StepSkipped:
		step.CompletedAt = &now
	}
	exec.recomputeStatus()
	if exec.Status == ExecutionCompleted || exec.Status == ExecutionFailed {
		exec.CompletedAt = &now
	}
	return nil
}

// ReorderSteps permits reordering only when the template allows it and the new
// order still satisfies every dependency (a dependency must precede its dependent).
// Unspecified allow_reordering defaults to refuse, per the resolved open question.
func (e *Engine) ReorderSteps(exec *Execution, allowReordering bool, newOrder []string) error {
	if !allowReordering {
		return apperr.ErrReorderRefused
	}
	if len(newOrder) != len(exec.Steps) {
		return apperr.ErrReorderRefused
	}
	position := make(map[string]int, len(newOrder))
	for i, agent := range newOrder {
		position[agent] = i
	}
	for _, s := range exec.Steps {
		for _, dep := range s.Dependencies {
			if position[dep] >= position[s.Agent] {
				return apperr.ErrReorderRefused
			}
		}
	}
	reordered := make([]*Step, 0, len(newOrder))
	for _, agent := range newOrder {
		if step := exec.StepByAgent(agent); step != nil {
			reordered = append(reordered, step)
		}
	}
	exec.Steps = reordered
	return nil
}

// Report is an execution snapshot: per-step timings and durations.
type Report struct {
	ExecutionID string
	WorkflowID  string
	Status      ExecutionStatus
	Steps       []StepReport
}

// StepReport captures one step's timing for the report.
type StepReport struct {
	Agent    string
	Status   StepStatus
	Started  *time.Time
	Ended    *time.Time
	Duration time.Duration
}

// ExportReport snapshots an Execution with per-step timings and durations.
func (e *Engine) ExportReport(exec *Execution) Report {
	report := Report{ExecutionID: exec.ExecutionID, WorkflowID: exec.WorkflowID, Status: exec.Status}
	for _, s := range exec.Steps {
		sr := StepReport{Agent: s.Agent, Status: s.Status, Started: s.StartedAt, Ended: s.CompletedAt}
		if s.StartedAt != nil && s.CompletedAt != nil {
			sr.Duration = s.CompletedAt.Sub(*s.StartedAt)
		}
		report.Steps = append(report.Steps, sr)
	}
	return report
}

// Get returns a previously created execution by id.
func (e *Engine) Get(executionID string) (*Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[executionID]
	return exec, ok
}
