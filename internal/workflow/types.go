// Package workflow implements the workflow engine: template-driven
// dependency graphs of Steps, staged execution planning, and status-transition
// bookkeeping for a WorkflowExecution.
package workflow

import (
	"time"
)

// StepStatus enumerates a Step's lifecycle.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ExecutionStatus enumerates the derived status of a WorkflowExecution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// TemplateStep is the static definition of one step within a workflow template.
type TemplateStep struct {
	Agent          string
	Task           string // prompt template
	OutputFormat   string
	Dependencies   []string // other agent ids within the same template
	TimeoutSeconds int
	Priority       string
}

// Template is a named workflow definition loaded by id.
type Template struct {
	ID              string
	Name            string
	Description     string
	Steps           []TemplateStep
	AllowReordering bool
}

// Step is one agent invocation inside a live WorkflowExecution.
type Step struct {
	Agent          string
	Task           string
	OutputFormat   string
	Dependencies   []string
	TimeoutSeconds int
	Priority       string

	Status      StepStatus
	Result      map[string]any
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Execution is a WorkflowExecution: a materialized, in-flight run of a Template.
type Execution struct {
	ExecutionID  string
	WorkflowID   string
	Steps        []*Step
	CurrentStage int
	Status       ExecutionStatus
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Summary      string
}

// StepByAgent returns the step for agent, or nil if none exists.
func (e *Execution) StepByAgent(agent string) *Step {
	for _, s := range e.Steps {
		if s.Agent == agent {
			return s
		}
	}
	return nil
}

// recomputeStatus derives Execution.Status from its Steps: completed iff all
// completed or skipped; failed iff any failed; running iff any running and none failed;
// else pending.
func (e *Execution) recomputeStatus() {
	anyFailed, anyRunning, allCompleted := false, false, true
	for _, s := range e.Steps {
		switch s.Status {
		case StepFailed:
			anyFailed = true
		case StepRunning:
			anyRunning = true
		}
		if s.Status != StepCompleted && s.Status != StepSkipped {
			allCompleted = false
		}
	}
	switch {
	case anyFailed:
		e.Status = ExecutionFailed
	case allCompleted:
		e.Status = ExecutionCompleted
	case anyRunning:
		e.Status = ExecutionRunning
	default:
		e.Status = ExecutionPending
	}
}
