// Package workflow defines the WorkflowExecution/StepExecution lifecycle
// types and the StateStore contract used for checkpointing and
// crash-resume.
package workflow

import "time"

// Status is the closed set of WorkflowExecution lifecycle states.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusSuspended   Status = "suspended"
)

// Mode selects how the Orchestrator drives an execution.
type Mode string

const (
	ModeSync   Mode = "sync"
	ModeAsync  Mode = "async"
	ModeDryRun Mode = "dry_run"
)

// StepStatus is the closed set of StepExecution lifecycle states.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// StepExecution is a tracked unit within an Execution, corresponding to
// one event-processing phase of one worker.
type StepExecution struct {
	StepID     string         `json:"step_id"`
	TaskID     string         `json:"task_id,omitempty"`
	Status     StepStatus     `json:"status"`
	StartTime  *time.Time     `json:"start_time,omitempty"`
	EndTime    *time.Time     `json:"end_time,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	RetryCount int            `json:"retry_count"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Terminal reports whether s is one of the terminal step statuses, per
// the invariant that terminal statuses always set EndTime.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// Execution is owned by the Orchestrator and durably mirrored by
// StateStore. It represents one attempt of a logical workflow.
type Execution struct {
	ID             string                    `json:"id"`
	WorkflowID     string                    `json:"workflow_id"`
	Status         Status                    `json:"status"`
	StartTime      time.Time                 `json:"start_time"`
	EndTime        *time.Time                `json:"end_time,omitempty"`
	Context        map[string]any            `json:"context,omitempty"`
	Mode           Mode                      `json:"mode"`
	StepExecutions map[string]*StepExecution `json:"step_executions,omitempty"`
	Metadata       map[string]any            `json:"metadata,omitempty"`
	SavedAt        time.Time                 `json:"saved_at"`
}

// Terminal reports whether the execution has reached a final state.
func (e *Execution) Terminal() bool {
	switch e.Status {
	case StatusCompleted, StatusFailed, StatusSuspended:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy of e, used by in-memory backends to avoid
// aliasing callers' mutable state (matches the registry store's
// defensive-copy idiom).
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	if e.EndTime != nil {
		t := *e.EndTime
		c.EndTime = &t
	}
	c.Context = cloneMap(e.Context)
	c.Metadata = cloneMap(e.Metadata)
	if e.StepExecutions != nil {
		c.StepExecutions = make(map[string]*StepExecution, len(e.StepExecutions))
		for k, v := range e.StepExecutions {
			sv := *v
			if v.StartTime != nil {
				t := *v.StartTime
				sv.StartTime = &t
			}
			if v.EndTime != nil {
				t := *v.EndTime
				sv.EndTime = &t
			}
			sv.Result = cloneMap(v.Result)
			sv.Metadata = cloneMap(v.Metadata)
			c.StepExecutions[k] = &sv
		}
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
