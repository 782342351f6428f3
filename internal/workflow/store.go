package workflow

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates that no execution (or checkpoint) exists for the
// given identifier.
var ErrNotFound = errors.New("workflow: not found")

// ListFilter narrows StateStore.ListExecutions results.
type ListFilter struct {
	WorkflowID string
	Status     Status
	Limit      int
}

// Checkpoint captures a worker's progress marker at a given phase,
// keyed by (workflow_id, worker_id, phase).
type Checkpoint struct {
	WorkflowID string
	WorkerID   string
	Phase      string
	Data       map[string]any
	SavedAt    time.Time
}

// StateStore persists executions and checkpoints durably, providing
// crash-resume and idempotent replay.
type StateStore interface {
	SaveExecution(ctx context.Context, exec *Execution) error
	LoadExecution(ctx context.Context, id string) (*Execution, error)
	DeleteExecution(ctx context.Context, id string) error
	ListExecutions(ctx context.Context, filter ListFilter) ([]*Execution, error)
	CleanupOlderThan(ctx context.Context, days int) (int, error)

	SaveCheckpoint(ctx context.Context, workflowID, workerID, phase string, data map[string]any) error
	LatestCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error)
}
