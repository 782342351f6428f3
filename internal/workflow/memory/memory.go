// Package memory provides an in-memory StateStore implementation
// suitable for tests and single-process development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/develogon/contentpipe/internal/workflow"
)

// Store is a mutex-guarded in-memory StateStore. All returned Executions
// are deep copies so callers cannot mutate the store's internal state.
type Store struct {
	mu          sync.RWMutex
	executions  map[string]*workflow.Execution
	checkpoints map[string][]workflow.Checkpoint // keyed by workflow_id, append-only history
}

// New constructs an empty in-memory Store.
func New() *Store {
	return &Store{
		executions:  make(map[string]*workflow.Execution),
		checkpoints: make(map[string][]workflow.Checkpoint),
	}
}

func (s *Store) SaveExecution(ctx context.Context, exec *workflow.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := exec.Clone()
	cp.SavedAt = time.Now()
	s.executions[exec.ID] = cp
	return nil
}

func (s *Store) LoadExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return exec.Clone(), nil
}

func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.executions, id)
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, filter workflow.ListFilter) ([]*workflow.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workflow.Execution
	for _, exec := range s.executions {
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		out = append(out, exec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -days)
	removed := 0
	for id, exec := range s.executions {
		if exec.Terminal() && exec.EndTime != nil && exec.EndTime.Before(cutoff) {
			delete(s.executions, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, workflowID, workerID, phase string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := workflow.Checkpoint{WorkflowID: workflowID, WorkerID: workerID, Phase: phase, Data: cloneData(data), SavedAt: time.Now()}
	s.checkpoints[workflowID] = append(s.checkpoints[workflowID], cp)
	return nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, workflowID string) (*workflow.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.checkpoints[workflowID]
	if len(history) == 0 {
		return nil, workflow.ErrNotFound
	}
	latest := history[len(history)-1]
	return &latest, nil
}

func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
