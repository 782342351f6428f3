// Package file implements a file-per-execution StateStore backend: one
// JSON document per execution under a root directory, written atomically
// via write-to-temp-then-rename.
package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/develogon/contentpipe/internal/workflow"
)

// Store is a file-per-execution StateStore. Checkpoints are appended to
// a separate per-workflow JSONL file under the same root.
type Store struct {
	root string
	mu   sync.Mutex // serializes writes; reads tolerate concurrent writers by skipping bad files
}

// New constructs a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: dir}, nil
}

func (s *Store) execPath(id string) string {
	return filepath.Join(s.root, sanitize(id)+".json")
}

func (s *Store) checkpointPath(workflowID string) string {
	return filepath.Join(s.root, "checkpoints", sanitize(workflowID)+".jsonl")
}

func sanitize(id string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return replacer.Replace(id)
}

// SaveExecution writes exec to its own file, atomically (write to a
// temp file in the same directory, then rename).
func (s *Store) SaveExecution(ctx context.Context, exec *workflow.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := exec.Clone()
	cp.SavedAt = time.Now()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}

	path := s.execPath(exec.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadExecution reads the execution file for id.
func (s *Store) LoadExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.execPath(id))
	if os.IsNotExist(err) {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var exec workflow.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// DeleteExecution removes the execution file for id, tolerating a
// missing file.
func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.execPath(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ListExecutions scans the root directory, skipping unreadable or
// malformed files without error so concurrent writers don't break
// listing.
func (s *Store) ListExecutions(ctx context.Context, filter workflow.ListFilter) ([]*workflow.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}

	var out []*workflow.Execution
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, entry.Name()))
		if err != nil {
			continue
		}
		var exec workflow.Execution
		if err := json.Unmarshal(data, &exec); err != nil {
			continue
		}
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		e := exec
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CleanupOlderThan removes execution files whose terminal end_time
// predates now-days.
func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	execs, err := s.ListExecutions(ctx, workflow.ListFilter{})
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	removed := 0
	for _, exec := range execs {
		if exec.Terminal() && exec.EndTime != nil && exec.EndTime.Before(cutoff) {
			if err := s.DeleteExecution(ctx, exec.ID); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// SaveCheckpoint appends a checkpoint record to the workflow's
// checkpoint log file.
func (s *Store) SaveCheckpoint(ctx context.Context, workflowID, workerID, phase string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.checkpointPath(workflowID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	cp := workflow.Checkpoint{WorkflowID: workflowID, WorkerID: workerID, Phase: phase, Data: data, SavedAt: time.Now()}
	line, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// LatestCheckpoint returns the last line of the workflow's checkpoint
// log, skipping any trailing malformed line left by a crash mid-write.
func (s *Store) LatestCheckpoint(ctx context.Context, workflowID string) (*workflow.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.checkpointPath(workflowID))
	if os.IsNotExist(err) {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] == "" {
			continue
		}
		var cp workflow.Checkpoint
		if err := json.Unmarshal([]byte(lines[i]), &cp); err != nil {
			continue
		}
		return &cp, nil
	}
	return nil, workflow.ErrNotFound
}
