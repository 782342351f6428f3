// Package redisstore implements the optional Redis-backed StateStore
// named by the `state.redis_url` configuration key.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/develogon/contentpipe/internal/workflow"
	"github.com/redis/go-redis/v9"
)

const (
	execKeyPrefix       = "contentpipe:exec:"
	execIndexKey        = "contentpipe:exec:index"
	checkpointKeyPrefix = "contentpipe:checkpoint:"
)

// Store is a StateStore backed by a single Redis instance. Executions
// are stored as JSON strings keyed by id, with their ids additionally
// tracked in a set for listing.
type Store struct {
	client *redis.Client
}

// New constructs a Store from an already-configured redis.Client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) SaveExecution(ctx context.Context, exec *workflow.Execution) error {
	cp := exec.Clone()
	cp.SavedAt = time.Now()
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, execKeyPrefix+exec.ID, data, 0)
	pipe.SAdd(ctx, execIndexKey, exec.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) LoadExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	data, err := s.client.Get(ctx, execKeyPrefix+id).Bytes()
	if err == redis.Nil {
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

func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, execKeyPrefix+id)
	pipe.SRem(ctx, execIndexKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) ListExecutions(ctx context.Context, filter workflow.ListFilter) ([]*workflow.Execution, error) {
	ids, err := s.client.SMembers(ctx, execIndexKey).Result()
	if err != nil {
		return nil, err
	}
	var out []*workflow.Execution
	for _, id := range ids {
		exec, err := s.LoadExecution(ctx, id)
		if err != nil {
			continue
		}
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		out = append(out, exec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

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

func (s *Store) SaveCheckpoint(ctx context.Context, workflowID, workerID, phase string, data map[string]any) error {
	cp := workflow.Checkpoint{WorkflowID: workflowID, WorkerID: workerID, Phase: phase, Data: data, SavedAt: time.Now()}
	encoded, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, fmt.Sprintf("%s%s", checkpointKeyPrefix, workflowID), encoded).Err()
}

func (s *Store) LatestCheckpoint(ctx context.Context, workflowID string) (*workflow.Checkpoint, error) {
	data, err := s.client.LIndex(ctx, fmt.Sprintf("%s%s", checkpointKeyPrefix, workflowID), -1).Bytes()
	if err == redis.Nil {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cp workflow.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
