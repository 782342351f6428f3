package workflow_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/develogon/contentpipe/internal/workflow"
	"github.com/develogon/contentpipe/internal/workflow/file"
	"github.com/develogon/contentpipe/internal/workflow/memory"
	"github.com/stretchr/testify/require"
)

func sampleExecution(id string) *workflow.Execution {
	start := time.Now().Truncate(time.Second)
	end := start.Add(time.Minute)
	return &workflow.Execution{
		ID:         id,
		WorkflowID: "wf-1",
		Status:     workflow.StatusCompleted,
		StartTime:  start,
		EndTime:    &end,
		Context:    map[string]any{"title": "Doc"},
		Mode:       workflow.ModeSync,
		StepExecutions: map[string]*workflow.StepExecution{
			"parser": {
				StepID:     "parser",
				Status:     workflow.StepCompleted,
				StartTime:  &start,
				EndTime:    &end,
				Result:     map[string]any{"chapters": float64(1)},
				RetryCount: 0,
			},
		},
		Metadata: map[string]any{"trace_id": "t-1"},
	}
}

func testStateStoreRoundTrip(t *testing.T, store workflow.StateStore) {
	t.Helper()
	ctx := context.Background()
	exec := sampleExecution("exec-1")

	require.NoError(t, store.SaveExecution(ctx, exec))

	loaded, err := store.LoadExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, exec.ID, loaded.ID)
	require.Equal(t, exec.WorkflowID, loaded.WorkflowID)
	require.Equal(t, exec.Status, loaded.Status)
	require.Equal(t, exec.Mode, loaded.Mode)
	require.Len(t, loaded.StepExecutions, 1)
	require.Equal(t, workflow.StepCompleted, loaded.StepExecutions["parser"].Status)

	list, err := store.ListExecutions(ctx, workflow.ListFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, store.SaveCheckpoint(ctx, "wf-1", "parser", "started", map[string]any{"step": "1"}))
	require.NoError(t, store.SaveCheckpoint(ctx, "wf-1", "parser", "completed", map[string]any{"step": "2"}))
	latest, err := store.LatestCheckpoint(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, "completed", latest.Phase)

	require.NoError(t, store.DeleteExecution(ctx, "exec-1"))
	_, err = store.LoadExecution(ctx, "exec-1")
	require.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	testStateStoreRoundTrip(t, memory.New())
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := file.New(t.TempDir())
	require.NoError(t, err)
	testStateStoreRoundTrip(t, store)
}

func TestFileStoreListSkipsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := file.New(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.SaveExecution(ctx, sampleExecution("good")))

	// Simulate a partially-written file from a concurrent writer.
	require.NoError(t, os.WriteFile(dir+"/bad.json", []byte("{not json"), 0o644))

	list, err := store.ListExecutions(ctx, workflow.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "good", list[0].ID)
}
