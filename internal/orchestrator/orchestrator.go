// Package orchestrator drives Executions end to end: it starts a
// workflow by publishing WORKFLOW_STARTED, watches the bus for terminal
// events, and exposes resume/cancel against the StateStore for
// crash-recovery.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/develogon/contentpipe/internal/event"
	"github.com/develogon/contentpipe/internal/telemetry"
	"github.com/develogon/contentpipe/internal/workflow"
)

// Config configures the Orchestrator's watchdog.
type Config struct {
	// WatchdogTimeout bounds how long Run blocks in sync mode waiting
	// for a terminal event before returning ErrWatchdogTimeout.
	WatchdogTimeout time.Duration
}

// ErrWatchdogTimeout is returned by Run (sync mode) when no terminal
// event arrives within the configured watchdog window.
var ErrWatchdogTimeout = fmt.Errorf("orchestrator: watchdog timeout waiting for terminal event")

// Orchestrator is the single entry point for starting, resuming, and
// cancelling Executions.
type Orchestrator struct {
	cfg    Config
	bus    *event.Bus
	state  workflow.StateStore
	logger telemetry.Logger

	mu        sync.Mutex
	listeners map[string]chan *workflow.Execution
}

// New constructs an Orchestrator over bus/state.
func New(cfg Config, bus *event.Bus, state workflow.StateStore, logger telemetry.Logger) *Orchestrator {
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = time.Hour
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	o := &Orchestrator{cfg: cfg, bus: bus, state: state, logger: logger, listeners: make(map[string]chan *workflow.Execution)}
	o.wireTerminalEvents()
	return o
}

// wireTerminalEvents subscribes to the three terminal event types once,
// routing each to the pending execution's state plus any waiting Run
// call's completion channel.
func (o *Orchestrator) wireTerminalEvents() {
	o.bus.Subscribe(event.WorkflowCompleted, o.onTerminal(workflow.StatusCompleted))
	o.bus.Subscribe(event.WorkflowFailed, o.onTerminal(workflow.StatusFailed))
	o.bus.Subscribe(event.WorkflowSuspended, o.onTerminal(workflow.StatusSuspended))
}

func (o *Orchestrator) onTerminal(status workflow.Status) event.Handler {
	return func(ctx context.Context, e event.Event) error {
		exec, err := o.executionForWorkflow(ctx, e.WorkflowID)
		if err != nil {
			return nil // no tracked execution for this workflow id; nothing to finalize
		}
		now := time.Now()
		exec.Status = status
		exec.EndTime = &now
		if err := o.state.SaveExecution(ctx, exec); err != nil {
			o.logger.Error("failed to save terminal execution state", "workflow_id", e.WorkflowID, "error", err.Error())
		}
		o.notify(exec)
		return nil
	}
}

// executionForWorkflow finds the live execution for a workflow id.
// Terminal events carry the workflow id, not the execution id, so the
// lookup goes through the store's workflow index; the most recent
// non-terminal attempt wins.
func (o *Orchestrator) executionForWorkflow(ctx context.Context, workflowID string) (*workflow.Execution, error) {
	execs, err := o.state.ListExecutions(ctx, workflow.ListFilter{WorkflowID: workflowID})
	if err != nil {
		return nil, err
	}
	for i := len(execs) - 1; i >= 0; i-- {
		if !execs[i].Terminal() {
			return execs[i], nil
		}
	}
	return nil, workflow.ErrNotFound
}

func (o *Orchestrator) notify(exec *workflow.Execution) {
	o.mu.Lock()
	ch, ok := o.listeners[exec.ID]
	o.mu.Unlock()
	if ok {
		select {
		case ch <- exec:
		default:
		}
	}
}

// Options configures one Run call.
type Options struct {
	Title string
	Mode  workflow.Mode
}

// Run creates a new Execution, emits WORKFLOW_STARTED, and returns it.
// In workflow.ModeSync it blocks until a terminal event arrives or the
// watchdog timeout elapses; in workflow.ModeAsync it returns
// immediately after publishing. workflow.ModeDryRun never publishes:
// the pipeline has no handlers registered for a dry run's steps, so
// each would-be step records {dry_run: true} and completes.
func (o *Orchestrator) Run(ctx context.Context, source string, opts Options) (*workflow.Execution, error) {
	mode := opts.Mode
	if mode == "" {
		mode = workflow.ModeSync
	}

	traceID := uuid.NewString()
	exec := &workflow.Execution{
		ID:         uuid.NewString(),
		WorkflowID: uuid.NewString(),
		Status:     workflow.StatusRunning,
		StartTime:  time.Now(),
		Mode:       mode,
		Context:    map[string]any{"source": source, "title": opts.Title},
		Metadata:   map[string]any{"trace_id": traceID},
	}

	if mode == workflow.ModeDryRun {
		now := time.Now()
		exec.Status = workflow.StatusCompleted
		exec.EndTime = &now
		exec.StepExecutions = map[string]*workflow.StepExecution{
			"workflow_started": {
				StepID:    "workflow_started",
				Status:    workflow.StepCompleted,
				StartTime: &exec.StartTime,
				EndTime:   &now,
				Result:    map[string]any{"dry_run": true},
			},
		}
		if err := o.state.SaveExecution(ctx, exec); err != nil {
			return nil, fmt.Errorf("orchestrator: save dry-run execution: %w", err)
		}
		return exec, nil
	}

	if err := o.state.SaveExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("orchestrator: save execution: %w", err)
	}

	done := make(chan *workflow.Execution, 1)
	o.mu.Lock()
	o.listeners[exec.ID] = done
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.listeners, exec.ID)
		o.mu.Unlock()
	}()

	if err := o.bus.Publish(event.Event{
		ID:         uuid.NewString(),
		Type:       event.WorkflowStarted,
		WorkflowID: exec.WorkflowID,
		TraceID:    traceID,
		CreatedAt:  time.Now(),
		Payload:    event.PayloadWorkflowStarted{Title: opts.Title, Text: source},
	}); err != nil {
		return nil, fmt.Errorf("orchestrator: publish workflow_started: %w", err)
	}

	if mode != workflow.ModeSync {
		return exec, nil
	}

	select {
	case final := <-done:
		return final, nil
	case <-time.After(o.cfg.WatchdogTimeout):
		return o.failDeadline(ctx, exec), ErrWatchdogTimeout
	case <-ctx.Done():
		return exec, ctx.Err()
	}
}

// failDeadline marks a timed-out execution failed with the deadline
// error recorded, per the workflow-level watchdog contract.
func (o *Orchestrator) failDeadline(ctx context.Context, exec *workflow.Execution) *workflow.Execution {
	now := time.Now()
	exec.Status = workflow.StatusFailed
	exec.EndTime = &now
	if exec.Metadata == nil {
		exec.Metadata = make(map[string]any)
	}
	exec.Metadata["error"] = "deadline exceeded"
	if err := o.state.SaveExecution(ctx, exec); err != nil {
		o.logger.Error("failed to persist timed-out execution", "execution_id", exec.ID, "error", err.Error())
	}
	traceID, _ := exec.Metadata["trace_id"].(string)
	_ = o.bus.Publish(event.Event{
		ID:         uuid.NewString(),
		Type:       event.WorkflowFailed,
		WorkflowID: exec.WorkflowID,
		TraceID:    traceID,
		CreatedAt:  time.Now(),
		Payload:    event.PayloadWorkflowFailed{Reason: "timeout", Err: "deadline exceeded"},
	})
	return exec
}

// Resume loads a previously-started Execution and, if its last
// checkpoint is still in the "started" phase (a crash mid-processing),
// re-emits that event so downstream workers pick up where they left
// off. Executions already in a completed StepExecution status are
// otherwise left alone.
func (o *Orchestrator) Resume(ctx context.Context, executionID string) (*workflow.Execution, error) {
	exec, err := o.state.LoadExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load execution %s: %w", executionID, err)
	}
	if exec.Terminal() {
		return exec, nil
	}

	checkpoint, err := o.state.LatestCheckpoint(ctx, exec.WorkflowID)
	if err != nil {
		// Nothing checkpointed yet: the crash happened before any worker
		// touched the workflow, so replay from the top.
		return exec, o.republishStarted(ctx, exec)
	}
	if checkpoint.Phase != "started" {
		return exec, nil
	}

	if encoded, ok := checkpoint.Data["event"].(string); ok && encoded != "" {
		crashed, err := event.Unmarshal([]byte(encoded))
		if err == nil {
			crashed.ID = uuid.NewString()
			crashed.CreatedAt = time.Now()
			if err := o.bus.Publish(crashed); err != nil {
				return nil, fmt.Errorf("orchestrator: resume republish: %w", err)
			}
			o.logger.Info("resumed execution from crashed checkpoint", "execution_id", executionID, "event_type", string(crashed.Type))
			return exec, nil
		}
		o.logger.Warn("checkpointed event undecodable; replaying from workflow start", "execution_id", executionID, "error", err.Error())
	}

	// Older or partial checkpoints carry only the event type. Downstream
	// derivation is idempotent (deterministic artifact ids), so a full
	// replay from WORKFLOW_STARTED converges to the same terminal state.
	return exec, o.republishStarted(ctx, exec)
}

func (o *Orchestrator) republishStarted(ctx context.Context, exec *workflow.Execution) error {
	source, _ := exec.Context["source"].(string)
	title, _ := exec.Context["title"].(string)
	if source == "" {
		return nil
	}
	traceID, _ := exec.Metadata["trace_id"].(string)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	if err := o.bus.Publish(event.Event{
		ID:         uuid.NewString(),
		Type:       event.WorkflowStarted,
		WorkflowID: exec.WorkflowID,
		TraceID:    traceID,
		CreatedAt:  time.Now(),
		Payload:    event.PayloadWorkflowStarted{Title: title, Text: source},
	}); err != nil {
		return fmt.Errorf("orchestrator: resume republish started: %w", err)
	}
	return nil
}

// Cancel transitions the named Execution to suspended, marks every
// currently-running step cancelled, and emits WORKFLOW_SUSPENDED
//.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	exec, err := o.state.LoadExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("orchestrator: load execution %s: %w", executionID, err)
	}
	if exec.Terminal() {
		return nil
	}

	now := time.Now()
	exec.Status = workflow.StatusSuspended
	exec.EndTime = &now
	for _, step := range exec.StepExecutions {
		if step.Status == workflow.StepRunning {
			step.Status = workflow.StepCancelled
			step.EndTime = &now
		}
	}

	if err := o.state.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("orchestrator: save cancelled execution: %w", err)
	}

	return o.bus.Publish(event.Event{
		ID:         uuid.NewString(),
		Type:       event.WorkflowSuspended,
		WorkflowID: exec.WorkflowID,
		CreatedAt:  time.Now(),
		Payload:    event.PayloadWorkflowSuspended{Reason: "cancelled"},
	})
}

// Status returns the current Execution record for executionID.
func (o *Orchestrator) Status(ctx context.Context, executionID string) (*workflow.Execution, error) {
	return o.state.LoadExecution(ctx, executionID)
}
