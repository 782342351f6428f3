// Package worker implements the uniform worker base layer: subscription
// wiring, concurrency control, pre/post checkpointing, retry, and
// metrics.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/develogon/contentpipe/internal/client"
	"github.com/develogon/contentpipe/internal/event"
	"github.com/develogon/contentpipe/internal/retry"
	"github.com/develogon/contentpipe/internal/telemetry"
	"github.com/develogon/contentpipe/internal/workflow"
	"golang.org/x/sync/semaphore"
)

// Role implements the per-worker contract: which event types it
// consumes, and how it processes one event.
type Role interface {
	// Subscriptions returns the set of event types this worker consumes.
	Subscriptions() []event.Type
	// Process performs the work for e, emitting derived events via bus.
	// A returned error is classified by the base layer's retry policy.
	Process(ctx context.Context, bus *event.Bus, e event.Event) error
}

// Config configures the base layer wrapping a Role.
type Config struct {
	WorkerID      string
	MaxConcurrent int64
	RetryPolicy   retry.Policy
	// EmitTaskEvents publishes TASK_STARTED/TASK_COMPLETED around every
	// Process call for observers; TASK_FAILED is always emitted on
	// permanent failure regardless of this flag.
	EmitTaskEvents bool
}

// Base wraps a Role with the uniform worker lifecycle: a
// semaphore capping in-flight work, pre/post checkpoints, metrics, and
// retry-or-fail on classified errors.
type Base struct {
	cfg     Config
	role    Role
	bus     *event.Bus
	state   workflow.StateStore
	sem     *semaphore.Weighted
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	subIDs map[event.Type]int
}

// New constructs a Base wrapping role. If cfg.MaxConcurrent is zero, it
// defaults to 10, matching workers.max_concurrent_tasks.
func New(cfg Config, role Role, bus *event.Bus, state workflow.StateStore, logger telemetry.Logger, metrics telemetry.Metrics) *Base {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.RetryPolicy.MaxRetries == 0 && cfg.RetryPolicy.InitialDelay == 0 {
		cfg.RetryPolicy = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Base{
		cfg:     cfg,
		role:    role,
		bus:     bus,
		state:   state,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:  logger.With("worker_id", cfg.WorkerID),
		metrics: metrics,
		tracer:  telemetry.NewNoopTracer(),
		subIDs:  make(map[event.Type]int),
	}
}

// WithTracer replaces the Base's tracer (a noop by default). Returns b
// for construction chaining.
func (b *Base) WithTracer(tracer telemetry.Tracer) *Base {
	if tracer != nil {
		b.tracer = tracer
	}
	return b
}

// Start subscribes the wrapped Role's event types on the bus.
func (b *Base) Start() {
	for _, t := range b.role.Subscriptions() {
		t := t
		id := b.bus.Subscribe(t, b.handleEvent)
		b.subIDs[t] = id
	}
	b.logger.Info("worker started", "subscriptions", len(b.subIDs))
}

// Stop unsubscribes from all event types. Idempotent.
func (b *Base) Stop() {
	for t, id := range b.subIDs {
		b.bus.Unsubscribe(t, id)
	}
	b.logger.Info("worker stopped")
}

// ErrValidation is returned (wrapped) by validateEvent when an event
// fails pre-dispatch checks; these failures are never retried.
var ErrValidation = errors.New("worker: event validation failed")

func (b *Base) handleEvent(ctx context.Context, e event.Event) error {
	if err := b.validateEvent(e); err != nil {
		b.logger.Error("event rejected", "type", string(e.Type), "error", err.Error())
		return err
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer b.sem.Release(1)

	b.checkpoint(ctx, e, "started")
	b.emitTaskEvent(e, event.TaskStarted)

	spanCtx, span := b.tracer.StartSpan(ctx, "worker.process")
	span.SetAttribute("worker_id", b.cfg.WorkerID)
	span.SetAttribute("event_type", string(e.Type))
	span.SetAttribute("workflow_id", e.WorkflowID)
	span.SetAttribute("trace_id", e.TraceID)

	start := time.Now()
	err := b.role.Process(spanCtx, b.bus, e)
	duration := time.Since(start)

	b.metrics.ObserveLatency("worker_process_duration_seconds", duration.Seconds(), "worker_id", b.cfg.WorkerID, "type", string(e.Type))

	if err != nil {
		span.RecordError(err)
		span.End()
		b.metrics.IncCounter("worker_process_failures_total", "worker_id", b.cfg.WorkerID)
		b.handleError(ctx, e, err)
		return err
	}
	span.End()

	b.metrics.IncCounter("worker_process_success_total", "worker_id", b.cfg.WorkerID)
	b.checkpoint(ctx, e, "completed")
	b.emitTaskEvent(e, event.TaskCompleted)
	b.logger.Debug("processed event", "type", string(e.Type), "workflow_id", e.WorkflowID)
	return nil
}

// emitTaskEvent publishes the TASK_STARTED/TASK_COMPLETED lifecycle
// marker for e when the worker is configured to narrate its work.
func (b *Base) emitTaskEvent(e event.Event, t event.Type) {
	if !b.cfg.EmitTaskEvents {
		return
	}
	var payload any
	switch t {
	case event.TaskStarted:
		payload = event.PayloadTaskStarted{TaskID: e.ID, TaskType: string(e.Type)}
	case event.TaskCompleted:
		payload = event.PayloadTaskCompleted{TaskID: e.ID}
	default:
		return
	}
	_ = b.bus.Publish(event.Event{
		Type:       t,
		WorkflowID: e.WorkflowID,
		TraceID:    e.TraceID,
		CreatedAt:  time.Now(),
		Payload:    payload,
	})
}

// validateEvent rejects malformed events without retry: workflow_id
// must be present and the type must be among this worker's own
// subscriptions.
func (b *Base) validateEvent(e event.Event) error {
	if e.WorkflowID == "" {
		return fmt.Errorf("%w: missing workflow_id", ErrValidation)
	}
	subscribed := false
	for _, t := range b.role.Subscriptions() {
		if t == e.Type {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return fmt.Errorf("%w: type %q not subscribed by worker %q", ErrValidation, e.Type, b.cfg.WorkerID)
	}
	return nil
}

// handleError converts a processing failure into either a retry
// emission or a WORKFLOW_FAILED emission. Non-retryable
// errors (validation) are assumed already handled by validateEvent and
// fail immediately without republishing.
func (b *Base) handleError(ctx context.Context, e event.Event, cause error) {
	b.checkpoint(ctx, e, "failed")

	if !Retryable(cause) || e.RetryCount >= b.cfg.RetryPolicy.MaxRetries {
		b.logger.Error("event failed permanently", "type", string(e.Type), "workflow_id", e.WorkflowID, "error", cause.Error())
		_ = b.bus.Publish(event.Event{
			Type:       event.TaskFailed,
			WorkflowID: e.WorkflowID,
			TraceID:    e.TraceID,
			CreatedAt:  time.Now(),
			Payload:    event.PayloadTaskFailed{TaskID: e.ID, Err: cause.Error()},
		})
		_ = b.bus.Publish(event.Event{
			ID:         e.ID,
			Type:       event.WorkflowFailed,
			WorkflowID: e.WorkflowID,
			TraceID:    e.TraceID,
			CreatedAt:  time.Now(),
			Payload: event.PayloadWorkflowFailed{
				Reason:        "worker_error",
				OriginalEvent: &e,
				Err:           cause.Error(),
			},
		})
		return
	}

	delay := b.cfg.RetryPolicy.Delay(e.RetryCount + 1)
	b.logger.Warn("retrying event after backoff", "type", string(e.Type), "workflow_id", e.WorkflowID, "retry_count", e.RetryCount+1, "delay", delay.String())

	timer := time.NewTimer(delay)
	go func() {
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		_ = b.bus.Publish(e.WithRetry())
	}()
}

func (b *Base) checkpoint(ctx context.Context, e event.Event, phase string) {
	if b.state == nil {
		return
	}
	data := map[string]any{
		"event_type": string(e.Type),
		"trace_id":   e.TraceID,
		"status":     phase,
	}
	// The full event travels with the pre-checkpoint so the
	// orchestrator's resume path can re-emit it verbatim after a crash.
	if encoded, err := event.Marshal(e); err == nil {
		data["event"] = string(encoded)
	}
	if err := b.state.SaveCheckpoint(ctx, e.WorkflowID, b.cfg.WorkerID, phase, data); err != nil {
		b.logger.Warn("failed to save checkpoint", "phase", phase, "error", err.Error())
	}
}

// Status reports the worker's identity and subscription set.
type Status struct {
	WorkerID      string
	Subscriptions []event.Type
}

// Status returns a snapshot of this worker's identity and subscriptions.
func (b *Base) Status() Status {
	return Status{WorkerID: b.cfg.WorkerID, Subscriptions: b.role.Subscriptions()}
}

// Retryable classifies cause for the base layer's retry decision:
// transient client errors and context deadline exceeded are retryable;
// everything else (including validation failures) is not.
func Retryable(cause error) bool {
	if cause == nil {
		return false
	}
	if client.Retryable(cause) {
		return true
	}
	return errors.Is(cause, context.DeadlineExceeded)
}
