package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/develogon/contentpipe/internal/client"
	"github.com/develogon/contentpipe/internal/event"
	"github.com/develogon/contentpipe/internal/retry"
	"github.com/develogon/contentpipe/internal/worker"
	"github.com/develogon/contentpipe/internal/workflow/memory"
	"github.com/stretchr/testify/require"
)

type fakeRole struct {
	subs    []event.Type
	process func(ctx context.Context, bus *event.Bus, e event.Event) error
}

func (f *fakeRole) Subscriptions() []event.Type { return f.subs }
func (f *fakeRole) Process(ctx context.Context, bus *event.Bus, e event.Event) error {
	return f.process(ctx, bus, e)
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond}
}

func TestBaseProcessesAndCheckpoints(t *testing.T) {
	bus := event.NewBus()
	store := memory.New()

	var processed int32
	role := &fakeRole{
		subs: []event.Type{event.ChapterParsed},
		process: func(ctx context.Context, bus *event.Bus, e event.Event) error {
			atomic.AddInt32(&processed, 1)
			return nil
		},
	}

	b := worker.New(worker.Config{WorkerID: "parser-1", RetryPolicy: testPolicy()}, role, bus, store, nil, nil)
	b.Start()
	defer b.Stop()

	require.NoError(t, bus.Publish(event.Event{Type: event.ChapterParsed, WorkflowID: "wf-1"}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&processed) == 1
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		cp, err := store.LatestCheckpoint(context.Background(), "wf-1")
		return err == nil && cp.Phase == "completed"
	}, time.Second, time.Millisecond)
}

func TestBaseStatusReportsSubscriptions(t *testing.T) {
	bus := event.NewBus()
	store := memory.New()

	role := &fakeRole{
		subs:    []event.Type{event.ChapterParsed, event.SectionParsed},
		process: func(ctx context.Context, bus *event.Bus, e event.Event) error { return nil },
	}

	b := worker.New(worker.Config{WorkerID: "parser-1"}, role, bus, store, nil, nil)

	status := b.Status()
	require.Equal(t, "parser-1", status.WorkerID)
	require.ElementsMatch(t, []event.Type{event.ChapterParsed, event.SectionParsed}, status.Subscriptions)
}

func TestBaseRetriesTransientErrorThenSucceeds(t *testing.T) {
	bus := event.NewBus()
	store := memory.New()

	var attempts int32
	role := &fakeRole{
		subs: []event.Type{event.SectionParsed},
		process: func(ctx context.Context, bus *event.Bus, e event.Event) error {
			n := atomic.AddInt32(&attempts, 1)
			if n < 2 {
				return client.NewTransient("test", "op", errors.New("boom"))
			}
			return nil
		},
	}

	b := worker.New(worker.Config{WorkerID: "section-1", RetryPolicy: testPolicy()}, role, bus, store, nil, nil)
	b.Start()
	defer b.Stop()

	require.NoError(t, bus.Publish(event.Event{Type: event.SectionParsed, WorkflowID: "wf-2"}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) >= 2
	}, time.Second, time.Millisecond)
}

func TestBaseEmitsWorkflowFailedWhenRetriesExhausted(t *testing.T) {
	bus := event.NewBus()
	store := memory.New()

	var failed sync.WaitGroup
	failed.Add(1)
	bus.Subscribe(event.WorkflowFailed, func(ctx context.Context, e event.Event) error {
		failed.Done()
		return nil
	})

	role := &fakeRole{
		subs: []event.Type{event.ParagraphParsed},
		process: func(ctx context.Context, bus *event.Bus, e event.Event) error {
			return client.NewTransient("test", "op", errors.New("always fails"))
		},
	}

	policy := retry.Policy{MaxRetries: 1, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	b := worker.New(worker.Config{WorkerID: "paragraph-1", RetryPolicy: policy}, role, bus, store, nil, nil)
	b.Start()
	defer b.Stop()

	e := event.Event{Type: event.ParagraphParsed, WorkflowID: "wf-3"}
	e.RetryCount = policy.MaxRetries // already exhausted, should fail immediately
	require.NoError(t, bus.Publish(e))

	done := make(chan struct{})
	go func() {
		failed.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected WORKFLOW_FAILED to be published")
	}
}

func TestBaseDoesNotRetryValidationFailure(t *testing.T) {
	bus := event.NewBus()
	store := memory.New()

	var attempts int32
	role := &fakeRole{
		subs: []event.Type{event.ContentGenerated},
		process: func(ctx context.Context, bus *event.Bus, e event.Event) error {
			atomic.AddInt32(&attempts, 1)
			return nil
		},
	}

	b := worker.New(worker.Config{WorkerID: "ai-1", RetryPolicy: testPolicy()}, role, bus, store, nil, nil)
	b.Start()
	defer b.Stop()

	// Missing workflow_id is rejected before Process ever runs.
	require.NoError(t, bus.Publish(event.Event{Type: event.ContentGenerated}))

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&attempts))
}

func TestBaseBoundsConcurrencyWithSemaphore(t *testing.T) {
	bus := event.NewBus()
	store := memory.New()

	var inFlight, maxInFlight int32
	var mu sync.Mutex
	release := make(chan struct{})

	role := &fakeRole{
		subs: []event.Type{event.ImageProcessed},
		process: func(ctx context.Context, bus *event.Bus, e event.Event) error {
			n := atomic.AddInt32(&inFlight, 1)
			mu.Lock()
			if n > maxInFlight {
				maxInFlight = n
			}
			mu.Unlock()
			<-release
			atomic.AddInt32(&inFlight, -1)
			return nil
		},
	}

	b := worker.New(worker.Config{WorkerID: "media-1", MaxConcurrent: 2, RetryPolicy: testPolicy()}, role, bus, store, nil, nil)
	b.Start()
	defer b.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(event.Event{Type: event.ImageProcessed, WorkflowID: "wf-4"}))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&inFlight) == 2
	}, time.Second, time.Millisecond)

	close(release)

	mu.Lock()
	require.LessOrEqual(t, maxInFlight, int32(2))
	mu.Unlock()
}

func TestBaseCheckpointCarriesEncodedEvent(t *testing.T) {
	bus := event.NewBus()
	store := memory.New()

	block := make(chan struct{})
	role := &fakeRole{
		subs: []event.Type{event.ChapterParsed},
		process: func(ctx context.Context, bus *event.Bus, e event.Event) error {
			<-block
			return nil
		},
	}

	b := worker.New(worker.Config{WorkerID: "parser-1", RetryPolicy: testPolicy()}, role, bus, store, nil, nil)
	b.Start()
	defer b.Stop()

	published := event.Event{
		Type:       event.ChapterParsed,
		WorkflowID: "wf-enc",
		TraceID:    "trace-enc",
		Payload:    event.PayloadChapterParsed{Chapter: event.Chapter{Title: "Ch", Level: 1}},
	}
	require.NoError(t, bus.Publish(published))

	// While process blocks, the latest checkpoint is the "started" one
	// carrying the full event for crash-resume.
	require.Eventually(t, func() bool {
		cp, err := store.LatestCheckpoint(context.Background(), "wf-enc")
		return err == nil && cp.Phase == "started"
	}, time.Second, time.Millisecond)

	cp, err := store.LatestCheckpoint(context.Background(), "wf-enc")
	require.NoError(t, err)
	encoded, ok := cp.Data["event"].(string)
	require.True(t, ok)

	decoded, err := event.Unmarshal([]byte(encoded))
	require.NoError(t, err)
	require.Equal(t, "trace-enc", decoded.TraceID)
	p := decoded.Payload.(event.PayloadChapterParsed)
	require.Equal(t, "Ch", p.Chapter.Title)

	close(block)
}

func TestBaseEmitsTaskFailedAndWorkflowFailedOnPermanentFailure(t *testing.T) {
	bus := event.NewBus()
	store := memory.New()

	role := &fakeRole{
		subs: []event.Type{event.ChapterParsed},
		process: func(ctx context.Context, bus *event.Bus, e event.Event) error {
			return errors.New("unrecoverable")
		},
	}

	b := worker.New(worker.Config{WorkerID: "parser-1", RetryPolicy: testPolicy()}, role, bus, store, nil, nil)
	b.Start()
	defer b.Stop()

	var mu sync.Mutex
	var order []event.Type
	for _, tpe := range []event.Type{event.TaskFailed, event.WorkflowFailed} {
		bus.Subscribe(tpe, func(ctx context.Context, e event.Event) error {
			mu.Lock()
			order = append(order, e.Type)
			mu.Unlock()
			return nil
		})
	}

	require.NoError(t, bus.Publish(event.Event{Type: event.ChapterParsed, WorkflowID: "wf-tf"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []event.Type{event.TaskFailed, event.WorkflowFailed}, order)
}

func TestBaseEmitsTaskLifecycleEventsWhenConfigured(t *testing.T) {
	bus := event.NewBus()
	store := memory.New()

	role := &fakeRole{
		subs:    []event.Type{event.ChapterParsed},
		process: func(ctx context.Context, bus *event.Bus, e event.Event) error { return nil },
	}

	b := worker.New(worker.Config{WorkerID: "parser-1", RetryPolicy: testPolicy(), EmitTaskEvents: true}, role, bus, store, nil, nil)
	b.Start()
	defer b.Stop()

	var mu sync.Mutex
	var seen []event.Type
	for _, tpe := range []event.Type{event.TaskStarted, event.TaskCompleted} {
		bus.Subscribe(tpe, func(ctx context.Context, e event.Event) error {
			mu.Lock()
			seen = append(seen, e.Type)
			mu.Unlock()
			return nil
		})
	}

	require.NoError(t, bus.Publish(event.Event{ID: "evt-1", Type: event.ChapterParsed, WorkflowID: "wf-task"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []event.Type{event.TaskStarted, event.TaskCompleted}, seen)
}

func TestBaseStaysQuietWithoutTaskEventsFlag(t *testing.T) {
	bus := event.NewBus()
	store := memory.New()

	role := &fakeRole{
		subs:    []event.Type{event.ChapterParsed},
		process: func(ctx context.Context, bus *event.Bus, e event.Event) error { return nil },
	}

	b := worker.New(worker.Config{WorkerID: "parser-1", RetryPolicy: testPolicy()}, role, bus, store, nil, nil)
	b.Start()
	defer b.Stop()

	lifecycle := make(chan event.Event, 2)
	bus.Subscribe(event.TaskStarted, func(ctx context.Context, e event.Event) error {
		lifecycle <- e
		return nil
	})

	require.NoError(t, bus.Publish(event.Event{Type: event.ChapterParsed, WorkflowID: "wf-quiet"}))

	require.Eventually(t, func() bool {
		cp, err := store.LatestCheckpoint(context.Background(), "wf-quiet")
		return err == nil && cp.Phase == "completed"
	}, time.Second, time.Millisecond)

	select {
	case <-lifecycle:
		t.Fatal("task lifecycle events must be opt-in")
	default:
	}
}
