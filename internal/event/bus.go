package event

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/develogon/contentpipe/internal/telemetry"
)

// ErrBusStopped is returned by Publish once the bus has been stopped.
var ErrBusStopped = errors.New("event: bus is stopped")

// Handler processes one delivered event. All handlers of one event type
// run one after another on that type's dispatch goroutine, so a slow
// handler delays later deliveries of the same type; handlers of
// different types run concurrently. A returned error is logged by the
// bus and does not affect other handlers or other deliveries.
type Handler func(ctx context.Context, e Event) error

// Bus is a typed publish/subscribe hub. Events published by a single
// producer are delivered to each handler in publish order; there is no
// ordering guarantee across producers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]*subscription
	queues   map[Type]*perTypeQueue

	queueBound   int
	drainTimeout time.Duration

	logger  telemetry.Logger
	metrics telemetry.Metrics

	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type subscription struct {
	id      int
	handler Handler
}

// perTypeQueue serializes delivery to all handlers of one event type
// while allowing different types to be dispatched concurrently.
type perTypeQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	bound   int
	closed  bool
}

func newPerTypeQueue(bound int) *perTypeQueue {
	q := &perTypeQueue{bound: bound}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithQueueBound sets the per-type pending-event bound that triggers
// publisher backpressure. Zero means unbounded.
func WithQueueBound(n int) Option {
	return func(b *Bus) { b.queueBound = n }
}

// WithDrainTimeout bounds how long Stop waits for in-flight handlers to
// finish before returning.
func WithDrainTimeout(d time.Duration) Option {
	return func(b *Bus) { b.drainTimeout = d }
}

// WithTelemetry attaches a logger/metrics pair used to report handler
// failures and dispatch latency.
func WithTelemetry(logger telemetry.Logger, metrics telemetry.Metrics) Option {
	return func(b *Bus) {
		b.logger = logger
		b.metrics = metrics
	}
}

// NewBus constructs a Bus. It is ready for Subscribe and Publish as
// soon as it is returned.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		handlers:     make(map[Type][]*subscription),
		queues:       make(map[Type]*perTypeQueue),
		drainTimeout: 30 * time.Second,
		logger:       telemetry.NewNoopLogger(),
		metrics:      telemetry.NewNoopMetrics(),
		stopCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start does nothing: each event type's dispatch goroutine is started
// by the first Subscribe for that type.
func (b *Bus) Start() {}

// Stop prevents further Publish calls and waits up to the configured
// drain timeout for in-flight handlers to complete.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.stopCh)
	for _, q := range b.queues {
		q.mu.Lock()
		q.closed = true
		q.cond.Broadcast()
		q.mu.Unlock()
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.drainTimeout):
	}
}

// Subscribe registers handler for type t and returns a subscription id
// usable with Unsubscribe. Multiple handlers per type are allowed.
func (b *Bus) Subscribe(t Type, handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := len(b.handlers[t]) + 1
	for { // ensure uniqueness even after unsubscribes
		dup := false
		for _, s := range b.handlers[t] {
			if s.id == id {
				dup = true
				break
			}
		}
		if !dup {
			break
		}
		id++
	}
	b.handlers[t] = append(b.handlers[t], &subscription{id: id, handler: handler})
	if _, ok := b.queues[t]; !ok {
		q := newPerTypeQueue(b.queueBound)
		b.queues[t] = q
		b.wg.Add(1)
		go b.drain(t, q)
	}
	return id
}

// Unsubscribe removes a prior registration. Idempotent: unsubscribing an
// unknown id is a no-op.
func (b *Bus) Unsubscribe(t Type, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[t]
	for i, s := range subs {
		if s.id == id {
			b.handlers[t] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish enqueues e for asynchronous delivery and returns immediately.
// If the per-type queue is at its bound, Publish blocks the caller until
// space is available (backpressure). Once Stop has been called, Publish
// is a no-op returning ErrBusStopped.
func (b *Bus) Publish(e Event) error {
	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return ErrBusStopped
	}
	q, ok := b.queues[e.Type]
	b.mu.RUnlock()
	if !ok {
		// No subscribers for this type; nothing to deliver, but this is
		// not an error (a worker may not yet have subscribed).
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.bound > 0 && len(q.pending) >= q.bound && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return ErrBusStopped
	}
	q.pending = append(q.pending, e)
	q.cond.Signal()
	return nil
}

// drain is the per-type fan-out task: it pops events in arrival order
// and dispatches them to every currently-registered handler for that
// type, sequentially per producer-order guarantee, but independently
// across types.
func (b *Bus) drain(t Type, q *perTypeQueue) {
	defer b.wg.Done()
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending = q.pending[1:]
		q.cond.Signal() // wake any publisher blocked on backpressure
		q.mu.Unlock()

		b.dispatch(t, e)

		q.mu.Lock()
		done := q.closed && len(q.pending) == 0
		q.mu.Unlock()
		if done {
			return
		}
	}
}

func (b *Bus) dispatch(t Type, e Event) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.handlers[t]))
	copy(subs, b.handlers[t])
	b.mu.RUnlock()

	for _, s := range subs {
		start := time.Now()
		err := s.handler(context.Background(), e)
		b.metrics.ObserveLatency("bus_handler_duration_seconds", time.Since(start).Seconds(), "type", string(t))
		if err != nil {
			b.logger.Error("event handler failed", "type", string(t), "workflow_id", e.WorkflowID, "error", err.Error())
		}
	}
}
