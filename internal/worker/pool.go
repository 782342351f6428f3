package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/develogon/contentpipe/internal/event"
	"github.com/develogon/contentpipe/internal/telemetry"
	"github.com/develogon/contentpipe/internal/workflow"
)

// Type identifies one of the four worker stages the Pool manages.
type Type string

const (
	TypeParser     Type = "parser"
	TypeAI         Type = "ai"
	TypeMedia      Type = "media"
	TypeAggregator Type = "aggregator"
)

// defaultCounts sets the per-stage worker counts: parser and media run
// with more than one instance since their Process calls are independent
// per event; aggregator runs as a singleton since it owns shared
// per-workflow state.
var defaultCounts = map[Type]int{
	TypeParser:     2,
	TypeAI:         3,
	TypeMedia:      2,
	TypeAggregator: 1,
}

// RoleFactory constructs a fresh Role instance for one pool slot,
// identified by workerID.
type RoleFactory func(workerID string) Role

// PoolConfig configures a Pool's per-type instance counts and factories.
type PoolConfig struct {
	Factories map[Type]RoleFactory
	Counts    map[Type]int
	Worker    Config
	Tracer    telemetry.Tracer
}

// Pool owns a fixed set of Base worker instances per Type and manages
// their shared lifecycle.
type Pool struct {
	cfg     PoolConfig
	bus     *event.Bus
	state   workflow.StateStore
	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu      sync.Mutex
	workers map[Type][]*Base
	started bool
}

// NewPool constructs a Pool. Call Start to spin up the configured
// worker instances against bus/state.
func NewPool(cfg PoolConfig, bus *event.Bus, state workflow.StateStore, logger telemetry.Logger, metrics telemetry.Metrics) *Pool {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Pool{
		cfg:     cfg,
		bus:     bus,
		state:   state,
		logger:  logger,
		metrics: metrics,
		workers: make(map[Type][]*Base),
	}
}

func (p *Pool) countFor(t Type) int {
	if n, ok := p.cfg.Counts[t]; ok {
		return n
	}
	return defaultCounts[t]
}

// Start creates and starts every configured worker instance. Calling
// Start twice is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	for t, factory := range p.cfg.Factories {
		count := p.countFor(t)
		for i := 0; i < count; i++ {
			workerID := fmt.Sprintf("%s-%d", t, i+1)
			role := factory(workerID)
			cfg := p.cfg.Worker
			cfg.WorkerID = workerID
			base := New(cfg, role, p.bus, p.state, p.logger, p.metrics).WithTracer(p.cfg.Tracer)
			base.Start()
			p.workers[t] = append(p.workers[t], base)
		}
		p.logger.Info("created worker pool stage", "type", string(t), "count", count)
	}

	p.started = true
	return nil
}

// Stop stops every worker instance across all types.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, workers := range p.workers {
		for _, w := range workers {
			w.Stop()
		}
	}
}

// Shutdown stops all workers and discards the pool's worker instances,
// returning the Pool to an uninitialized state.
func (p *Pool) Shutdown() {
	p.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers = make(map[Type][]*Base)
	p.started = false
}

// Workers returns a snapshot of the worker instances for t.
func (p *Pool) Workers(t Type) []*Base {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Base, len(p.workers[t]))
	copy(out, p.workers[t])
	return out
}

// Scale adjusts the number of running instances for t to target,
// starting new instances or stopping surplus ones from the tail.
func (p *Pool) Scale(ctx context.Context, t Type, target int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.workers[t]
	if target == len(current) {
		return nil
	}

	factory, ok := p.cfg.Factories[t]
	if !ok {
		return fmt.Errorf("worker pool: no factory registered for type %q", t)
	}

	if target > len(current) {
		for i := len(current); i < target; i++ {
			workerID := fmt.Sprintf("%s-%d", t, i+1)
			role := factory(workerID)
			cfg := p.cfg.Worker
			cfg.WorkerID = workerID
			base := New(cfg, role, p.bus, p.state, p.logger, p.metrics).WithTracer(p.cfg.Tracer)
			base.Start()
			current = append(current, base)
		}
	} else {
		toStop := current[target:]
		current = current[:target]
		for _, w := range toStop {
			w.Stop()
		}
	}

	p.workers[t] = current
	return nil
}

// Stats reports the current instance count per worker type.
func (p *Pool) Stats() map[Type]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[Type]int, len(p.workers))
	for t, workers := range p.workers {
		out[t] = len(workers)
	}
	return out
}

// Health reports, per type, the set of worker ids currently registered
// (a worker with an empty WorkerID is considered unhealthy).
func (p *Pool) Health() map[Type]map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[Type]map[string]bool, len(p.workers))
	for t, workers := range p.workers {
		h := make(map[string]bool, len(workers))
		for _, w := range workers {
			status := w.Status()
			h[status.WorkerID] = status.WorkerID != ""
		}
		out[t] = h
	}
	return out
}
