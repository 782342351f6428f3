package worker_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/develogon/contentpipe/internal/event"
	"github.com/develogon/contentpipe/internal/worker"
	"github.com/develogon/contentpipe/internal/workflow/memory"
)

type poolRole struct {
	id string
}

func (r *poolRole) Subscriptions() []event.Type { return []event.Type{event.TaskStarted} }

func (r *poolRole) Process(ctx context.Context, bus *event.Bus, e event.Event) error {
	return nil
}

func newPool(counts map[worker.Type]int) (*worker.Pool, *event.Bus) {
	bus := event.NewBus()
	cfg := worker.PoolConfig{
		Factories: map[worker.Type]worker.RoleFactory{
			worker.TypeParser: func(workerID string) worker.Role { return &poolRole{id: workerID} },
			worker.TypeAI:     func(workerID string) worker.Role { return &poolRole{id: workerID} },
		},
		Counts: counts,
	}
	return worker.NewPool(cfg, bus, memory.New(), nil, nil), bus
}

func TestPoolStartCreatesConfiguredCounts(t *testing.T) {
	p, _ := newPool(map[worker.Type]int{worker.TypeParser: 2, worker.TypeAI: 3})
	require.NoError(t, p.Start(context.Background()))

	stats := p.Stats()
	require.Equal(t, 2, stats[worker.TypeParser])
	require.Equal(t, 3, stats[worker.TypeAI])
}

func TestPoolStartTwiceIsNoop(t *testing.T) {
	p, _ := newPool(map[worker.Type]int{worker.TypeParser: 1})
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Start(context.Background()))
	require.Equal(t, 1, p.Stats()[worker.TypeParser])
}

func TestPoolScaleUpAndDown(t *testing.T) {
	p, _ := newPool(map[worker.Type]int{worker.TypeParser: 1, worker.TypeAI: 1})
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Scale(context.Background(), worker.TypeParser, 4))
	require.Equal(t, 4, p.Stats()[worker.TypeParser])
	require.Len(t, p.Workers(worker.TypeParser), 4)

	require.NoError(t, p.Scale(context.Background(), worker.TypeParser, 1))
	require.Equal(t, 1, p.Stats()[worker.TypeParser])
}

func TestPoolScaleRejectsUnknownType(t *testing.T) {
	p, _ := newPool(map[worker.Type]int{worker.TypeParser: 1})
	require.NoError(t, p.Start(context.Background()))
	require.Error(t, p.Scale(context.Background(), worker.TypeMedia, 2))
}

func TestPoolHealthReportsEveryWorker(t *testing.T) {
	p, _ := newPool(map[worker.Type]int{worker.TypeParser: 2})
	require.NoError(t, p.Start(context.Background()))

	health := p.Health()
	require.Len(t, health[worker.TypeParser], 2)
	for _, healthy := range health[worker.TypeParser] {
		require.True(t, healthy)
	}
}

func TestPoolShutdownResetsState(t *testing.T) {
	p, _ := newPool(map[worker.Type]int{worker.TypeParser: 2})
	require.NoError(t, p.Start(context.Background()))
	p.Shutdown()
	require.Empty(t, p.Stats())

	// A pool can be started again after shutdown.
	require.NoError(t, p.Start(context.Background()))
	require.Equal(t, 2, p.Stats()[worker.TypeParser])
}
