package api

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-engine/internal/config"
	"swap-engine/internal/domain"
	"swap-engine/internal/eventbus"
	"swap-engine/internal/queue"
	"swap-engine/internal/router"
	"swap-engine/internal/storage/memory"
	"swap-engine/internal/worker"
)

type oneRouter struct{ r router.Router }

func (o oneRouter) For(domain.ExecutionMode) (router.Router, error) { return o.r, nil }

// eventLog records the published status sequence of every order.
type eventLog struct {
	mu        sync.Mutex
	seq       map[string][]domain.Status
	confirmed int
}

func (l *eventLog) run(sub *eventbus.Subscription) {
	for e := range sub.Events() {
		l.mu.Lock()
		l.seq[e.OrderID()] = append(l.seq[e.OrderID()], e.Status())
		if e.Status() == domain.StatusConfirmed {
			l.confirmed++
		}
		l.mu.Unlock()
	}
}

func (l *eventLog) confirmedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.confirmed
}

func TestSubmit_WithRunningWorkersPublishesPendingFirst(t *testing.T) {
	const orders = 200

	store := memory.NewOrderStore()
	q := queue.NewMemoryQueue()
	bus := eventbus.NewMemoryBus()
	defer q.Close()
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	log := &eventLog{seq: make(map[string][]domain.Status)}
	go log.run(sub)

	sim := router.NewSimulatedRouter(router.SimulatedOptions{
		Venues:     config.DefaultVenues(),
		Oracle:     router.StaticOracle{"SOL/USDC": decimal.NewFromInt(150)},
		LatencyMin: time.Millisecond,
		LatencyMax: time.Millisecond,
	})
	exec := worker.NewExecutor(worker.ExecutorOptions{
		Orders:     store,
		Bus:        bus,
		Routers:    oneRouter{sim},
		SoftBudget: 10 * time.Second,
		HardCutoff: 30 * time.Second,
	})
	pool := worker.NewPool(worker.PoolOptions{Queue: q, Handler: exec, Concurrency: 50})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = pool.Run(ctx)
	}()

	svc := NewService(ServiceOptions{
		Orders:     store,
		Queue:      q,
		Bus:        bus,
		JobOptions: queue.DefaultOptions(),
	})

	var submitted sync.WaitGroup
	for w := 0; w < 4; w++ {
		submitted.Add(1)
		go func() {
			defer submitted.Done()
			for i := 0; i < orders/4; i++ {
				_, err := svc.Submit(context.Background(), validRequest(t))
				assert.NoError(t, err)
			}
		}()
	}
	submitted.Wait()

	require.Eventually(t, func() bool { return log.confirmedCount() == orders },
		10*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()

	want := []domain.Status{
		domain.StatusPending,
		domain.StatusRouting,
		domain.StatusRouteSelected,
		domain.StatusBuilding,
		domain.StatusSubmitted,
		domain.StatusConfirmed,
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	require.Len(t, log.seq, orders)
	for id, seq := range log.seq {
		assert.Equal(t, want, seq, "order %s", id)
	}
}
