package workers

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chat-gateway/contract"

	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPersistenceWorker_Keeps_Order_Per_Key(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	worker := NewPersistenceWorker(log, 4, 256, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Run(ctx) }()

	var mu sync.Mutex
	seen := map[string][]int{}

	// When jobs for several keys are interleaved
	for i := 0; i < 100; i++ {
		key := []string{"general", "career", "conv_5_alice_bob"}[i%3]
		req.True(worker.Submit(key, contract.Job{Name: "save_message", Run: func(context.Context) error {
			mu.Lock()
			seen[key] = append(seen[key], i)
			mu.Unlock()
			return nil
		}}))
	}
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer flushCancel()
	req.NoError(worker.Flush(flushCtx))

	// Then each key saw its jobs in submission order
	mu.Lock()
	defer mu.Unlock()
	for key, order := range seen {
		for j := 1; j < len(order); j++ {
			req.Less(order[j-1], order[j], key)
		}
	}
	req.Len(seen["general"], 34)
}

func TestPersistenceWorker_Drops_When_Full(t *testing.T) {
	req := require.New(t)
	dropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "persistence_dropped_test"})
	worker := NewPersistenceWorker(slog.Default(), 1, 1, time.Second, WithDropCounter(dropped))
	noop := contract.Job{Name: "noop", Run: func(context.Context) error { return nil }}

	// Given a worker that is not running and a queue of one
	req.True(worker.Submit("general", noop))

	// When another job arrives
	ok := worker.Submit("general", noop)

	// Then it is dropped and counted
	req.False(ok)
	req.Equal(float64(1), testutil.ToFloat64(dropped))
	req.Equal(int64(1), worker.Pending())
}

func TestPersistenceWorker_Reports_Failures(t *testing.T) {
	req := require.New(t)
	failures := prometheus.NewCounter(prometheus.CounterOpts{Name: "persistence_failures_test"})
	var failed []string
	var mu sync.Mutex
	worker := NewPersistenceWorker(slog.Default(), 2, 8, time.Second,
		WithFailureCounter(failures),
		WithErrorHandler(func(job contract.Job, err error) {
			mu.Lock()
			failed = append(failed, job.Name)
			mu.Unlock()
		}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Run(ctx) }()

	worker.Submit("a", contract.Job{Name: "broken", Run: func(context.Context) error { return stderrors.New("disk full") }})
	worker.Submit("b", contract.Job{Name: "panicky", Run: func(context.Context) error { panic("boom") }})

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer flushCancel()
	req.NoError(worker.Flush(flushCtx))

	req.Equal(float64(2), testutil.ToFloat64(failures))
	mu.Lock()
	req.ElementsMatch([]string{"broken", "panicky"}, failed)
	mu.Unlock()
}

func TestPersistenceWorker_Drains_On_Shutdown(t *testing.T) {
	req := require.New(t)
	worker := NewPersistenceWorker(slog.Default(), 1, 8, time.Second)

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 5; i++ {
		worker.Submit("general", contract.Job{Name: "save", Run: func(context.Context) error {
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		}})
	}

	// When the worker starts with an already canceled context
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req.NoError(worker.Run(ctx))

	// Then queued jobs still ran
	mu.Lock()
	defer mu.Unlock()
	req.Equal(5, ran)
	req.Zero(worker.Pending())
}
