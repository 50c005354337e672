package workers

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingSweeper struct{ calls atomic.Int32 }

func (s *countingSweeper) SweepIdle(time.Time) int {
	s.calls.Add(1)
	return 1
}

type countingCleaner struct{ calls atomic.Int32 }

func (c *countingCleaner) Cleanup() int {
	c.calls.Add(1)
	return 0
}

type statsSink struct{ samples atomic.Int32 }

func (s *statsSink) Record(uint64, float64, string, time.Time) { s.samples.Add(1) }

func TestSweeperWorker_Ticks_Until_Canceled(t *testing.T) {
	req := require.New(t)
	sweeper := &countingSweeper{}
	worker := NewSweeperWorker(slog.Default(), sweeper, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	req.Eventually(func() bool { return sweeper.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	req.NoError(<-done)
}

func TestJanitorWorker_Calls_Every_Cleaner(t *testing.T) {
	req := require.New(t)
	limiter, throttle := &countingCleaner{}, &countingCleaner{}
	worker := NewJanitorWorker(slog.Default(), 10*time.Millisecond, map[string]Cleaner{
		"limiter":  limiter,
		"throttle": throttle,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Run(ctx) }()

	req.Eventually(func() bool {
		return limiter.calls.Load() >= 1 && throttle.calls.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatWorker_Samples_Self(t *testing.T) {
	req := require.New(t)
	sink := &statsSink{}
	worker := NewHeartbeatWorker(slog.Default(), sink, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Run(ctx) }()

	// The first sample is taken immediately
	req.Eventually(func() bool { return sink.samples.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}
