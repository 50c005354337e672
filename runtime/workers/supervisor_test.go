package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chat-gateway/errors"
	"chat-gateway/mocks"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// runSupervised starts sup in the background and returns a channel closed when Run returns.
func runSupervised(ctx context.Context, sup *Supervisor) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Run(ctx)
	}()
	return done
}

func TestSupervisor_Restarts_Failing_Workers(t *testing.T) {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	tests := []struct {
		name string
		fail func() error
	}{
		{"panic", func() error { panic("persistence shard exploded") }},
		{"error", func() error { return fmt.Errorf("%w: shard 2", errors.ErrQueueFull) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			ctrl := gomock.NewController(t)
			worker := mocks.NewMockWorker(ctrl)

			// Given a worker that keeps failing
			var calls atomic.Int32
			worker.EXPECT().Run(gomock.Any()).DoAndReturn(func(context.Context) error {
				calls.Add(1)
				return tt.fail()
			}).AnyTimes()

			var mu sync.Mutex
			var restarted []string
			sup := NewSupervisor(log, 20*time.Millisecond).OnRestart(func(name string) {
				mu.Lock()
				restarted = append(restarted, name)
				mu.Unlock()
			})
			sup.Add(worker)

			ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
			defer cancel()
			done := runSupervised(ctx, sup)

			// Then it is started again after each failure, under its type name
			req.Eventually(func() bool { return calls.Load() >= 3 }, time.Second, 10*time.Millisecond)
			<-done
			mu.Lock()
			defer mu.Unlock()
			req.GreaterOrEqual(len(restarted), 2)
			req.Equal("MockWorker", restarted[0])
		})
	}
}

func TestSupervisor_Clean_Return_Ends_Worker(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	worker := mocks.NewMockWorker(ctrl)

	// Given a worker that completes once
	worker.EXPECT().Run(gomock.Any()).Return(nil).Times(1)

	sup := NewSupervisor(slog.Default(), 20*time.Millisecond)
	sup.Add(worker)
	done := runSupervised(context.Background(), sup)

	// Then Run returns without a restart
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		req.Fail("supervisor kept running after its only worker returned")
	}
}

func TestSupervisor_Stop_Cancels_Workers(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	worker := mocks.NewMockWorker(ctrl)

	started := make(chan struct{})
	worker.EXPECT().Run(gomock.Any()).DoAndReturn(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}).Times(1)

	sup := NewSupervisor(slog.Default(), 20*time.Millisecond)
	sup.Add(worker)
	done := runSupervised(context.Background(), sup)

	// When the supervisor is stopped while the worker blocks
	<-started
	sup.Stop()

	// Then the worker sees the cancellation and is not restarted
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		req.Fail("supervisor did not return after Stop")
	}
}
