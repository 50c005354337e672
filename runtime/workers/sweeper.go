package workers

import (
	"context"
	"log/slog"
	"time"
)

type IdleSweeper interface {
	SweepIdle(now time.Time) int
}

// SweeperWorker periodically closes idle and unauthenticated connections.
type SweeperWorker struct {
	log      *slog.Logger
	sweeper  IdleSweeper
	interval time.Duration
	now      func() time.Time
}

func NewSweeperWorker(log *slog.Logger, sweeper IdleSweeper, interval time.Duration) *SweeperWorker {
	return &SweeperWorker{log: log, sweeper: sweeper, interval: interval, now: time.Now}
}

func (w *SweeperWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if closed := w.sweeper.SweepIdle(w.now()); closed > 0 {
				w.log.Info("Stale connections closed", "count", closed)
			}
		}
	}
}

type Cleaner interface {
	Cleanup() int
}

// JanitorWorker drops expired rate-limit state.
type JanitorWorker struct {
	log      *slog.Logger
	cleaners map[string]Cleaner
	interval time.Duration
}

func NewJanitorWorker(log *slog.Logger, interval time.Duration, cleaners map[string]Cleaner) *JanitorWorker {
	return &JanitorWorker{log: log, cleaners: cleaners, interval: interval}
}

func (w *JanitorWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *JanitorWorker) sweep() {
	for name, c := range w.cleaners {
		if removed := c.Cleanup(); removed > 0 {
			w.log.Debug("Expired entries removed", "cleaner", name, "count", removed)
		}
	}
}
