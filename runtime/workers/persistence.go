package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"chat-gateway/contract"
	"chat-gateway/errors"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// PersistenceWorker runs repository writes off the fan-out path.
// Jobs are routed to a shard by key, so jobs for one key run in order.
// A full shard drops the job instead of blocking the caller.
type PersistenceWorker struct {
	log      *slog.Logger
	shards   []chan contract.Job
	timeout  time.Duration
	pending  atomic.Int64
	failures prometheus.Counter
	dropped  prometheus.Counter
	onError  func(job contract.Job, err error)
}

type PersistenceOption func(*PersistenceWorker)

func WithFailureCounter(c prometheus.Counter) PersistenceOption {
	return func(w *PersistenceWorker) { w.failures = c }
}

func WithDropCounter(c prometheus.Counter) PersistenceOption {
	return func(w *PersistenceWorker) { w.dropped = c }
}

// WithErrorHandler is called after a job failed.
func WithErrorHandler(fn func(job contract.Job, err error)) PersistenceOption {
	return func(w *PersistenceWorker) { w.onError = fn }
}

func NewPersistenceWorker(log *slog.Logger, shards, buffer int, timeout time.Duration, opts ...PersistenceOption) *PersistenceWorker {
	shards = max(shards, 1)
	buffer = max(buffer, 1)
	w := &PersistenceWorker{
		log:     log,
		shards:  make([]chan contract.Job, shards),
		timeout: timeout,
	}
	for i := range w.shards {
		w.shards[i] = make(chan contract.Job, buffer)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *PersistenceWorker) shardFor(key string) chan contract.Job {
	return w.shards[xxhash.Sum64String(key)%uint64(len(w.shards))]
}

// Submit queues a job without blocking. It returns false when the shard is full.
func (w *PersistenceWorker) Submit(key string, job contract.Job) bool {
	w.pending.Add(1)
	select {
	case w.shardFor(key) <- job:
		return true
	default:
		w.pending.Add(-1)
		if w.dropped != nil {
			w.dropped.Inc()
		}
		w.log.Warn("Persistence job dropped", "job", job.Name, "key", key, "error", errors.ErrQueueFull)
		return false
	}
}

// Run consumes every shard until ctx is canceled, then drains what is left.
func (w *PersistenceWorker) Run(ctx context.Context) error {
	w.log.Info("Starting persistence worker", "shards", len(w.shards))
	g, gCtx := errgroup.WithContext(ctx)
	for i, shard := range w.shards {
		g.Go(func() error {
			w.consume(gCtx, i, shard)
			return nil
		})
	}
	return g.Wait()
}

func (w *PersistenceWorker) consume(ctx context.Context, index int, shard chan contract.Job) {
	for {
		select {
		case <-ctx.Done():
			w.drain(index, shard)
			return
		case job := <-shard:
			w.execute(ctx, job)
		}
	}
}

func (w *PersistenceWorker) drain(index int, shard chan contract.Job) {
	drained := 0
	for {
		select {
		case job := <-shard:
			w.execute(context.Background(), job)
			drained++
		default:
			if drained > 0 {
				w.log.Info("Persistence shard drained", "shard", index, "jobs", drained)
			}
			return
		}
	}
}

func (w *PersistenceWorker) execute(ctx context.Context, job contract.Job) {
	defer w.pending.Add(-1)

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", errors.ErrWorkerPanic, r)
			}
		}()
		return job.Run(jobCtx)
	}()
	if err == nil {
		return
	}
	if w.failures != nil {
		w.failures.Inc()
	}
	w.log.Error("Persistence job failed", "job", job.Name, "error", err)
	if w.onError != nil {
		w.onError(job, err)
	}
}

// Pending counts jobs queued or running.
func (w *PersistenceWorker) Pending() int64 {
	return w.pending.Load()
}

// Flush waits until every submitted job has run or ctx is done.
func (w *PersistenceWorker) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for w.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
