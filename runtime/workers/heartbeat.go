package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
)

// StatsRecorder receives process samples.
type StatsRecorder interface {
	Record(rss uint64, cpu float64, status string, at time.Time)
}

type HeartbeatWorker struct {
	log      *slog.Logger
	recorder StatsRecorder
	interval time.Duration
}

func NewHeartbeatWorker(log *slog.Logger, recorder StatsRecorder, interval time.Duration) *HeartbeatWorker {
	return &HeartbeatWorker{log: log, recorder: recorder, interval: interval}
}

// Run samples RSS, CPU and status of the gateway process every interval.
func (w *HeartbeatWorker) Run(ctx context.Context) error {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}
	w.sample(p)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sample(p)
		}
	}
}

func (w *HeartbeatWorker) sample(p *process.Process) {
	rss, cpu, status, err := selfStats(p)
	if err != nil {
		w.log.Debug("Failed to collect self stats", "error", err)
		return
	}
	w.recorder.Record(rss, cpu, status, time.Now().UTC())
}

func selfStats(p *process.Process) (uint64, float64, string, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, "", err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return 0, 0, "", err
	}
	status, err := p.Status()
	if err != nil {
		return 0, 0, "", err
	}
	return memInfo.RSS, cpuPercent, status, nil
}
