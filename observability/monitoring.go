package observability

import (
	"runtime"
	"sync"
	"time"
)

// ProcessStats is the latest sample of the gateway process.
type ProcessStats struct {
	RSS        uint64    `json:"rss"`
	CPUPercent float64   `json:"cpu"`
	Status     string    `json:"status"`
	Goroutines int       `json:"goroutines"`
	AllocMemMb uint64    `json:"alloc_mem_mb"`
	NumGC      uint32    `json:"num_gc"`
	SampledAt  time.Time `json:"sampled_at"`
}

// MonitoringManager holds the last process sample for the health endpoint.
type MonitoringManager struct {
	mu          sync.RWMutex
	latestStats ProcessStats
}

func NewMonitoringManager() *MonitoringManager {
	return &MonitoringManager{}
}

// Record stores a sample taken by the heartbeat and completes it with Go runtime figures.
func (mm *MonitoringManager) Record(rss uint64, cpu float64, status string, at time.Time) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.latestStats = ProcessStats{
		RSS:        rss,
		CPUPercent: cpu,
		Status:     status,
		Goroutines: runtime.NumGoroutine(),
		AllocMemMb: m.Alloc / 1024 / 1024,
		NumGC:      m.NumGC,
		SampledAt:  at,
	}
}

func (mm *MonitoringManager) GetLatest() ProcessStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.latestStats
}
