package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnectionThrottle limits connection attempts per remote address.
type ConnectionThrottle struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	every    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

// NewConnectionThrottle allows attempts connections per period, refilled evenly.
func NewConnectionThrottle(attempts int, period time.Duration) *ConnectionThrottle {
	if attempts <= 0 {
		attempts = 1
	}
	return &ConnectionThrottle{
		visitors: make(map[string]*visitor),
		every:    rate.Every(period / time.Duration(attempts)),
		burst:    attempts,
		idle:     period,
		now:      time.Now,
	}
}

func (t *ConnectionThrottle) Allow(addr string) bool {
	now := t.now()
	t.mu.Lock()
	v, ok := t.visitors[addr]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.every, t.burst)}
		t.visitors[addr] = v
	}
	v.lastSeen = now
	t.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// Cleanup forgets addresses idle for a whole period.
func (t *ConnectionThrottle) Cleanup() int {
	cutoff := t.now().Add(-t.idle)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for addr, v := range t.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(t.visitors, addr)
			removed++
		}
	}
	return removed
}
