// Package ratelimit bounds how fast a single identity may act.
//
// Limiter keeps an exact sliding window of event timestamps per identity.
// ConnectionThrottle is a coarser token bucket per remote address that
// guards the accept path.
package ratelimit

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
)

const shardCount = 32

type Option func(*Limiter)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithRejectCounter increments c on every rejected event.
func WithRejectCounter(c prometheus.Counter) Option {
	return func(l *Limiter) { l.rejected = c }
}

type window struct {
	mu   sync.Mutex
	hits []time.Time
	last time.Time
}

// prune drops timestamps that fell out of the window. Caller holds w.mu.
func (w *window) prune(now time.Time, size time.Duration) {
	cutoff := now.Add(-size)
	i := sort.Search(len(w.hits), func(i int) bool { return w.hits[i].After(cutoff) })
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

type shard struct {
	mu      sync.RWMutex
	windows map[string]*window
}

type Limiter struct {
	limit    int
	size     time.Duration
	shards   [shardCount]*shard
	now      func() time.Time
	rejected prometheus.Counter
}

func NewLimiter(limit int, size time.Duration, opts ...Option) *Limiter {
	l := &Limiter{limit: limit, size: size, now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string]*window)}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) shardFor(identity string) *shard {
	return l.shards[xxhash.Sum64String(identity)%shardCount]
}

func (l *Limiter) window(identity string) *window {
	s := l.shardFor(identity)
	s.mu.RLock()
	w, ok := s.windows[identity]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[identity]; !ok {
		w = &window{}
		s.windows[identity] = w
	}
	return w
}

// Allow records one event for identity and reports whether it fits in the window.
func (l *Limiter) Allow(identity string) bool {
	return l.AllowAll(identity)
}

// AllowAll admits the event only if every identity has room, and then records
// it against all of them. Windows are locked in sorted order.
func (l *Limiter) AllowAll(identities ...string) bool {
	keys := lo.Uniq(identities)
	sort.Strings(keys)
	windows := lo.Map(keys, func(k string, _ int) *window { return l.window(k) })

	for _, w := range windows {
		w.mu.Lock()
	}
	defer func() {
		for _, w := range windows {
			w.mu.Unlock()
		}
	}()

	now := l.now()
	for _, w := range windows {
		w.prune(now, l.size)
		if len(w.hits) >= l.limit {
			if l.rejected != nil {
				l.rejected.Inc()
			}
			return false
		}
	}
	for _, w := range windows {
		w.hits = append(w.hits, now)
		w.last = now
	}
	return true
}

// Release forgets the window of identity.
func (l *Limiter) Release(identity string) {
	s := l.shardFor(identity)
	s.mu.Lock()
	delete(s.windows, identity)
	s.mu.Unlock()
}

// Cleanup purges windows with no activity during the last window and returns how many were removed.
func (l *Limiter) Cleanup() int {
	cutoff := l.now().Add(-l.size)
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for id, w := range s.windows {
			w.mu.Lock()
			idle := !w.last.After(cutoff)
			w.mu.Unlock()
			if idle {
				delete(s.windows, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Size returns the number of tracked identities.
func (l *Limiter) Size() int {
	total := 0
	for _, s := range l.shards {
		s.mu.RLock()
		total += len(s.windows)
		s.mu.RUnlock()
	}
	return total
}
