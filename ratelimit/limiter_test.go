package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiter_Rejects_Above_Ceiling_Until_Window_Passes(t *testing.T) {
	req := require.New(t)
	clock := &fakeClock{now: time.Now()}
	rejected := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_rejected_total"})
	limiter := NewLimiter(30, time.Minute, WithClock(clock.Now), WithRejectCounter(rejected))

	// Given 30 events inside the same minute
	for i := 0; i < 30; i++ {
		req.True(limiter.Allow("user:alice"), "event %d", i+1)
		clock.Advance(time.Second)
	}

	// Then the 31st is rejected and counted
	req.False(limiter.Allow("user:alice"))
	req.Equal(float64(1), testutil.ToFloat64(rejected))

	// And another identity is unaffected
	req.True(limiter.Allow("user:bob"))

	// When the window slides past the first event
	clock.Advance(31 * time.Second)

	// Then allowance is restored
	req.True(limiter.Allow("user:alice"))
}

func TestLimiter_AllowAll_Is_All_Or_Nothing(t *testing.T) {
	req := require.New(t)
	clock := &fakeClock{now: time.Now()}
	limiter := NewLimiter(2, time.Minute, WithClock(clock.Now))

	// Given the connection window is already full
	req.True(limiter.Allow("conn:1"))
	req.True(limiter.Allow("conn:1"))

	// When the user and the connection are checked together
	req.False(limiter.AllowAll("user:alice", "conn:1"))

	// Then nothing was recorded against the user
	req.True(limiter.Allow("user:alice"))
	req.True(limiter.Allow("user:alice"))
	req.False(limiter.Allow("user:alice"))
}

func TestLimiter_Cleanup_And_Release(t *testing.T) {
	req := require.New(t)
	clock := &fakeClock{now: time.Now()}
	limiter := NewLimiter(5, time.Minute, WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		limiter.Allow(fmt.Sprintf("user:%d", i))
	}
	req.Equal(10, limiter.Size())

	limiter.Release("user:0")
	req.Equal(9, limiter.Size())

	// When every window has been idle for longer than the window
	clock.Advance(2 * time.Minute)
	limiter.Allow("user:fresh")

	// Then only the fresh one survives
	req.Equal(9, limiter.Cleanup())
	req.Equal(1, limiter.Size())
}

func TestLimiter_Concurrent_Identities(t *testing.T) {
	req := require.New(t)
	limiter := NewLimiter(100, time.Minute)

	var wg sync.WaitGroup
	allowed := make([]int, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 150; i++ {
				if limiter.Allow(fmt.Sprintf("user:%d", g)) {
					allowed[g]++
				}
			}
		}(g)
	}
	wg.Wait()

	for g := range allowed {
		req.Equal(100, allowed[g])
	}
}

func TestConnectionThrottle(t *testing.T) {
	req := require.New(t)
	clock := &fakeClock{now: time.Now()}
	throttle := NewConnectionThrottle(3, time.Minute)
	throttle.now = clock.Now

	// Given three attempts from one address
	req.True(throttle.Allow("10.0.0.1"))
	req.True(throttle.Allow("10.0.0.1"))
	req.True(throttle.Allow("10.0.0.1"))

	// Then the fourth is throttled while another address is not
	req.False(throttle.Allow("10.0.0.1"))
	req.True(throttle.Allow("10.0.0.2"))

	// When a refill interval passes one more attempt is admitted
	clock.Advance(20 * time.Second)
	req.True(throttle.Allow("10.0.0.1"))

	clock.Advance(2 * time.Minute)
	req.Equal(2, throttle.Cleanup())
}
