package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLimiter(window time.Duration, limit int) (*Limiter, *time.Time) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(window, limit, 4)
	l.now = func() time.Time { return current }
	return l, &current
}

func TestCheckAdmitsUpToLimit(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(5*time.Minute, 15)

	for i := 0; i < 15; i++ {
		res := l.Check("phone:5551234567")
		require.True(t, res.Allowed, "attempt %d should be admitted", i+1)
		require.Equal(t, 15-i-1, res.Remaining)
	}

	res := l.Check("phone:5551234567")
	require.False(t, res.Allowed, "16th attempt must be refused")
	require.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestRetryAfterTracksOldestEntry(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(5*time.Minute, 2)

	l.Check("k")
	*clock = clock.Add(2 * time.Minute)
	l.Check("k")

	res := l.Check("k")
	require.False(t, res.Allowed)
	// oldest entry is 2 minutes old, so room opens in 3 minutes
	require.Equal(t, 3*time.Minute, res.RetryAfter)
}

func TestWindowSlides(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(5*time.Minute, 3)

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("k").Allowed)
	}
	require.False(t, l.Check("k").Allowed)

	*clock = clock.Add(5*time.Minute + time.Second)
	require.True(t, l.Check("k").Allowed, "entries past the window must be pruned")
}

func TestKeysAreIndependent(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(5*time.Minute, 1)

	require.True(t, l.Check("phone:111").Allowed)
	require.False(t, l.Check("phone:111").Allowed)
	require.True(t, l.Check("phone:222").Allowed)
	require.True(t, l.Check("email:a@b.com").Allowed)
}

func TestReset(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(5*time.Minute, 1)

	require.True(t, l.Check("k").Allowed)
	require.False(t, l.Check("k").Allowed)

	l.Reset("k")
	require.True(t, l.Check("k").Allowed)
}

func TestSweepDropsStaleKeys(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(time.Minute, 5)

	l.Check("old")
	*clock = clock.Add(30 * time.Second)
	l.Check("fresh")
	*clock = clock.Add(45 * time.Second)

	removed := l.Sweep()
	require.Equal(t, 1, removed)
	require.Equal(t, 1, l.Len())
}

func TestConcurrentChecksNeverOverAdmit(t *testing.T) {
	t.Parallel()

	const limit = 15
	l := NewLimiter(5*time.Minute, limit, 4)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("shared").Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, limit, admitted)
}

func TestManyKeysSpreadAcrossShards(t *testing.T) {
	t.Parallel()

	l := NewLimiter(5*time.Minute, 3, 8)
	for i := 0; i < 200; i++ {
		require.True(t, l.Check(fmt.Sprintf("phone:%d", i)).Allowed)
	}
	require.Equal(t, 200, l.Len())
}
