// Package ratelimit throttles verification call volume per identity key
// inside a rolling window. It is deliberately independent of the lockout
// policy: it counts calls, not wrong answers, and a refused caller's
// credential state is never touched.
package ratelimit

import (
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// Defaults matching the verification policy
const (
	DefaultWindow      = 5 * time.Minute
	DefaultMaxAttempts = 15
	DefaultShards      = 16
)

// Result of a single admission check
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type shard struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

// Limiter is a sharded in-memory sliding-window counter. State is
// process-local; a multi-instance deployment would need a shared store,
// which is out of scope for the single-kiosk-fleet deployment.
type Limiter struct {
	window time.Duration
	limit  int
	shards []*shard

	now func() time.Time
}

func NewLimiter(window time.Duration, limit, shardCount int) *Limiter {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string][]time.Time)}
	}
	return &Limiter{
		window: window,
		limit:  limit,
		shards: shards,
		now:    time.Now,
	}
}

func (l *Limiter) shardFor(key string) *shard {
	h := murmur3.Sum64([]byte(key))
	return l.shards[h%uint64(len(l.shards))]
}

// Check prunes entries older than the window, then either refuses with the
// time until the oldest surviving entry ages out, or records this attempt
// and admits. Prune-then-append happens under the shard lock so two
// concurrent callers cannot both squeeze past the limit.
func (l *Limiter) Check(key string) Result {
	now := l.now()
	cutoff := now.Add(-l.window)

	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.entries[key]
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		s.entries[key] = kept
		return Result{
			Allowed:    false,
			RetryAfter: l.window - now.Sub(kept[0]),
		}
	}

	s.entries[key] = append(kept, now)
	return Result{
		Allowed:   true,
		Remaining: l.limit - len(kept) - 1,
	}
}

// Reset forgets all attempts for a key (admin reset flow)
func (l *Limiter) Reset(key string) {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Len reports the number of tracked keys across all shards, for stats
func (l *Limiter) Len() int {
	total := 0
	for _, s := range l.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

// Sweep drops keys whose every entry has aged out. Purely a memory
// reclamation aid; Check already ignores stale entries.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.window)
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, entries := range s.entries {
			stale := true
			for _, ts := range entries {
				if ts.After(cutoff) {
					stale = false
					break
				}
			}
			if stale {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
