package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"kiosk-auth/internal/config"
)

// Manager assigns security events to stable buckets so the audit sink can
// partition without hot spots
type Manager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		eventBuckets: cfg.Bucketing.EventBuckets,
	}
	if m.eventBuckets < 1 {
		m.eventBuckets = 1
	}

	// Pool of hash functions to avoid allocation on the event path
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// EventBucket returns a consistent bucket in [0, eventBuckets) for an
// identifier
func (m *Manager) EventBucket(identifier string) int {
	h := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(h)

	h.Reset()
	_, _ = h.Write([]byte(identifier))

	return int(h.Sum64() % uint64(m.eventBuckets))
}

// TimeBucket aligns now to windowSeconds boundaries
func (m *Manager) TimeBucket(windowSeconds int) int64 {
	return time.Now().Unix() / int64(windowSeconds) * int64(windowSeconds)
}

// DateBucket returns the UTC date partition for an event
func (m *Manager) DateBucket(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}
