package bucketing_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kiosk-auth/internal/bucketing"
	"kiosk-auth/internal/config"
)

func newTestManager(buckets int) *bucketing.Manager {
	cfg := &config.Config{
		Bucketing: config.BucketingConfig{EventBuckets: buckets},
	}
	return bucketing.NewManager(cfg)
}

func TestEventBucketStableAndInRange(t *testing.T) {
	t.Parallel()

	m := newTestManager(8)

	keys := []string{"phone:15551234567", "email:kiosk@example.com", "", "phone:1"}
	for _, key := range keys {
		first := m.EventBucket(key)
		require.GreaterOrEqual(t, first, 0)
		require.Less(t, first, 8)

		for i := 0; i < 10; i++ {
			require.Equal(t, first, m.EventBucket(key))
		}
	}
}

func TestEventBucketSingleBucketFloor(t *testing.T) {
	t.Parallel()

	m := newTestManager(0)
	require.Equal(t, 0, m.EventBucket("phone:15551234567"))
}

func TestEventBucketConcurrent(t *testing.T) {
	t.Parallel()

	m := newTestManager(16)
	want := m.EventBucket("email:kiosk@example.com")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				require.Equal(t, want, m.EventBucket("email:kiosk@example.com"))
			}
		}()
	}
	wg.Wait()
}

func TestDateBucket(t *testing.T) {
	t.Parallel()

	m := newTestManager(4)
	at := time.Date(2025, 3, 1, 23, 30, 0, 0, time.FixedZone("east", 2*60*60))
	require.Equal(t, "2025-03-01", m.DateBucket(at))
}
