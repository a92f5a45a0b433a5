package audit_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kiosk-auth/internal/audit"
	"kiosk-auth/internal/bucketing"
	"kiosk-auth/internal/config"
	"kiosk-auth/internal/models"
)

func newTestRecorder(t *testing.T, producer audit.EventPublisher, archive audit.EventArchiver) *audit.Recorder {
	t.Helper()
	cfg := &config.Config{
		Clickhouse: config.ClickhouseConfig{Table: "security_events"},
		Bucketing:  config.BucketingConfig{EventBuckets: 8},
	}
	return audit.NewRecorder(cfg, producer, archive, bucketing.NewManager(cfg))
}

// stalledPublisher never completes until its context expires, standing in
// for a broker that accepts connections but never acknowledges.
type stalledPublisher struct {
	started chan struct{}
}

func (p *stalledPublisher) PublishEvent(ctx context.Context, key, value []byte) error {
	select {
	case p.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

type capturingPublisher struct {
	events chan models.SecurityEvent
}

func (p *capturingPublisher) PublishEvent(ctx context.Context, key, value []byte) error {
	var event models.SecurityEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return err
	}
	p.events <- event
	return nil
}

type capturingArchiver struct {
	rows chan []interface{}
}

func (a *capturingArchiver) BatchInsert(ctx context.Context, query string, rows [][]interface{}) error {
	for _, row := range rows {
		a.rows <- row
	}
	return nil
}

func TestRecordDoesNotBlockOnStalledSink(t *testing.T) {
	t.Parallel()

	pub := &stalledPublisher{started: make(chan struct{}, 1)}
	rec := newTestRecorder(t, pub, nil)

	start := time.Now()
	rec.Record(context.Background(), models.EventPINBadAttempt, "phone:15551234567", "10.0.0.1", "")
	elapsed := time.Since(start)

	require.Less(t, elapsed, time.Second, "record must return before the sink deadline")

	select {
	case <-pub.started:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never reached the publisher")
	}
}

func TestRecordDeliversToSinks(t *testing.T) {
	t.Parallel()

	pub := &capturingPublisher{events: make(chan models.SecurityEvent, 1)}
	arch := &capturingArchiver{rows: make(chan []interface{}, 1)}
	rec := newTestRecorder(t, pub, arch)

	rec.Record(context.Background(), models.EventPINVerified, "email:kiosk@example.com", "10.0.0.2", "attempt=1")

	select {
	case event := <-pub.events:
		require.Equal(t, models.EventPINVerified, event.EventType)
		require.Equal(t, "email:kiosk@example.com", event.IdentityKey)
		require.NotEmpty(t, event.EventID)
		require.GreaterOrEqual(t, event.EventBucket, 0)
		require.Less(t, event.EventBucket, 8)
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the publisher")
	}

	select {
	case row := <-arch.rows:
		require.Len(t, row, 8)
		require.Equal(t, models.EventPINVerified, row[4])
		require.Equal(t, "email:kiosk@example.com", row[5])
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the archive")
	}
}
