// Package audit fans security events out to the log, Kafka and ClickHouse.
// Sinks are best effort: a broker outage must never fail a PIN operation.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kiosk-auth/internal/bucketing"
	"kiosk-auth/internal/config"
	"kiosk-auth/internal/models"
	"kiosk-auth/internal/util"
)

const sinkTimeout = 5 * time.Second

// EventPublisher is the Kafka side of the fan-out.
type EventPublisher interface {
	PublishEvent(ctx context.Context, key, value []byte) error
}

// EventArchiver is the ClickHouse side of the fan-out.
type EventArchiver interface {
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

type Recorder struct {
	producer  EventPublisher
	archive   EventArchiver
	bucketing *bucketing.Manager
	table     string
	now       func() time.Time
}

// NewRecorder accepts nil sinks; events then go to the log only
func NewRecorder(cfg *config.Config, producer EventPublisher, archive EventArchiver, buckets *bucketing.Manager) *Recorder {
	return &Recorder{
		producer:  producer,
		archive:   archive,
		bucketing: buckets,
		table:     cfg.Clickhouse.Table,
		now:       time.Now,
	}
}

// Record emits one security event. The log write is synchronous; delivery
// to Kafka and ClickHouse runs detached so callers never block on sink
// network I/O, and sink errors are logged and dropped.
func (r *Recorder) Record(ctx context.Context, eventType, identityKey, remoteAddr, detail string) {
	now := r.now().UTC()
	event := &models.SecurityEvent{
		EventID:     uuid.New().String(),
		EventBucket: r.bucketing.EventBucket(identityKey),
		EventDate:   r.bucketing.DateBucket(now),
		EventTime:   now,
		EventType:   eventType,
		IdentityKey: identityKey,
		RemoteAddr:  remoteAddr,
		Detail:      detail,
	}

	util.Info("security event",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("identity", event.IdentityKey),
		zap.String("remote_addr", event.RemoteAddr),
		zap.String("detail", event.Detail))

	if r.producer == nil && r.archive == nil {
		return
	}

	go r.deliver(event)
}

// deliver runs off the request path on its own deadline so a cancelled
// request does not kill delivery and a stalled sink does not stall a caller.
func (r *Recorder) deliver(event *models.SecurityEvent) {
	sinkCtx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	g, sinkCtx := errgroup.WithContext(sinkCtx)

	if r.producer != nil {
		g.Go(func() error {
			payload, err := json.Marshal(event)
			if err != nil {
				return fmt.Errorf("failed to encode security event: %w", err)
			}
			return r.producer.PublishEvent(sinkCtx, []byte(event.IdentityKey), payload)
		})
	}

	if r.archive != nil {
		g.Go(func() error {
			query := fmt.Sprintf(`INSERT INTO %s
                (event_id, event_bucket, event_date, event_time, event_type, identity_key, remote_addr, detail)`,
				r.table)
			return r.archive.BatchInsert(sinkCtx, query, [][]interface{}{{
				event.EventID, event.EventBucket, event.EventDate, event.EventTime,
				event.EventType, event.IdentityKey, event.RemoteAddr, event.Detail,
			}})
		})
	}

	if err := g.Wait(); err != nil {
		util.Warn("security event sink failed",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}
