package models

import "time"

// Security event types emitted by the PIN service
const (
	EventPINSet        = "pin_set"
	EventPINVerified   = "pin_verified"
	EventPINBadAttempt = "pin_bad_attempt"
	EventPINLocked     = "pin_locked"
	EventRateLimited   = "pin_rate_limited"
	EventAdminReset    = "pin_admin_reset"
	EventAdminDenied   = "pin_admin_denied"
)

// SecurityEvent is the audit record fanned out to Kafka and ClickHouse
type SecurityEvent struct {
	EventID     string    `json:"event_id" db:"event_id"`
	EventBucket int       `json:"event_bucket" db:"event_bucket"`
	EventDate   string    `json:"event_date" db:"event_date"`
	EventTime   time.Time `json:"event_time" db:"event_time"`
	EventType   string    `json:"event_type" db:"event_type"`
	IdentityKey string    `json:"identity_key" db:"identity_key"` // redacted identity, safe to persist
	RemoteAddr  string    `json:"remote_addr,omitempty" db:"remote_addr"`
	Detail      string    `json:"detail,omitempty" db:"detail"`
}
