package models

import (
	"time"

	"kiosk-auth/internal/identity"
)

// Session is an in-memory authorization grant keyed by an opaque bearer
// token. Sessions never touch durable storage; a restart drops them all.
type Session struct {
	Token     string            `json:"-"`
	Identity  identity.Identity `json:"identity"`
	SingleUse bool              `json:"single_use"`
	Used      bool              `json:"used"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Usable reports whether the session still authorizes an action at now
func (s *Session) Usable(now time.Time) bool {
	if s == nil || !now.Before(s.ExpiresAt) {
		return false
	}
	return !s.SingleUse || !s.Used
}
