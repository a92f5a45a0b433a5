// Package lockout holds the pure decision logic for PIN failure counting.
// It performs no I/O; the credential repository persists whatever state
// these functions produce.
package lockout

import (
	"time"

	"kiosk-auth/internal/models"
)

// Defaults for the lockout policy. Overridable through configuration.
const (
	DefaultMaxAttempts     = 5
	DefaultLockoutDuration = 15 * time.Minute
)

type Policy struct {
	MaxAttempts     int
	LockoutDuration time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     DefaultMaxAttempts,
		LockoutDuration: DefaultLockoutDuration,
	}
}

// FailureState is the post-failure counter state to persist
type FailureState struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

// IsLocked reports whether the credential refuses verification at now
func (p Policy) IsLocked(cred *models.Credential, now time.Time) bool {
	return cred != nil && cred.LockedUntil != nil && cred.LockedUntil.After(now)
}

// NextFailureState computes the state after one more wrong PIN. The
// attempt that reaches MaxAttempts starts the lockout window.
func (p Policy) NextFailureState(cred *models.Credential, now time.Time) FailureState {
	next := FailureState{
		FailedAttempts: cred.FailedAttempts + 1,
		LockedUntil:    cred.LockedUntil,
	}
	if next.FailedAttempts >= p.MaxAttempts {
		until := now.Add(p.LockoutDuration)
		next.LockedUntil = &until
	}
	return next
}

// AttemptsRemaining never reports below zero
func (p Policy) AttemptsRemaining(failedAttempts int) int {
	remaining := p.MaxAttempts - failedAttempts
	if remaining < 0 {
		return 0
	}
	return remaining
}
