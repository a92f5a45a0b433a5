package lockout_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kiosk-auth/internal/lockout"
	"kiosk-auth/internal/models"
)

func TestIsLocked(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	policy := lockout.DefaultPolicy()

	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name   string
		cred   *models.Credential
		locked bool
	}{
		{"Nil credential", nil, false},
		{"No lockout set", &models.Credential{}, false},
		{"Lockout elapsed", &models.Credential{LockedUntil: &past}, false},
		{"Lockout active", &models.Credential{LockedUntil: &future}, true},
		{"Lockout exactly now", &models.Credential{LockedUntil: &now}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tt.locked, policy.IsLocked(tt.cred, now))
		})
	}
}

func TestNextFailureState(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	policy := lockout.Policy{MaxAttempts: 5, LockoutDuration: 15 * time.Minute}

	cred := &models.Credential{}
	for i := 1; i <= 4; i++ {
		state := policy.NextFailureState(cred, now)
		require.Equal(t, i, state.FailedAttempts)
		require.Nil(t, state.LockedUntil, "attempt %d must not lock", i)
		cred.FailedAttempts = state.FailedAttempts
		cred.LockedUntil = state.LockedUntil
	}

	state := policy.NextFailureState(cred, now)
	require.Equal(t, 5, state.FailedAttempts)
	require.NotNil(t, state.LockedUntil)
	require.Equal(t, now.Add(15*time.Minute), *state.LockedUntil)
}

func TestNextFailureStatePreservesExistingLock(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	policy := lockout.Policy{MaxAttempts: 5, LockoutDuration: 15 * time.Minute}

	existing := now.Add(10 * time.Minute)
	cred := &models.Credential{FailedAttempts: 2, LockedUntil: &existing}

	state := policy.NextFailureState(cred, now)
	require.Equal(t, 3, state.FailedAttempts)
	require.Equal(t, existing, *state.LockedUntil)
}

func TestAttemptsRemaining(t *testing.T) {
	t.Parallel()

	policy := lockout.Policy{MaxAttempts: 5, LockoutDuration: 15 * time.Minute}

	require.Equal(t, 5, policy.AttemptsRemaining(0))
	require.Equal(t, 1, policy.AttemptsRemaining(4))
	require.Equal(t, 0, policy.AttemptsRemaining(5))
	require.Equal(t, 0, policy.AttemptsRemaining(9))
}
