package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"kiosk-auth/internal/audit"
	"kiosk-auth/internal/bucketing"
	"kiosk-auth/internal/config"
	"kiosk-auth/internal/hashing"
	"kiosk-auth/internal/identity"
	"kiosk-auth/internal/lockout"
	"kiosk-auth/internal/models"
	"kiosk-auth/internal/ratelimit"
	"kiosk-auth/internal/repository/scylla"
	"kiosk-auth/internal/session"
)

const testAdminKey = "test-admin-key"

// memoryRepo mirrors the credential repository semantics in memory so the
// orchestrator can be tested without a database
type memoryRepo struct {
	mu      sync.Mutex
	rows    map[string]*models.Credential
	byPhone map[string]string
	byEmail map[string]string
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		rows:    make(map[string]*models.Credential),
		byPhone: make(map[string]string),
		byEmail: make(map[string]string),
	}
}

func (m *memoryRepo) Lookup(_ context.Context, ident identity.Identity) (*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(ident)
}

func (m *memoryRepo) lookupLocked(ident identity.Identity) (*models.Credential, error) {
	if ident.Phone != "" {
		if id, ok := m.byPhone[ident.Phone]; ok {
			return copyCredential(m.rows[id]), nil
		}
	}
	if ident.Email != "" {
		if id, ok := m.byEmail[ident.Email]; ok {
			return copyCredential(m.rows[id]), nil
		}
	}
	return nil, scylla.ErrCredentialNotFound
}

func (m *memoryRepo) Upsert(_ context.Context, ident identity.Identity, pinHash string) (*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	phoneID := m.byPhone[ident.Phone]
	emailID := m.byEmail[ident.Email]
	if ident.Phone == "" {
		phoneID = ""
	}
	if ident.Email == "" {
		emailID = ""
	}
	if phoneID != "" && emailID != "" && phoneID != emailID {
		return nil, scylla.ErrIdentityConflict
	}

	existingID := phoneID
	if existingID == "" {
		existingID = emailID
	}

	now := time.Now().UTC()
	if existingID != "" {
		row := m.rows[existingID]
		if row.HasPIN() {
			return nil, scylla.ErrPINAlreadySet
		}
		row.PINHash = pinHash
		row.FailedAttempts = 0
		row.LockedUntil = nil
		row.UpdatedAt = now
		if ident.Phone != "" {
			m.byPhone[ident.Phone] = existingID
		}
		if ident.Email != "" {
			m.byEmail[ident.Email] = existingID
		}
		return copyCredential(row), nil
	}

	row := &models.Credential{
		CredentialID: uuid.New().String(),
		Phone:        ident.Phone,
		Email:        ident.Email,
		PINHash:      pinHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.rows[row.CredentialID] = row
	if ident.Phone != "" {
		m.byPhone[ident.Phone] = row.CredentialID
	}
	if ident.Email != "" {
		m.byEmail[ident.Email] = row.CredentialID
	}
	return copyCredential(row), nil
}

func (m *memoryRepo) RecordFailure(_ context.Context, cred *models.Credential, policy lockout.Policy, now time.Time) (lockout.FailureState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := m.rows[cred.CredentialID]
	state := policy.NextFailureState(row, now)
	row.FailedAttempts = state.FailedAttempts
	row.LockedUntil = state.LockedUntil
	row.UpdatedAt = now
	return state, nil
}

func (m *memoryRepo) ClearFailures(_ context.Context, credentialID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if row, ok := m.rows[credentialID]; ok {
		row.FailedAttempts = 0
		row.LockedUntil = nil
	}
	return nil
}

func (m *memoryRepo) AdminReset(_ context.Context, ident identity.Identity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, err := m.lookupLocked(ident)
	if err != nil {
		return false, nil
	}
	stored := m.rows[row.CredentialID]
	stored.PINHash = ""
	stored.FailedAttempts = 0
	stored.LockedUntil = nil
	return true, nil
}

func (m *memoryRepo) HealthCheck(context.Context) error { return nil }

func copyCredential(c *models.Credential) *models.Credential {
	dup := *c
	if c.LockedUntil != nil {
		t := *c.LockedUntil
		dup.LockedUntil = &t
	}
	return &dup
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Hashing.Pepper = "test-pepper"
	cfg.Hashing.Argon2MemoryCost = 8 * 1024
	cfg.Hashing.Argon2TimeCost = 1
	cfg.Hashing.Argon2Parallelism = 1
	cfg.Bucketing.EventBuckets = 8
	cfg.Clickhouse.Table = "pin_security_events"
	return cfg
}

func newTestService(t *testing.T) (*PinService, *memoryRepo) {
	t.Helper()

	cfg := testConfig()
	repo := newMemoryRepo()
	store := session.NewStore(30 * time.Minute)
	t.Cleanup(store.Close)

	recorder := audit.NewRecorder(cfg, nil, nil, bucketing.NewManager(cfg))

	svc := NewPinService(
		repo,
		hashing.NewHasher(cfg),
		store,
		ratelimit.NewLimiter(5*time.Minute, 15, 4),
		lockout.DefaultPolicy(),
		recorder,
		testAdminKey,
	)
	return svc, repo
}

func phoneIdentity(t *testing.T, phone string) identity.Identity {
	t.Helper()
	ident, err := identity.New(phone, "")
	require.NoError(t, err)
	return ident
}

func TestSetPinFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pin     string
		outcome Outcome
	}{
		{"four digits", "1234", OutcomeOK},
		{"six digits", "123456", OutcomeOK},
		{"too short", "12", OutcomeInvalidFormat},
		{"too long", "123456789", OutcomeInvalidFormat},
		{"non-digit", "12a4", OutcomeInvalidFormat},
		{"empty", "", OutcomeInvalidFormat},
	}

	for i, tt := range tests {
		tt := tt
		phone := phoneNumber(i)
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc, _ := newTestService(t)

			result, err := svc.SetPin(context.Background(), phoneIdentity(t, phone), tt.pin, "")
			require.NoError(t, err)
			require.Equal(t, tt.outcome, result.Outcome)
			if tt.outcome == OutcomeOK {
				require.NotEmpty(t, result.SessionToken)
				require.Greater(t, result.ExpiresInMs, int64(0))
			} else {
				require.Empty(t, result.SessionToken)
			}
		})
	}
}

func phoneNumber(i int) string {
	return "555123456" + string(rune('0'+i))
}

func TestVerifyPinNotSet(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	ident := phoneIdentity(t, "5551234567")

	result, err := svc.VerifyPin(ctx, ident, "1234", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeNotSet, result.Outcome)
}

func TestSetThenVerify(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	ident := phoneIdentity(t, "5551234567")

	set, err := svc.SetPin(ctx, ident, "1234", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, set.Outcome)
	require.NotEmpty(t, set.SessionToken)

	verify, err := svc.VerifyPin(ctx, ident, "1234", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, verify.Outcome)
	require.NotEmpty(t, verify.SessionToken)
	require.NotEqual(t, set.SessionToken, verify.SessionToken)

	again, err := svc.VerifyPin(ctx, ident, "1234", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, again.Outcome)
	require.NotEqual(t, verify.SessionToken, again.SessionToken)
}

func TestSetPinAlreadySet(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t)
	ctx := context.Background()
	ident := phoneIdentity(t, "5551234567")

	first, err := svc.SetPin(ctx, ident, "1234", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, first.Outcome)

	before, err := repo.Lookup(ctx, ident)
	require.NoError(t, err)

	second, err := svc.SetPin(ctx, ident, "9999", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadySet, second.Outcome)

	after, err := repo.Lookup(ctx, ident)
	require.NoError(t, err)
	require.Equal(t, before.PINHash, after.PINHash)
	require.Equal(t, before.FailedAttempts, after.FailedAttempts)
}

func TestSetPinIdentityConflict(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	phoneOnly, err := identity.New("5551234567", "")
	require.NoError(t, err)
	emailOnly, err := identity.New("", "kiosk@example.com")
	require.NoError(t, err)
	both, err := identity.New("5551234567", "kiosk@example.com")
	require.NoError(t, err)

	r1, err := svc.SetPin(ctx, phoneOnly, "1111", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, r1.Outcome)

	r2, err := svc.SetPin(ctx, emailOnly, "2222", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, r2.Outcome)

	r3, err := svc.SetPin(ctx, both, "3333", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeConflict, r3.Outcome)
}

func TestLockoutScenario(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	ident := phoneIdentity(t, "5551234567")

	current := time.Now()
	svc.now = func() time.Time { return current }

	set, err := svc.SetPin(ctx, ident, "1234", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, set.Outcome)

	// First four wrong attempts count down; the fifth trips the lock
	for i, wantRemaining := range []int{4, 3, 2, 1} {
		result, err := svc.VerifyPin(ctx, ident, "0000", "")
		require.NoError(t, err)
		require.Equal(t, OutcomeBadPin, result.Outcome, "attempt %d", i+1)
		require.Equal(t, wantRemaining, result.AttemptsRemaining)
		require.False(t, result.Locked)
	}

	fifth, err := svc.VerifyPin(ctx, ident, "0000", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeBadPin, fifth.Outcome)
	require.True(t, fifth.Locked)
	require.Equal(t, 0, fifth.AttemptsRemaining)
	require.NotNil(t, fifth.LockedUntil)

	// Even the correct PIN is refused while locked, without consuming an attempt
	sixth, err := svc.VerifyPin(ctx, ident, "1234", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeLocked, sixth.Outcome)
	require.NotNil(t, sixth.LockedUntil)

	status, err := svc.PinStatus(ctx, ident, "")
	require.NoError(t, err)
	require.True(t, status.Locked)
	require.Greater(t, status.LockedMinutesRemaining, 0)

	current = current.Add(15*time.Minute + time.Second)

	unlocked, err := svc.VerifyPin(ctx, ident, "1234", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, unlocked.Outcome)
	require.NotEmpty(t, unlocked.SessionToken)

	status, err = svc.PinStatus(ctx, ident, "")
	require.NoError(t, err)
	require.False(t, status.Locked)
	require.Equal(t, 0, status.Attempts)
	require.Equal(t, 5, status.AttemptsRemaining)
}

func TestVerifyResetsFailureCount(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t)
	ctx := context.Background()
	ident := phoneIdentity(t, "5551234567")

	_, err := svc.SetPin(ctx, ident, "1234", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		result, err := svc.VerifyPin(ctx, ident, "0000", "")
		require.NoError(t, err)
		require.Equal(t, OutcomeBadPin, result.Outcome)
	}

	result, err := svc.VerifyPin(ctx, ident, "1234", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, result.Outcome)

	row, err := repo.Lookup(ctx, ident)
	require.NoError(t, err)
	require.Equal(t, 0, row.FailedAttempts)
	require.Nil(t, row.LockedUntil)
}

func TestVerifyRateLimited(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	ident := phoneIdentity(t, "5551234567")

	// No credential exists, so every admitted call is a cheap NotSet;
	// the limiter counts them regardless of outcome
	for i := 0; i < 15; i++ {
		result, err := svc.VerifyPin(ctx, ident, "1234", "")
		require.NoError(t, err)
		require.Equal(t, OutcomeNotSet, result.Outcome, "call %d", i+1)
	}

	result, err := svc.VerifyPin(ctx, ident, "1234", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeRateLimited, result.Outcome)
	require.Greater(t, result.RetryAfter, time.Duration(0))
}

func TestAdminResetPin(t *testing.T) {
	t.Parallel()
	svc, repo := newTestService(t)
	ctx := context.Background()
	ident := phoneIdentity(t, "5551234567")

	_, err := svc.SetPin(ctx, ident, "1234", "")
	require.NoError(t, err)

	denied, err := svc.AdminResetPin(ctx, ident, "wrong-key", "")
	require.NoError(t, err)
	require.False(t, denied.Authorized)

	row, err := repo.Lookup(ctx, ident)
	require.NoError(t, err)
	require.True(t, row.HasPIN())

	granted, err := svc.AdminResetPin(ctx, ident, testAdminKey, "")
	require.NoError(t, err)
	require.True(t, granted.Authorized)
	require.Equal(t, 1, granted.RowsAffected)

	row, err = repo.Lookup(ctx, ident)
	require.NoError(t, err)
	require.False(t, row.HasPIN())

	// Re-enrollment works after the wipe
	set, err := svc.SetPin(ctx, ident, "5678", "")
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, set.Outcome)

	missing, err := svc.AdminResetPin(ctx, phoneIdentity(t, "5550000000"), testAdminKey, "")
	require.NoError(t, err)
	require.True(t, missing.Authorized)
	require.Equal(t, 0, missing.RowsAffected)
}

func TestPinStatus(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	ident := phoneIdentity(t, "5551234567")

	status, err := svc.PinStatus(ctx, ident, "")
	require.NoError(t, err)
	require.False(t, status.PinSet)
	require.False(t, status.Locked)
	require.Equal(t, 5, status.AttemptsRemaining)
	require.False(t, status.SessionActive)

	set, err := svc.SetPin(ctx, ident, "1234", "")
	require.NoError(t, err)

	status, err = svc.PinStatus(ctx, ident, set.SessionToken)
	require.NoError(t, err)
	require.True(t, status.PinSet)
	require.True(t, status.SessionActive)

	status, err = svc.PinStatus(ctx, ident, "no-such-token")
	require.NoError(t, err)
	require.False(t, status.SessionActive)
}

func TestSessionPassThrough(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	ident := phoneIdentity(t, "5551234567")

	set, err := svc.SetPin(ctx, ident, "1234", "")
	require.NoError(t, err)
	token := set.SessionToken

	sess := svc.CheckSession(token)
	require.NotNil(t, sess)
	require.Equal(t, ident, sess.Identity)
	require.True(t, sess.SingleUse)
	require.False(t, sess.Used)

	// Checking does not consume
	require.NotNil(t, svc.CheckSession(token))

	require.True(t, svc.ConsumeSession(token))
	require.False(t, svc.ConsumeSession(token))

	consumed := svc.CheckSession(token)
	require.NotNil(t, consumed)
	require.True(t, consumed.Used)

	svc.RevokeSession(token)
	require.Nil(t, svc.CheckSession(token))
	svc.RevokeSession(token) // idempotent
}
