package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"

	"go.uber.org/zap"

	"kiosk-auth/internal/audit"
	"kiosk-auth/internal/hashing"
	"kiosk-auth/internal/identity"
	"kiosk-auth/internal/lockout"
	"kiosk-auth/internal/models"
	"kiosk-auth/internal/ratelimit"
	"kiosk-auth/internal/repository/scylla"
	"kiosk-auth/internal/session"
	"kiosk-auth/internal/util"
)

// Outcome is the machine-readable kind of a policy decision. Policy
// rejections are results, not errors; only storage faults surface as errors.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeInvalidFormat Outcome = "invalid_pin_format"
	OutcomeAlreadySet    Outcome = "already_set"
	OutcomeConflict      Outcome = "constraint_conflict"
	OutcomeRateLimited   Outcome = "rate_limited"
	OutcomeNotSet        Outcome = "not_set"
	OutcomeLocked        Outcome = "locked"
	OutcomeBadPin        Outcome = "bad_pin"
)

var pinPattern = regexp.MustCompile(`^[0-9]{4,6}$`)

// SetResult is the outcome of a PIN enrollment
type SetResult struct {
	Outcome      Outcome
	SessionToken string
	ExpiresInMs  int64
}

// VerifyResult is the outcome of a PIN verification
type VerifyResult struct {
	Outcome           Outcome
	SessionToken      string
	ExpiresInMs       int64
	RetryAfter        time.Duration
	LockedUntil       *time.Time
	AttemptsRemaining int
	Locked            bool
}

// StatusResult is the read-only composite the kiosk UI renders before
// prompting for a PIN
type StatusResult struct {
	PinSet                 bool
	Locked                 bool
	LockedMinutesRemaining int
	Attempts               int
	AttemptsRemaining      int
	SessionActive          bool
}

// AdminResetResult reports an authorization-gated PIN wipe
type AdminResetResult struct {
	Authorized   bool
	RowsAffected int
}

// PinService composes the credential store, lockout policy, rate limiter and
// session authority into the operations the routing layer exposes
type PinService struct {
	repo     scylla.CredentialRepository
	hasher   *hashing.Hasher
	sessions *session.Store
	limiter  *ratelimit.Limiter
	policy   lockout.Policy
	audit    *audit.Recorder
	adminKey string

	now func() time.Time
}

func NewPinService(
	repo scylla.CredentialRepository,
	hasher *hashing.Hasher,
	sessions *session.Store,
	limiter *ratelimit.Limiter,
	policy lockout.Policy,
	recorder *audit.Recorder,
	adminKey string,
) *PinService {
	return &PinService{
		repo:     repo,
		hasher:   hasher,
		sessions: sessions,
		limiter:  limiter,
		policy:   policy,
		audit:    recorder,
		adminKey: adminKey,
		now:      time.Now,
	}
}

// SetPin enrolls a PIN for the identity and issues a single-use session.
// Re-enrollment over an existing PIN is refused; that path goes through
// verify-then-change or an admin reset.
func (s *PinService) SetPin(ctx context.Context, ident identity.Identity, pin, remoteAddr string) (*SetResult, error) {
	if !pinPattern.MatchString(pin) {
		return &SetResult{Outcome: OutcomeInvalidFormat}, nil
	}

	pinHash, err := s.hasher.HashPIN(pin)
	if err != nil {
		return nil, fmt.Errorf("failed to hash PIN: %w", err)
	}

	_, err = s.repo.Upsert(ctx, ident, pinHash)
	if errors.Is(err, scylla.ErrPINAlreadySet) {
		return &SetResult{Outcome: OutcomeAlreadySet}, nil
	}
	if errors.Is(err, scylla.ErrIdentityConflict) {
		return &SetResult{Outcome: OutcomeConflict}, nil
	}
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.Create(ident, true)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session: %w", err)
	}

	s.audit.Record(ctx, models.EventPINSet, ident.Redacted(), remoteAddr, "")

	return &SetResult{
		Outcome:      OutcomeOK,
		SessionToken: sess.Token,
		ExpiresInMs:  s.expiresInMs(sess),
	}, nil
}

// VerifyPin checks a candidate PIN. The order matters: rate limit first so a
// throttled caller never touches the credential row, then lookup, then the
// lockout gate, then the hash comparison.
func (s *PinService) VerifyPin(ctx context.Context, ident identity.Identity, pin, remoteAddr string) (*VerifyResult, error) {
	limit := s.limiter.Check(ident.Key())
	if !limit.Allowed {
		s.audit.Record(ctx, models.EventRateLimited, ident.Redacted(), remoteAddr, "")
		return &VerifyResult{
			Outcome:    OutcomeRateLimited,
			RetryAfter: limit.RetryAfter,
		}, nil
	}

	cred, err := s.repo.Lookup(ctx, ident)
	if errors.Is(err, scylla.ErrCredentialNotFound) {
		return &VerifyResult{Outcome: OutcomeNotSet}, nil
	}
	if err != nil {
		return nil, err
	}
	if !cred.HasPIN() {
		return &VerifyResult{Outcome: OutcomeNotSet}, nil
	}

	now := s.now()
	if s.policy.IsLocked(cred, now) {
		// A locked credential refuses verification without consuming an
		// attempt, even for the correct PIN
		until := *cred.LockedUntil
		return &VerifyResult{
			Outcome:     OutcomeLocked,
			LockedUntil: &until,
		}, nil
	}

	match, err := s.hasher.VerifyPIN(pin, cred.PINHash)
	if err != nil {
		return nil, fmt.Errorf("failed to compare PIN hash: %w", err)
	}

	if !match {
		state, err := s.repo.RecordFailure(ctx, cred, s.policy, now)
		if err != nil {
			return nil, err
		}

		locked := state.LockedUntil != nil && state.LockedUntil.After(now)
		if locked {
			s.audit.Record(ctx, models.EventPINLocked, ident.Redacted(), remoteAddr,
				fmt.Sprintf("failed_attempts=%d", state.FailedAttempts))
		} else {
			s.audit.Record(ctx, models.EventPINBadAttempt, ident.Redacted(), remoteAddr,
				fmt.Sprintf("failed_attempts=%d", state.FailedAttempts))
		}

		result := &VerifyResult{
			Outcome:           OutcomeBadPin,
			AttemptsRemaining: s.policy.AttemptsRemaining(state.FailedAttempts),
			Locked:            locked,
		}
		if locked {
			until := *state.LockedUntil
			result.LockedUntil = &until
		}
		return result, nil
	}

	if err := s.repo.ClearFailures(ctx, cred.CredentialID); err != nil {
		return nil, err
	}

	sess, err := s.sessions.Create(ident, true)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session: %w", err)
	}

	s.audit.Record(ctx, models.EventPINVerified, ident.Redacted(), remoteAddr, "")

	return &VerifyResult{
		Outcome:      OutcomeOK,
		SessionToken: sess.Token,
		ExpiresInMs:  s.expiresInMs(sess),
	}, nil
}

// PinStatus never fails on policy grounds; absent credentials simply report
// pin_set=false
func (s *PinService) PinStatus(ctx context.Context, ident identity.Identity, token string) (*StatusResult, error) {
	status := &StatusResult{
		AttemptsRemaining: s.policy.MaxAttempts,
	}

	cred, err := s.repo.Lookup(ctx, ident)
	if err != nil && !errors.Is(err, scylla.ErrCredentialNotFound) {
		return nil, err
	}

	now := s.now()
	if cred != nil {
		status.PinSet = cred.HasPIN()
		status.Attempts = cred.FailedAttempts
		status.AttemptsRemaining = s.policy.AttemptsRemaining(cred.FailedAttempts)
		if s.policy.IsLocked(cred, now) {
			status.Locked = true
			status.LockedMinutesRemaining = int(math.Ceil(cred.LockedUntil.Sub(now).Minutes()))
		}
	}

	if token != "" {
		status.SessionActive = s.sessions.Get(token).Usable(now)
	}

	return status, nil
}

// AdminResetPin wipes the PIN, the counter and the lockout for the identity.
// Every call is audited, authorized or not.
func (s *PinService) AdminResetPin(ctx context.Context, ident identity.Identity, adminKey, remoteAddr string) (*AdminResetResult, error) {
	if s.adminKey == "" ||
		subtle.ConstantTimeCompare([]byte(adminKey), []byte(s.adminKey)) != 1 {
		s.audit.Record(ctx, models.EventAdminDenied, ident.Redacted(), remoteAddr, "")
		return &AdminResetResult{Authorized: false}, nil
	}

	found, err := s.repo.AdminReset(ctx, ident)
	if err != nil {
		return nil, err
	}

	rows := 0
	if found {
		rows = 1
		// A reset identity starts over; stale throttle entries should not
		// penalize the re-enrollment
		s.limiter.Reset(ident.Key())
	}

	s.audit.Record(ctx, models.EventAdminReset, ident.Redacted(), remoteAddr,
		fmt.Sprintf("rows_affected=%d", rows))

	return &AdminResetResult{Authorized: true, RowsAffected: rows}, nil
}

// CheckSession returns the live session for a token without consuming it
func (s *PinService) CheckSession(token string) *models.Session {
	return s.sessions.Get(token)
}

// ConsumeSession atomically marks a single-use session used
func (s *PinService) ConsumeSession(token string) bool {
	ok := s.sessions.Consume(token)
	if !ok {
		util.Debug("session consume refused", zap.String("token_prefix", tokenPrefix(token)))
	}
	return ok
}

// RevokeSession deletes the session; idempotent
func (s *PinService) RevokeSession(token string) {
	s.sessions.Revoke(token)
}

func (s *PinService) expiresInMs(sess *models.Session) int64 {
	return sess.ExpiresAt.Sub(s.now()).Milliseconds()
}

func tokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
