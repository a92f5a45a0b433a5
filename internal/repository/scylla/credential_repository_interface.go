package scylla

import (
	"context"
	"errors"
	"time"

	"kiosk-auth/internal/identity"
	"kiosk-auth/internal/lockout"
	"kiosk-auth/internal/models"
)

var (
	// ErrCredentialNotFound means neither the phone nor the email resolves
	// to a credential row
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrPINAlreadySet means the resolved credential already has an
	// enrolled PIN
	ErrPINAlreadySet = errors.New("pin already set")

	// ErrIdentityConflict means the phone and the email of one request
	// resolve to two different credential rows
	ErrIdentityConflict = errors.New("phone and email belong to different credentials")
)

// CredentialRepository defines the interface for PIN credential persistence
type CredentialRepository interface {
	// Lookup resolves an identity to its credential, phone hash first.
	// Returns ErrCredentialNotFound when no row matches either side.
	Lookup(ctx context.Context, ident identity.Identity) (*models.Credential, error)

	// Upsert enrolls a PIN for the identity. It reuses an existing row
	// without a PIN, creates a fresh row otherwise, and claims both lookup
	// paths. Returns ErrPINAlreadySet or ErrIdentityConflict.
	Upsert(ctx context.Context, ident identity.Identity, pinHash string) (*models.Credential, error)

	// RecordFailure persists one more wrong attempt against the credential
	// and returns the state that won, which may include a lockout.
	RecordFailure(ctx context.Context, cred *models.Credential, policy lockout.Policy, now time.Time) (lockout.FailureState, error)

	// ClearFailures resets the attempt counter and any lockout after a
	// successful verification
	ClearFailures(ctx context.Context, credentialID string) error

	// AdminReset clears the PIN, the counter and the lockout. The bool
	// reports whether a credential existed for the identity.
	AdminReset(ctx context.Context, ident identity.Identity) (bool, error)

	HealthCheck(ctx context.Context) error
}
