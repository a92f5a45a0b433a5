package scylla

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"kiosk-auth/internal/encryption"
	"kiosk-auth/internal/identity"
	"kiosk-auth/internal/lockout"
	"kiosk-auth/internal/models"
	"kiosk-auth/internal/util"
)

const upsertAttempts = 3

type ScyllaCredentialRepository struct {
	client     *ScyllaClient
	encryption *encryption.Manager
}

func NewCredentialRepository(client *ScyllaClient, enc *encryption.Manager, logger *zap.Logger) *ScyllaCredentialRepository {
	// Using global util logger instead of individual logger
	return &ScyllaCredentialRepository{
		client:     client,
		encryption: enc,
	}
}

// HashIdentityPart is the lookup key derivation for a canonical phone or
// email. Stored instead of the raw value so the lookup tables carry no
// plaintext contact data.
func HashIdentityPart(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func (r *ScyllaCredentialRepository) Lookup(ctx context.Context, ident identity.Identity) (*models.Credential, error) {
	// Phone is the priority lookup path when both sides are present
	if ident.Phone != "" {
		id, err := r.resolveID(ctx, r.client.Stmts.GetIDByPhone, HashIdentityPart(ident.Phone))
		if err != nil {
			return nil, err
		}
		if id != "" {
			return r.getByID(ctx, id)
		}
	}

	if ident.Email != "" {
		id, err := r.resolveID(ctx, r.client.Stmts.GetIDByEmail, HashIdentityPart(ident.Email))
		if err != nil {
			return nil, err
		}
		if id != "" {
			return r.getByID(ctx, id)
		}
	}

	return nil, ErrCredentialNotFound
}

func (r *ScyllaCredentialRepository) Upsert(ctx context.Context, ident identity.Identity, pinHash string) (*models.Credential, error) {
	return r.upsert(ctx, ident, pinHash, upsertAttempts)
}

func (r *ScyllaCredentialRepository) upsert(ctx context.Context, ident identity.Identity, pinHash string, attempts int) (*models.Credential, error) {
	if attempts <= 0 {
		return nil, fmt.Errorf("upsert gave up after contention on %s", ident.Redacted())
	}

	var phoneHash, emailHash string
	if ident.Phone != "" {
		phoneHash = HashIdentityPart(ident.Phone)
	}
	if ident.Email != "" {
		emailHash = HashIdentityPart(ident.Email)
	}

	phoneID, err := r.resolveIDByHash(ctx, r.client.Stmts.GetIDByPhone, phoneHash)
	if err != nil {
		return nil, err
	}
	emailID, err := r.resolveIDByHash(ctx, r.client.Stmts.GetIDByEmail, emailHash)
	if err != nil {
		return nil, err
	}

	if phoneID != "" && emailID != "" && phoneID != emailID {
		return nil, ErrIdentityConflict
	}

	existingID := phoneID
	if existingID == "" {
		existingID = emailID
	}

	if existingID != "" {
		return r.attachToExisting(ctx, existingID, ident, phoneHash, emailHash, phoneID, emailID, pinHash)
	}

	cred, err := r.createCredential(ctx, ident, phoneHash, emailHash, pinHash)
	if err == errLostClaimRace {
		// Another enrollment claimed one of the lookup rows first.
		// Re-resolve and work against the winner.
		return r.upsert(ctx, ident, pinHash, attempts-1)
	}
	return cred, err
}

// attachToExisting reuses a credential row found through one lookup path:
// enrolls the PIN if the row has none and claims the other lookup path when
// the request carries it
func (r *ScyllaCredentialRepository) attachToExisting(ctx context.Context, credentialID string, ident identity.Identity, phoneHash, emailHash, phoneID, emailID string, pinHash string) (*models.Credential, error) {
	cred, err := r.getByID(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	if cred.HasPIN() {
		return nil, ErrPINAlreadySet
	}

	now := time.Now().UTC()
	credUUID, err := gocql.ParseUUID(credentialID)
	if err != nil {
		return nil, fmt.Errorf("malformed credential id %q: %w", credentialID, err)
	}

	if phoneHash != "" && phoneID == "" {
		if err := r.claim(ctx, r.client.Stmts.ClaimPhone, phoneHash, credUUID, now); err != nil {
			return nil, err
		}
		query := r.client.Query(`UPDATE pin_credentials SET phone_hash = ?, updated_at = ? WHERE credential_id = ?`,
			phoneHash, now, credUUID).WithContext(ctx)
		if err := r.client.ExecuteWithRetry(query, 2); err != nil {
			return nil, fmt.Errorf("failed to attach phone to credential: %w", err)
		}
		cred.PhoneHash = phoneHash
	}

	if emailHash != "" && emailID == "" {
		if err := r.claim(ctx, r.client.Stmts.ClaimEmail, emailHash, credUUID, now); err != nil {
			return nil, err
		}
		query := r.client.Query(`UPDATE pin_credentials SET email_hash = ?, updated_at = ? WHERE credential_id = ?`,
			emailHash, now, credUUID).WithContext(ctx)
		if err := r.client.ExecuteWithRetry(query, 2); err != nil {
			return nil, fmt.Errorf("failed to attach email to credential: %w", err)
		}
		cred.EmailHash = emailHash
	}

	query := r.client.Query(r.client.Stmts.SetPINHash, pinHash, now, credUUID).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to enroll PIN on existing credential",
			zap.String("credential_id", credentialID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to enroll PIN: %w", err)
	}

	cred.PINHash = pinHash
	cred.FailedAttempts = 0
	cred.LockedUntil = nil
	cred.UpdatedAt = now

	util.Info("PIN enrolled on existing credential",
		zap.String("credential_id", credentialID),
		zap.String("identity", ident.Redacted()))

	return cred, nil
}

var errLostClaimRace = fmt.Errorf("lost lookup claim race")

func (r *ScyllaCredentialRepository) createCredential(ctx context.Context, ident identity.Identity, phoneHash, emailHash, pinHash string) (*models.Credential, error) {
	now := time.Now().UTC()
	credUUID, err := gocql.ParseUUID(uuid.New().String())
	if err != nil {
		return nil, fmt.Errorf("failed to mint credential id: %w", err)
	}

	contact, err := json.Marshal(ident)
	if err != nil {
		return nil, fmt.Errorf("failed to encode contact: %w", err)
	}
	enc, err := r.encryption.EncryptContact(ctx, contact)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt contact: %w", err)
	}

	query := r.client.Query(r.client.Stmts.InsertCredential,
		credUUID, phoneHash, emailHash, pinHash,
		enc.Cipher, enc.DEK, enc.KeyID,
		0, nil, now, now).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to insert credential",
			zap.String("identity", ident.Redacted()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to insert credential: %w", err)
	}

	// Claim the lookup rows last. A lost claim means a concurrent
	// enrollment won; drop the orphan row and defer to the winner.
	for _, side := range []struct {
		hash string
		stmt string
	}{
		{phoneHash, r.client.Stmts.ClaimPhone},
		{emailHash, r.client.Stmts.ClaimEmail},
	} {
		if side.hash == "" {
			continue
		}
		applied, winner, err := r.tryClaim(ctx, side.stmt, side.hash, credUUID, now)
		if err != nil {
			return nil, err
		}
		if !applied && winner != credUUID.String() {
			r.dropOrphan(ctx, credUUID)
			return nil, errLostClaimRace
		}
	}

	util.Info("Credential created",
		zap.String("credential_id", credUUID.String()),
		zap.String("identity", ident.Redacted()))

	return &models.Credential{
		CredentialID:  credUUID.String(),
		Phone:         ident.Phone,
		Email:         ident.Email,
		PhoneHash:     phoneHash,
		EmailHash:     emailHash,
		PINHash:       pinHash,
		ContactCipher: enc.Cipher,
		ContactDEK:    enc.DEK,
		ContactKeyID:  enc.KeyID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (r *ScyllaCredentialRepository) RecordFailure(ctx context.Context, cred *models.Credential, policy lockout.Policy, now time.Time) (lockout.FailureState, error) {
	observed := cred.FailedAttempts
	observedLock := cred.LockedUntil

	credUUID, err := gocql.ParseUUID(cred.CredentialID)
	if err != nil {
		return lockout.FailureState{}, fmt.Errorf("malformed credential id %q: %w", cred.CredentialID, err)
	}

	// Conditional update so two kiosks failing at once cannot lose a count.
	// On contention the loser re-reads the winner's counter and retries.
	for i := 0; i < 3; i++ {
		next := policy.NextFailureState(&models.Credential{
			FailedAttempts: observed,
			LockedUntil:    observedLock,
		}, now)

		previous := map[string]interface{}{}
		query := r.client.Query(r.client.Stmts.RecordFailureCAS,
			next.FailedAttempts, lockTime(next.LockedUntil), now.UTC(), credUUID, observed,
		).WithContext(ctx)

		applied, err := query.MapScanCAS(previous)
		if err != nil {
			util.Error("Failed to record PIN failure",
				zap.String("credential_id", cred.CredentialID),
				zap.Error(err))
			return lockout.FailureState{}, fmt.Errorf("failed to record PIN failure: %w", err)
		}
		if applied {
			if next.LockedUntil != nil {
				util.Warn("Credential locked after repeated PIN failures",
					zap.String("credential_id", cred.CredentialID),
					zap.Int("failed_attempts", next.FailedAttempts))
			}
			return next, nil
		}

		if v, ok := previous["failed_attempts"].(int); ok {
			observed = v
		}
		observedLock = nil
		if v, ok := previous["locked_until"].(time.Time); ok && !v.IsZero() {
			t := v
			observedLock = &t
		}
	}

	// Lost the race three times. Someone else advanced the counter; report
	// the last observed state rather than failing the verification path.
	return lockout.FailureState{FailedAttempts: observed, LockedUntil: observedLock}, nil
}

func (r *ScyllaCredentialRepository) ClearFailures(ctx context.Context, credentialID string) error {
	credUUID, err := gocql.ParseUUID(credentialID)
	if err != nil {
		return fmt.Errorf("malformed credential id %q: %w", credentialID, err)
	}

	query := r.client.Query(r.client.Stmts.ClearFailures, time.Now().UTC(), credUUID).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to clear PIN failure counter",
			zap.String("credential_id", credentialID),
			zap.Error(err))
		return fmt.Errorf("failed to clear PIN failure counter: %w", err)
	}
	return nil
}

func (r *ScyllaCredentialRepository) AdminReset(ctx context.Context, ident identity.Identity) (bool, error) {
	cred, err := r.Lookup(ctx, ident)
	if err == ErrCredentialNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	credUUID, err := gocql.ParseUUID(cred.CredentialID)
	if err != nil {
		return false, fmt.Errorf("malformed credential id %q: %w", cred.CredentialID, err)
	}

	previous := map[string]interface{}{}
	query := r.client.Query(r.client.Stmts.AdminReset, time.Now().UTC(), credUUID).WithContext(ctx)
	applied, err := query.MapScanCAS(previous)
	if err != nil {
		util.Error("Failed to reset credential",
			zap.String("credential_id", cred.CredentialID),
			zap.Error(err))
		return false, fmt.Errorf("failed to reset credential: %w", err)
	}

	if applied {
		util.Warn("Credential reset by administrator",
			zap.String("credential_id", cred.CredentialID),
			zap.String("identity", ident.Redacted()))
	}
	return applied, nil
}

func (r *ScyllaCredentialRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck()
}

func (r *ScyllaCredentialRepository) getByID(ctx context.Context, credentialID string) (*models.Credential, error) {
	credUUID, err := gocql.ParseUUID(credentialID)
	if err != nil {
		return nil, fmt.Errorf("malformed credential id %q: %w", credentialID, err)
	}

	cred := &models.Credential{}
	var scannedID gocql.UUID
	var lockedUntil time.Time

	query := r.client.Query(r.client.Stmts.GetCredentialByID, credUUID).WithContext(ctx)
	err = r.client.ScanWithRetry(query,
		&scannedID, &cred.PhoneHash, &cred.EmailHash, &cred.PINHash,
		&cred.ContactCipher, &cred.ContactDEK, &cred.ContactKeyID,
		&cred.FailedAttempts, &lockedUntil, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrCredentialNotFound
		}
		util.Error("Failed to read credential",
			zap.String("credential_id", credentialID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}

	cred.CredentialID = scannedID.String()
	if !lockedUntil.IsZero() {
		cred.LockedUntil = &lockedUntil
	}

	r.decryptContact(ctx, cred)
	return cred, nil
}

// decryptContact restores the plaintext phone/email onto the credential.
// Verification only needs the hashes, so a decrypt failure is logged and
// swallowed.
func (r *ScyllaCredentialRepository) decryptContact(ctx context.Context, cred *models.Credential) {
	if len(cred.ContactCipher) == 0 {
		return
	}
	plain, err := r.encryption.DecryptContact(ctx, &encryption.EncryptedContact{
		Cipher: cred.ContactCipher,
		DEK:    cred.ContactDEK,
		KeyID:  cred.ContactKeyID,
	})
	if err != nil {
		util.Warn("Failed to decrypt credential contact",
			zap.String("credential_id", cred.CredentialID),
			zap.Error(err))
		return
	}
	var ident identity.Identity
	if err := json.Unmarshal(plain, &ident); err != nil {
		util.Warn("Failed to decode credential contact",
			zap.String("credential_id", cred.CredentialID),
			zap.Error(err))
		return
	}
	cred.Phone = ident.Phone
	cred.Email = ident.Email
}

// resolveID scans a lookup table row, mapping gocql.ErrNotFound to ""
func (r *ScyllaCredentialRepository) resolveID(ctx context.Context, stmt string, hash string) (string, error) {
	var id gocql.UUID
	query := r.client.Query(stmt, hash).WithContext(ctx)
	err := r.client.ScanWithRetry(query, &id)
	if err == gocql.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve identity: %w", err)
	}
	return id.String(), nil
}

// resolveIDByHash skips the query entirely for an empty hash
func (r *ScyllaCredentialRepository) resolveIDByHash(ctx context.Context, stmt string, hash string) (string, error) {
	if hash == "" {
		return "", nil
	}
	return r.resolveID(ctx, stmt, hash)
}

func (r *ScyllaCredentialRepository) claim(ctx context.Context, stmt string, hash string, credUUID gocql.UUID, now time.Time) error {
	applied, winner, err := r.tryClaim(ctx, stmt, hash, credUUID, now)
	if err != nil {
		return err
	}
	if !applied && winner != credUUID.String() {
		return ErrIdentityConflict
	}
	return nil
}

func (r *ScyllaCredentialRepository) tryClaim(ctx context.Context, stmt string, hash string, credUUID gocql.UUID, now time.Time) (bool, string, error) {
	previous := map[string]interface{}{}
	query := r.client.Query(stmt, hash, credUUID, now.UTC()).WithContext(ctx)
	applied, err := query.MapScanCAS(previous)
	if err != nil {
		return false, "", fmt.Errorf("failed to claim lookup row: %w", err)
	}
	if applied {
		return true, credUUID.String(), nil
	}
	winner := ""
	if v, ok := previous["credential_id"].(gocql.UUID); ok {
		winner = v.String()
	}
	return false, winner, nil
}

// dropOrphan removes a credential row whose lookup claim lost; best effort
func (r *ScyllaCredentialRepository) dropOrphan(ctx context.Context, credUUID gocql.UUID) {
	query := r.client.Query(`DELETE FROM pin_credentials WHERE credential_id = ?`, credUUID).WithContext(ctx)
	if err := query.Exec(); err != nil {
		util.Warn("Failed to remove orphan credential row",
			zap.String("credential_id", credUUID.String()),
			zap.Error(err))
	}
}

func lockTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
