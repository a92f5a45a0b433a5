package models

import "time"

// Credential is one row of pin_credentials. A row is reachable through its
// phone hash, its email hash, or both; the two lookup paths never point at
// different rows for the same identity.
type Credential struct {
	CredentialID   string     `db:"credential_id"`
	Phone          string     `db:"-"` // decrypted contact, never stored in the clear
	Email          string     `db:"-"`
	PhoneHash      string     `db:"phone_hash"`
	EmailHash      string     `db:"email_hash"`
	PINHash        string     `db:"pin_hash"` // encoded argon2id string; empty means no PIN set
	ContactCipher  []byte     `db:"contact_cipher"`
	ContactDEK     []byte     `db:"contact_dek"`
	ContactKeyID   string     `db:"contact_key_id"`
	FailedAttempts int        `db:"failed_attempts"`
	LockedUntil    *time.Time `db:"locked_until"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// HasPIN reports whether a PIN has been enrolled for this credential
func (c *Credential) HasPIN() bool {
	return c != nil && c.PINHash != ""
}
