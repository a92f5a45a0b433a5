package identity

import (
	"errors"
	"strings"
)

var ErrEmpty = errors.New("phone or email required")

// Identity is the phone/email pair identifying a kiosk user. Either side may
// be empty, but not both. Values are kept in canonical form: phone as a bare
// digit string, email lower-cased.
type Identity struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// New canonicalizes the raw inputs and rejects an identity with neither side
func New(phone, email string) (Identity, error) {
	id := Identity{
		Phone: NormalizePhone(phone),
		Email: NormalizeEmail(email),
	}
	if id.IsZero() {
		return Identity{}, ErrEmpty
	}
	return id, nil
}

func (id Identity) IsZero() bool {
	return id.Phone == "" && id.Email == ""
}

// Key returns the rate-limit key for this identity. Phone wins when both are
// present, matching the lookup priority.
func (id Identity) Key() string {
	if id.Phone != "" {
		return "phone:" + id.Phone
	}
	return "email:" + id.Email
}

// Redacted returns a log-safe form of the identity
func (id Identity) Redacted() string {
	switch {
	case id.Phone != "" && id.Email != "":
		return redactPhone(id.Phone) + "/" + redactEmail(id.Email)
	case id.Phone != "":
		return redactPhone(id.Phone)
	default:
		return redactEmail(id.Email)
	}
}

// NormalizePhone strips everything but digits, so "+1 (555) 123-4567" and
// "15551234567" key the same credential
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeEmail lower-cases and trims the address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func redactPhone(phone string) string {
	if len(phone) <= 4 {
		return "***"
	}
	return "***" + phone[len(phone)-4:]
}

func redactEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 1 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
