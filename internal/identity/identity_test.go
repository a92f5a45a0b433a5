package identity_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kiosk-auth/internal/identity"
)

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain digits", "5551234567", "5551234567"},
		{"Formatted US number", "+1 (555) 123-4567", "15551234567"},
		{"Dots and dashes", "555.123-4567", "5551234567"},
		{"Letters stripped", "555CALLNOW", "555"},
		{"Empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tt.expected, identity.NormalizePhone(tt.input))
		})
	}
}

func TestNormalizeEmail(t *testing.T) {
	t.Parallel()

	require.Equal(t, "dancer@example.com", identity.NormalizeEmail("  Dancer@Example.COM "))
	require.Equal(t, "", identity.NormalizeEmail("   "))
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		phone string
		email string
		errFn require.ErrorAssertionFunc
	}{
		{"Phone only", "5551234567", "", require.NoError},
		{"Email only", "", "user@example.com", require.NoError},
		{"Both", "5551234567", "user@example.com", require.NoError},
		{"Neither", "", "", require.Error},
		{"Phone with no digits", "()- ", "", require.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := identity.New(tt.phone, tt.email)
			tt.errFn(t, err)
		})
	}
}

func TestKeyPrefersPhone(t *testing.T) {
	t.Parallel()

	id, err := identity.New("5551234567", "user@example.com")
	require.NoError(t, err)
	require.Equal(t, "phone:5551234567", id.Key())

	id, err = identity.New("", "user@example.com")
	require.NoError(t, err)
	require.Equal(t, "email:user@example.com", id.Key())
}

func TestRedacted(t *testing.T) {
	t.Parallel()

	id, err := identity.New("5551234567", "")
	require.NoError(t, err)
	require.Equal(t, "***4567", id.Redacted())

	id, err = identity.New("", "dancer@example.com")
	require.NoError(t, err)
	require.Equal(t, "d***@example.com", id.Redacted())
}
