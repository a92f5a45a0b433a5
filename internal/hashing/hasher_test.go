package hashing_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kiosk-auth/internal/config"
	"kiosk-auth/internal/hashing"
)

func newTestHasher(pepper string) *hashing.Hasher {
	cfg := &config.Config{
		Hashing: config.HashingConfig{
			Pepper: pepper,
			// small costs keep the test fast
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
	}
	return hashing.NewHasher(cfg)
}

func TestHashAndVerify(t *testing.T) {
	t.Parallel()

	h := newTestHasher("test-pepper")

	encoded, err := h.HashPIN("1234")
	require.NoError(t, err)
	require.Contains(t, encoded, "$argon2id$")

	ok, err := h.VerifyPIN("1234", encoded)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.VerifyPIN("0000", encoded)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHashesAreSalted(t *testing.T) {
	t.Parallel()

	h := newTestHasher("test-pepper")

	first, err := h.HashPIN("1234")
	require.NoError(t, err)
	second, err := h.HashPIN("1234")
	require.NoError(t, err)

	require.NotEqual(t, first, second, "same PIN must hash differently per salt")
}

func TestPepperMatters(t *testing.T) {
	t.Parallel()

	h := newTestHasher("pepper-a")
	encoded, err := h.HashPIN("1234")
	require.NoError(t, err)

	other := newTestHasher("pepper-b")
	ok, err := other.VerifyPIN("1234", encoded)
	require.NoError(t, err)
	require.False(t, ok, "hash must not verify under a different pepper")
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	t.Parallel()

	h := newTestHasher("test-pepper")

	tests := []struct {
		name    string
		encoded string
	}{
		{"Empty", ""},
		{"Garbage", "not-a-hash"},
		{"Wrong algorithm", "$bcrypt$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA"},
		{"Truncated", "$argon2id$v=19$m=8192,t=1,p=1$c2FsdA"},
		{"Bad base64 salt", "$argon2id$v=19$m=8192,t=1,p=1$!!!$aGFzaA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := h.VerifyPIN("1234", tt.encoded)
			require.Error(t, err)
		})
	}
}
