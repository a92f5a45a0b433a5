package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"

	"kiosk-auth/internal/config"
	"kiosk-auth/internal/util"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// EncryptedContact is the envelope stored beside a credential row: the
// AES-GCM ciphertext, the data key encrypted under the master key, and the
// master key ID used
type EncryptedContact struct {
	Cipher []byte
	DEK    []byte
	KeyID  string
}

type dataKey struct {
	plaintext  []byte
	ciphertext []byte
	keyID      string
}

// Manager performs envelope encryption of contact fields. With KMS enabled
// the data keys come from AWS KMS; in development a process-local master
// key stands in, which is fine because dev data is disposable.
type Manager struct {
	kmsClient *kms.Client
	cfg       *config.Config
	localID   string
}

func NewManager(cfg *config.Config, kmsClient *kms.Client) *Manager {
	m := &Manager{
		kmsClient: kmsClient,
		cfg:       cfg,
	}

	if !cfg.KMS.Enabled || kmsClient == nil {
		m.localID = uuid.New().String()
		util.Warn("KMS disabled, using process-local data keys",
			util.String("key_id", m.localID))
	}

	return m
}

// EncryptContact wraps the plaintext in a fresh data key
func (m *Manager) EncryptContact(ctx context.Context, plaintext []byte) (*EncryptedContact, error) {
	dk, err := m.generateDataKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	block, err := aes.NewCipher(dk.plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return &EncryptedContact{
		Cipher: gcm.Seal(nonce, nonce, plaintext, nil),
		DEK:    dk.ciphertext,
		KeyID:  dk.keyID,
	}, nil
}

// DecryptContact unwraps the data key and opens the ciphertext
func (m *Manager) DecryptContact(ctx context.Context, enc *EncryptedContact) ([]byte, error) {
	key, err := m.decryptDataKey(ctx, enc.DEK, enc.KeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	if len(enc.Cipher) < gcm.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	nonce, ciphertext := enc.Cipher[:gcm.NonceSize()], enc.Cipher[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func (m *Manager) generateDataKey(ctx context.Context) (*dataKey, error) {
	if m.kmsClient == nil || !m.cfg.KMS.Enabled {
		return m.generateLocalKey()
	}

	out, err := m.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(m.cfg.KMS.KeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &dataKey{
		plaintext:  out.Plaintext,
		ciphertext: out.CiphertextBlob,
		keyID:      m.cfg.KMS.KeyID,
	}, nil
}

func (m *Manager) decryptDataKey(ctx context.Context, encrypted []byte, keyID string) ([]byte, error) {
	if keyID == m.localID {
		key, err := base64.StdEncoding.DecodeString(string(encrypted))
		if err != nil {
			return nil, fmt.Errorf("failed to decode local data key: %w", err)
		}
		return key, nil
	}

	if m.kmsClient == nil {
		return nil, errors.New("kms client not available for key: " + keyID)
	}

	out, err := m.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: encrypted,
		KeyId:          aws.String(keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt data key: %w", err)
	}
	return out.Plaintext, nil
}

func (m *Manager) generateLocalKey() (*dataKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	// In development the "encrypted" data key is plain base64 under the
	// process-local key ID; dev rows do not survive a restart anyway
	return &dataKey{
		plaintext:  key,
		ciphertext: []byte(base64.StdEncoding.EncodeToString(key)),
		keyID:      m.localID,
	}, nil
}
