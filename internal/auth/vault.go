package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/cdmorrow/vigil/internal/models"
)

// MasterKeySize is the required length of every master key (AES-256)
const MasterKeySize = 32

// SecretVault seals and opens TOTP shared secrets with AES-256-GCM under a
// versioned ring of master keys. New seals always use the active version;
// older records stay readable under their original key until re-sealed.
// The ring is injected at construction and read-only afterwards, so the
// vault is safe for concurrent use.
type SecretVault struct {
	keys          map[uint32][]byte
	activeVersion uint32
}

// NewSecretVault creates a vault from a version-to-key ring.
// Every key must be exactly 32 bytes and the active version must be present.
func NewSecretVault(keys map[uint32][]byte, activeVersion uint32) (*SecretVault, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("key ring must not be empty")
	}

	ring := make(map[uint32][]byte, len(keys))
	for version, key := range keys {
		if len(key) != MasterKeySize {
			return nil, fmt.Errorf("master key version %d must be exactly %d bytes, got %d", version, MasterKeySize, len(key))
		}
		ring[version] = append([]byte(nil), key...)
	}

	if _, ok := ring[activeVersion]; !ok {
		return nil, fmt.Errorf("active key version %d not present in key ring", activeVersion)
	}

	return &SecretVault{
		keys:          ring,
		activeVersion: activeVersion,
	}, nil
}

// ActiveVersion returns the key version used for new seals
func (v *SecretVault) ActiveVersion() uint32 {
	return v.activeVersion
}

// Seal encrypts a plaintext secret under the active master key with a fresh
// 12-byte nonce and stamps the record with the key version. A nonce that
// cannot be drawn is models.ErrDependency: the entropy source is down, not
// the input.
func (v *SecretVault) Seal(plaintext string) (*models.EncryptedSecret, error) {
	gcm, err := v.gcmFor(v.activeVersion)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %v: %w", err, models.ErrDependency)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	return &models.EncryptedSecret{
		Ciphertext: ciphertext,
		Nonce:      nonce,
		KeyVersion: v.activeVersion,
		CreatedAt:  time.Now(),
	}, nil
}

// Open decrypts a sealed record under the key named by its version tag.
// An unknown version or a failed GCM authentication is reported as
// models.ErrIntegrity: the record cannot be trusted, the caller must treat
// it as a security event and never retry.
func (v *SecretVault) Open(record *models.EncryptedSecret) (string, error) {
	if record == nil || len(record.Ciphertext) == 0 {
		return "", fmt.Errorf("empty secret record: %w", models.ErrIntegrity)
	}

	key, ok := v.keys[record.KeyVersion]
	if !ok {
		return "", fmt.Errorf("unknown key version %d: %w", record.KeyVersion, models.ErrIntegrity)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	if len(record.Nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("nonce length %d: %w", len(record.Nonce), models.ErrIntegrity)
	}

	plaintext, err := gcm.Open(nil, record.Nonce, record.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("authentication failed: %w", models.ErrIntegrity)
	}

	return string(plaintext), nil
}

// ReSeal re-encrypts a record under the active key when it was sealed under
// an older version. The second return reports whether a rotation happened,
// so the caller can persist the refreshed record lazily on next read.
func (v *SecretVault) ReSeal(record *models.EncryptedSecret) (*models.EncryptedSecret, bool, error) {
	if record != nil && record.KeyVersion == v.activeVersion {
		return record, false, nil
	}

	plaintext, err := v.Open(record)
	if err != nil {
		return nil, false, err
	}

	resealed, err := v.Seal(plaintext)
	if err != nil {
		return nil, false, err
	}

	return resealed, true, nil
}

func (v *SecretVault) gcmFor(version uint32) (cipher.AEAD, error) {
	key, ok := v.keys[version]
	if !ok {
		return nil, fmt.Errorf("unknown key version %d", version)
	}
	return newGCM(key)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm, nil
}
