package auth

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/cdmorrow/vigil/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// Backup code parameters. The charset drops 0/O, 1/I/L to keep codes
// unambiguous when read back over the phone or typed from paper.
const (
	BackupCodeBatchSize = 8
	backupCodeLength    = 10
	backupCodeCharset   = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
	backupCodeHashCost  = 14
)

// BackupCodeBatch pairs the one-time plaintext codes with the hashes to
// persist. The plaintext exists only in this value; it is shown to the user
// once and never recoverable afterwards.
type BackupCodeBatch struct {
	Plaintext []string
	Hashes    []string
}

// BackupCodeVault generates single-use recovery codes and checks candidates
// against their stored hashes. Marking a code as spent is the repository's
// job (one guarded update per consume); this component is stateless.
type BackupCodeVault struct {
	hashCost int
}

// NewBackupCodeVault creates a backup code vault. hashCost is the bcrypt
// cost; zero selects the production default (14).
func NewBackupCodeVault(hashCost int) *BackupCodeVault {
	if hashCost == 0 {
		hashCost = backupCodeHashCost
	}
	return &BackupCodeVault{hashCost: hashCost}
}

// GenerateBatch mints n codes from the unambiguous charset and bcrypt-hashes
// each at the same cost class as password hashing. Codes are displayed in
// XXXXX-XXXXX groups; hashing happens over the normalized (dash-free) form.
func (v *BackupCodeVault) GenerateBatch(n int) (*BackupCodeBatch, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", n)
	}

	batch := &BackupCodeBatch{
		Plaintext: make([]string, 0, n),
		Hashes:    make([]string, 0, n),
	}

	for i := 0; i < n; i++ {
		code, err := randomCode(backupCodeLength)
		if err != nil {
			return nil, err
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(code), v.hashCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash backup code: %w", err)
		}

		batch.Plaintext = append(batch.Plaintext, formatCode(code))
		batch.Hashes = append(batch.Hashes, string(hash))
	}

	return batch, nil
}

// Match compares a candidate against one stored hash. bcrypt's comparison is
// constant-time over the derived key, so a near-miss costs the same as a
// wild miss.
func (v *BackupCodeVault) Match(candidate, hash string) bool {
	normalized := NormalizeBackupCode(candidate)
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(normalized)) == nil
}

// NormalizeBackupCode uppercases a candidate and strips whitespace and the
// display dash, so users may enter either XXXXX-XXXXX or the raw form.
func NormalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}

// IsBackupCodeFormat reports whether a normalized candidate could be one of
// our codes. Used by handlers to route a submitted value to TOTP or backup
// verification without leaking which path ran.
func IsBackupCodeFormat(code string) bool {
	normalized := NormalizeBackupCode(code)
	if len(normalized) != backupCodeLength {
		return false
	}
	for i := 0; i < len(normalized); i++ {
		if !strings.ContainsRune(backupCodeCharset, rune(normalized[i])) {
			return false
		}
	}
	return true
}

func randomCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate backup code: %v: %w", err, models.ErrDependency)
	}
	// Rejection sampling: 256 is not a multiple of the 31-character charset
	code := make([]byte, 0, length)
	for i := 0; len(code) < length; i++ {
		if i == len(buf) {
			if _, err := rand.Read(buf); err != nil {
				return "", fmt.Errorf("failed to generate backup code: %v: %w", err, models.ErrDependency)
			}
			i = 0
		}
		b := buf[i]
		if int(b) >= 256-(256%len(backupCodeCharset)) {
			continue
		}
		code = append(code, backupCodeCharset[int(b)%len(backupCodeCharset)])
	}
	return string(code), nil
}

func formatCode(code string) string {
	half := len(code) / 2
	return code[:half] + "-" + code[half:]
}
