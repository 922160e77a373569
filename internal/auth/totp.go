package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"hash"
	"time"

	"github.com/cdmorrow/vigil/internal/models"
)

// TOTP parameters (RFC 6238 defaults)
const (
	TOTPPeriod     = 30 // seconds per time step
	TOTPDigits     = 6
	TOTPSecretSize = 20 // 160-bit secret (RFC 4226 recommendation)

	// Verification accepts T-1, T, T+1: one step of drift either side,
	// 90 seconds of total tolerance. T±2 is out.
	totpSkew = 1
)

// TOTPAlgorithm selects the HMAC hash used for code derivation
type TOTPAlgorithm string

const (
	AlgorithmSHA1   TOTPAlgorithm = "SHA1"
	AlgorithmSHA256 TOTPAlgorithm = "SHA256"
)

var base32NoPadding = base32.StdEncoding.WithPadding(base32.NoPadding)

// TOTPCodec computes and verifies RFC 6238 time-based one-time passwords.
// It is stateless and safe for concurrent use; all persistence and policy
// (attempt limits, replay bookkeeping) belong to the caller.
type TOTPCodec struct {
	algorithm TOTPAlgorithm
}

// NewTOTPCodec creates a codec for the given HMAC algorithm.
// SHA-1 is the interoperability default for authenticator apps.
func NewTOTPCodec(algorithm TOTPAlgorithm) (*TOTPCodec, error) {
	switch algorithm {
	case AlgorithmSHA1, AlgorithmSHA256:
		return &TOTPCodec{algorithm: algorithm}, nil
	default:
		return nil, fmt.Errorf("unsupported TOTP algorithm %q", algorithm)
	}
}

// GenerateSecret creates a new base32-encoded shared secret from the system's
// secure random source. An entropy failure is reported as models.ErrDependency;
// it is fatal for the request and never retried here.
func (c *TOTPCodec) GenerateSecret() (string, error) {
	raw := make([]byte, TOTPSecretSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %v: %w", err, models.ErrDependency)
	}
	return base32NoPadding.EncodeToString(raw), nil
}

// Code computes the 6-digit code for the time step containing t.
// Deterministic: the same secret and step always yield the same code.
func (c *TOTPCodec) Code(secret string, t time.Time) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	return c.hotp(key, t.Unix()/TOTPPeriod), nil
}

// Verify checks candidate against the codes for time steps T-1, T and T+1.
// Malformed candidates (anything but exactly 6 ASCII digits) are a rejected
// verification, not an error, and are refused before any HMAC is computed.
// All window codes are compared in constant time with no short-circuit
// between steps.
func (c *TOTPCodec) Verify(secret string, t time.Time, candidate string) (bool, error) {
	if !isSixDigits(candidate) {
		return false, nil
	}

	key, err := decodeSecret(secret)
	if err != nil {
		return false, err
	}

	step := t.Unix() / TOTPPeriod
	match := 0
	for i := int64(-totpSkew); i <= totpSkew; i++ {
		counter := step + i
		if counter < 0 {
			continue
		}
		code := c.hotp(key, counter)
		match |= subtle.ConstantTimeCompare([]byte(code), []byte(candidate))
	}

	return match == 1, nil
}

// hotp implements RFC 4226: HMAC over the 8-byte big-endian counter, dynamic
// truncation (offset from the low nibble of the last byte, 31-bit extraction),
// reduced modulo 10^6 and zero-padded to 6 digits.
func (c *TOTPCodec) hotp(key []byte, counter int64) string {
	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], uint64(counter))

	mac := hmac.New(c.hashFunc(), key)
	mac.Write(counterBytes[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	value := (uint32(sum[offset]&0x7f) << 24) |
		(uint32(sum[offset+1]) << 16) |
		(uint32(sum[offset+2]) << 8) |
		uint32(sum[offset+3])

	return fmt.Sprintf("%06d", value%1000000)
}

func (c *TOTPCodec) hashFunc() func() hash.Hash {
	if c.algorithm == AlgorithmSHA256 {
		return sha256.New
	}
	return sha1.New
}

func decodeSecret(secret string) ([]byte, error) {
	key, err := base32NoPadding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("secret is not valid base32: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("secret is empty")
	}
	return key, nil
}

func isSixDigits(s string) bool {
	if len(s) != TOTPDigits {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
