package models

import (
	"time"

	"github.com/google/uuid"
)

// Enrollment state constants. Uninitialized is never persisted: it is the
// absence of an enrollment row.
const (
	EnrollmentStateUninitialized = "uninitialized"
	EnrollmentStatePending       = "pending"
	EnrollmentStateActive        = "active"
)

// EncryptedSecret is a sealed TOTP shared secret. The plaintext is never
// persisted; KeyVersion selects the master key that can open it.
type EncryptedSecret struct {
	Ciphertext []byte
	Nonce      []byte
	KeyVersion uint32
	CreatedAt  time.Time
}

// MfaEnrollment is the single per-user enrollment record. Secret is nil while
// the row sits in Pending immediately after a reset, before the next
// StartEnrollment provisions a fresh one.
type MfaEnrollment struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	State       string
	Secret      *EncryptedSecret
	ActivatedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsActive checks whether login verification may run against this enrollment
func (e *MfaEnrollment) IsActive() bool {
	return e.State == EnrollmentStateActive
}

// IsPending checks whether the enrollment is awaiting its first confirmed code
func (e *MfaEnrollment) IsPending() bool {
	return e.State == EnrollmentStatePending
}

// HasSecret reports whether a sealed secret is present
func (e *MfaEnrollment) HasSecret() bool {
	return e.Secret != nil && len(e.Secret.Ciphertext) > 0
}

// EnrollmentProvision is returned by StartEnrollment. The plaintext secret and
// its provisioning artifacts appear here exactly once.
type EnrollmentProvision struct {
	Secret     string `json:"secret"`
	OtpauthURL string `json:"otpauth_url"`
	QRCode     string `json:"qr_code"`
}

// ActivationResult is returned by ConfirmEnrollment. The plaintext backup
// codes appear here exactly once and are never retrievable afterwards.
type ActivationResult struct {
	BackupCodes []string  `json:"backup_codes"`
	ActivatedAt time.Time `json:"activated_at"`
}

// EnrollmentStatus is the read-only state projection used by the login flow
// to detect incomplete setup.
type EnrollmentStatus struct {
	State                string     `json:"state"`
	ActivatedAt          *time.Time `json:"activated_at,omitempty"`
	BackupCodesRemaining int        `json:"backup_codes_remaining"`
}
