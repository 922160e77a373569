package handlers

import "time"

// Setup DTOs

// MFASetupResponse carries everything a client needs to provision an
// authenticator: the base32 secret for manual entry, the otpauth URI, and a
// QR code rendering of the same URI as a data URL.
type MFASetupResponse struct {
	Secret     string `json:"secret"`
	OtpauthURL string `json:"otpauth_url"`
	QRCode     string `json:"qr_code"`
	Message    string `json:"message"`
}

// ConfirmMFARequest carries the first TOTP code from the new authenticator
type ConfirmMFARequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// ConfirmMFAResponse returns the backup codes minted at activation. This is
// the only time the plaintext codes are visible.
type ConfirmMFAResponse struct {
	BackupCodes []string  `json:"backup_codes"`
	ActivatedAt time.Time `json:"activated_at"`
	Message     string    `json:"message"`
}

// Status DTOs

// MFAStatusResponse is the enrollment state projection for the settings screen
type MFAStatusResponse struct {
	State                string     `json:"state"`
	ActivatedAt          *time.Time `json:"activated_at,omitempty"`
	BackupCodesRemaining int        `json:"backup_codes_remaining"`
}

// Backup code DTOs

// RegenerateBackupCodesRequest requires a fresh TOTP code before replacing the batch
type RegenerateBackupCodesRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// RegenerateBackupCodesResponse returns the replacement batch. Every code
// from the previous batch has already stopped working.
type RegenerateBackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
	Message     string   `json:"message"`
}

// Disable DTOs

// DisableMFARequest requires a fresh TOTP code before tearing down enrollment
type DisableMFARequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// Recovery DTOs

// RecoveryRequest trades a backup code for a recovery token. The caller
// proves identity either with the challenge token from a stalled login or
// with the session bearer token on the request.
type RecoveryRequest struct {
	ChallengeToken string `json:"challenge_token,omitempty"`
	BackupCode     string `json:"backup_code" validate:"required,max=20"`
}

// RecoveryResponse carries the single-use reset token
type RecoveryResponse struct {
	RecoveryToken string `json:"recovery_token"`
	ExpiresIn     int64  `json:"expires_in"`
	Message       string `json:"message"`
}

// ResetMFARequest consumes a recovery token to force enrollment back to pending
type ResetMFARequest struct {
	RecoveryToken string `json:"recovery_token" validate:"required"`
}

// ResetMFAResponse reports the post-reset state
type ResetMFAResponse struct {
	State   string `json:"state"`
	Message string `json:"message"`
}
