package models

import (
	"time"

	"github.com/google/uuid"
)

// Verification method constants for attempt records
const (
	VerifyMethodTOTP       = "totp"
	VerifyMethodBackupCode = "backup_code"
)

// VerificationAttempt tracks one MFA verification for the attempt limiter
type VerificationAttempt struct {
	ID                int64
	UserID            uuid.UUID
	Method            string
	DeviceFingerprint string
	IPAddress         string
	Success           bool
	FailureReason     *string
	AttemptedAt       time.Time
}
