package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/cdmorrow/vigil/internal/database"
	"github.com/cdmorrow/vigil/internal/models"
	"github.com/google/uuid"
)

// MFAAttemptRepository defines MFA verification attempt persistence operations
type MFAAttemptRepository interface {
	RecordAttempt(ctx context.Context, attempt *models.VerificationAttempt) error
	GetFailedAttemptCount(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	GetFailedAttemptsForDevice(ctx context.Context, deviceFingerprint string, since time.Time) (int, error)
	GetFailedAttemptsForIP(ctx context.Context, ipAddress string, since time.Time) (int, error)
	DeleteExpiredAttempts(ctx context.Context, threshold time.Time) (int64, error)
}

type mfaAttemptRepoImpl struct {
	db *database.DB
}

func NewMFAAttemptRepository(db *database.DB) MFAAttemptRepository {
	return &mfaAttemptRepoImpl{db: db}
}

// RecordAttempt records a verification attempt
func (r *mfaAttemptRepoImpl) RecordAttempt(ctx context.Context, attempt *models.VerificationAttempt) error {
	query := `
		INSERT INTO mfa_verification_attempts
			(user_id, method, device_fingerprint, ip_address, success, failure_reason, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id, attempted_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		attempt.UserID,
		attempt.Method,
		attempt.DeviceFingerprint,
		attempt.IPAddress,
		attempt.Success,
		attempt.FailureReason,
	).Scan(&attempt.ID, &attempt.AttemptedAt)

	if err != nil {
		return fmt.Errorf("failed to record MFA attempt: %w", database.MapPostgresError(err))
	}

	return nil
}

// GetFailedAttemptCount counts a user's failed attempts since the given time
func (r *mfaAttemptRepoImpl) GetFailedAttemptCount(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM mfa_verification_attempts
		WHERE user_id = $1 AND success = FALSE AND attempted_at >= $2
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed attempt count: %w", err)
	}

	return count, nil
}

// GetFailedAttemptsForDevice counts failed attempts for a device fingerprint
func (r *mfaAttemptRepoImpl) GetFailedAttemptsForDevice(ctx context.Context, deviceFingerprint string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM mfa_verification_attempts
		WHERE device_fingerprint = $1 AND success = FALSE AND attempted_at >= $2
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, deviceFingerprint, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get device failed attempt count: %w", err)
	}

	return count, nil
}

// GetFailedAttemptsForIP counts failed attempts from an IP address
func (r *mfaAttemptRepoImpl) GetFailedAttemptsForIP(ctx context.Context, ipAddress string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM mfa_verification_attempts
		WHERE ip_address = $1::inet AND success = FALSE AND attempted_at >= $2
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, ipAddress, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get IP failed attempt count: %w", err)
	}

	return count, nil
}

// DeleteExpiredAttempts deletes attempts older than the threshold
func (r *mfaAttemptRepoImpl) DeleteExpiredAttempts(ctx context.Context, threshold time.Time) (int64, error) {
	query := `DELETE FROM mfa_verification_attempts WHERE attempted_at < $1`

	result, err := r.db.Pool.Exec(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired MFA attempts: %w", err)
	}

	return result.RowsAffected(), nil
}
