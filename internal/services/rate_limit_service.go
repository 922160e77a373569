package services

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/cdmorrow/vigil/internal/models"
	"github.com/cdmorrow/vigil/internal/repositories"
	"github.com/google/uuid"
)

// AttemptLimiterConfig bounds MFA verification retries over a sliding window.
type AttemptLimiterConfig struct {
	MaxFailedPerUser   int
	MaxFailedPerIP     int
	MaxFailedPerDevice int
	Window             time.Duration
}

// AttemptLimiter throttles MFA code verification per user, per IP, and per
// device fingerprint, backed by the attempts table. It sits in front of every
// code check so a pending enrollment cannot be brute-forced through the
// 10^6 code space.
type AttemptLimiter struct {
	attemptRepo repositories.MFAAttemptRepository
	config      AttemptLimiterConfig
	logger      *slog.Logger
}

func NewAttemptLimiter(attemptRepo repositories.MFAAttemptRepository, config AttemptLimiterConfig, logger *slog.Logger) *AttemptLimiter {
	return &AttemptLimiter{
		attemptRepo: attemptRepo,
		config:      config,
		logger:      logger,
	}
}

// Check reports whether another verification attempt is allowed right now.
// Returns models.ErrTooManyAttempts when a window is saturated. Lookup errors
// fail open: the store being down should not lock every user out of MFA, and
// the window re-applies as soon as it recovers.
func (s *AttemptLimiter) Check(ctx context.Context, userID uuid.UUID, ipAddress, userAgent string) error {
	since := time.Now().Add(-s.config.Window)

	userFailures, err := s.attemptRepo.GetFailedAttemptCount(ctx, userID, since)
	if err != nil {
		s.logger.Error("failed to check user attempt window", slog.Any("error", err))
		return nil
	}
	if userFailures >= s.config.MaxFailedPerUser {
		s.logger.Warn("MFA attempts rate limited for user",
			slog.String("user_id", userID.String()),
			slog.Int("failed_attempts", userFailures))
		return models.ErrTooManyAttempts
	}

	if ipAddress != "" {
		ipFailures, err := s.attemptRepo.GetFailedAttemptsForIP(ctx, ipAddress, since)
		if err != nil {
			s.logger.Error("failed to check IP attempt window", slog.Any("error", err))
			return nil
		}
		if ipFailures >= s.config.MaxFailedPerIP {
			s.logger.Warn("MFA attempts rate limited for IP",
				slog.String("ip_address", ipAddress),
				slog.Int("failed_attempts", ipFailures))
			return models.ErrTooManyAttempts
		}
	}

	fingerprint := deviceFingerprint(ipAddress, userAgent)
	deviceFailures, err := s.attemptRepo.GetFailedAttemptsForDevice(ctx, fingerprint, since)
	if err != nil {
		s.logger.Error("failed to check device attempt window", slog.Any("error", err))
		return nil
	}
	if deviceFailures >= s.config.MaxFailedPerDevice {
		s.logger.Warn("MFA attempts rate limited for device",
			slog.String("device_fingerprint", fingerprint),
			slog.Int("failed_attempts", deviceFailures))
		return models.ErrTooManyAttempts
	}

	return nil
}

// Record stores the outcome of one verification attempt. Recording failures
// is what drives the window, so errors here are logged loudly but never
// override the verification verdict.
func (s *AttemptLimiter) Record(ctx context.Context, userID uuid.UUID, method, ipAddress, userAgent string, success bool, failureReason *string) {
	attempt := &models.VerificationAttempt{
		UserID:            userID,
		Method:            method,
		DeviceFingerprint: deviceFingerprint(ipAddress, userAgent),
		IPAddress:         ipAddress,
		Success:           success,
		FailureReason:     failureReason,
	}

	if err := s.attemptRepo.RecordAttempt(ctx, attempt); err != nil {
		s.logger.Error("failed to record MFA attempt",
			slog.String("user_id", userID.String()),
			slog.Any("error", err))
	}
}

// deviceFingerprint hashes IP + User-Agent into an opaque device identifier
func deviceFingerprint(ipAddress, userAgent string) string {
	data := []byte(fmt.Sprintf("%s:%s", ipAddress, userAgent))
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)[:32]
}
