package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cdmorrow/vigil/internal/auth"
	"github.com/cdmorrow/vigil/internal/metrics"
	"github.com/cdmorrow/vigil/internal/models"
	"github.com/cdmorrow/vigil/internal/repositories"
	"github.com/cdmorrow/vigil/pkg/logger"
	"github.com/google/uuid"
)

// BackupCodeVerifier consumes a backup code ahead of minting a reset token.
// EnrollmentService satisfies it; recovery never touches TOTP.
type BackupCodeVerifier interface {
	VerifyBackupCode(ctx context.Context, userID uuid.UUID, code, ipAddress, userAgent string) error
}

// RecoveryService handles self-service MFA recovery for users who lost their
// authenticator. A backup code buys a short-lived single-use reset token, and
// the reset token tears the enrollment back to Pending for a fresh setup.
type RecoveryService struct {
	verifier     BackupCodeVerifier
	tokens       *auth.RecoveryTokenManager
	recoveryRepo repositories.RecoveryTokenRepository
	enrollRepo   repositories.EnrollmentRepository
	alerts       AlertService
	auditLogger  *logger.AuditLogger
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewRecoveryService creates a new recovery service
func NewRecoveryService(
	verifier BackupCodeVerifier,
	tokens *auth.RecoveryTokenManager,
	recoveryRepo repositories.RecoveryTokenRepository,
	enrollRepo repositories.EnrollmentRepository,
	alerts AlertService,
	auditLogger *logger.AuditLogger,
	m *metrics.Metrics,
	log *slog.Logger,
) *RecoveryService {
	return &RecoveryService{
		verifier:     verifier,
		tokens:       tokens,
		recoveryRepo: recoveryRepo,
		enrollRepo:   enrollRepo,
		alerts:       alerts,
		auditLogger:  auditLogger,
		metrics:      m,
		logger:       log,
	}
}

// TokenTTL reports how long an issued reset token stays valid
func (s *RecoveryService) TokenTTL() time.Duration {
	return s.tokens.TTL()
}

// InitiateRecovery trades a valid backup code for a reset-scoped token. The
// backup code is consumed even if the caller never uses the token.
func (s *RecoveryService) InitiateRecovery(ctx context.Context, userID uuid.UUID, email, backupCode, ipAddress, userAgent string) (string, error) {
	if err := s.verifier.VerifyBackupCode(ctx, userID, backupCode, ipAddress, userAgent); err != nil {
		return "", err
	}

	token, err := s.tokens.Issue(ctx, userID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to issue recovery token",
			slog.Any("user_id", userID),
			slog.Any("error", err))
		return "", mapInfraError(err)
	}

	s.metrics.ObserveRecoveryToken("issued")
	s.auditLogger.LogAccountAction("mfa_recovery_initiated", userID.String(), ipAddress, nil)

	if err := s.alerts.SendRecoveryStartedAlert(ctx, email); err != nil {
		s.logger.WarnContext(ctx, "recovery alert not delivered", slog.Any("error", err))
	}

	s.logger.InfoContext(ctx, "mfa recovery initiated",
		slog.Any("user_id", userID))

	return token, nil
}

// ResetViaRecovery consumes a reset token and tears the enrollment back to
// Pending: the sealed secret, the activation timestamp, and every backup code
// are gone. Login verification stops immediately; the user re-enrolls from
// scratch.
func (s *RecoveryService) ResetViaRecovery(ctx context.Context, userID uuid.UUID, email, tokenString, ipAddress string) error {
	if err := s.tokens.Validate(ctx, tokenString, userID); err != nil {
		switch {
		case errors.Is(err, models.ErrTokenConsumed):
			// A replayed token means either a stuck client retry or someone
			// holding a stolen token. Surface it for review.
			s.metrics.ObserveRecoveryToken("rejected")
			s.auditLogger.LogSecurityEvent("recovery_token_replay", userID.String(), ipAddress, nil)
			s.logger.WarnContext(ctx, "recovery token replayed",
				slog.Any("user_id", userID))
			return err
		case errors.Is(err, models.ErrTokenExpired),
			errors.Is(err, models.ErrTokenScope),
			errors.Is(err, models.ErrUnauthorized):
			s.metrics.ObserveRecoveryToken("rejected")
			s.logger.WarnContext(ctx, "recovery token rejected",
				slog.Any("user_id", userID),
				slog.Any("error", err))
			return err
		default:
			s.logger.ErrorContext(ctx, "recovery token validation failed",
				slog.Any("user_id", userID),
				slog.Any("error", err))
			return mapInfraError(err)
		}
	}

	if err := s.enrollRepo.ResetToPending(ctx, userID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// The token was consumed but the enrollment is already gone.
			return models.ErrStateConflict
		}
		s.logger.ErrorContext(ctx, "failed to reset enrollment",
			slog.Any("user_id", userID),
			slog.Any("error", err))
		return mapInfraError(err)
	}

	s.metrics.ObserveRecoveryToken("consumed")
	s.metrics.ObserveEnrollmentEvent("reset")
	s.auditLogger.LogAccountAction("mfa_reset", userID.String(), ipAddress, nil)

	if err := s.alerts.SendEnrollmentResetAlert(ctx, email); err != nil {
		s.logger.WarnContext(ctx, "reset alert not delivered", slog.Any("error", err))
	}

	s.logger.InfoContext(ctx, "mfa enrollment reset via recovery",
		slog.Any("user_id", userID))

	return nil
}

// CleanupExpiredTokens deletes reset token rows past their expiry (called by
// background cleanup). Consumed rows fall out the same way once they expire.
func (s *RecoveryService) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	count, err := s.recoveryRepo.DeleteExpired(ctx, time.Now())
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to delete expired recovery tokens",
			slog.Any("error", err))
		return 0, err
	}

	if count > 0 {
		s.logger.InfoContext(ctx, "deleted expired recovery tokens",
			slog.Int64("count", count))
	}

	return count, nil
}
