package services

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/cdmorrow/vigil/internal/auth"
	"github.com/cdmorrow/vigil/internal/metrics"
	"github.com/cdmorrow/vigil/internal/models"
	"github.com/cdmorrow/vigil/internal/repositories"
	"github.com/cdmorrow/vigil/pkg/logger"
	"github.com/google/uuid"
)

// EnrollmentService drives the per-user MFA lifecycle: provisioning a secret,
// confirming it with a first code, verifying codes at login, and tearing the
// enrollment down again. Every code check passes through the attempt limiter
// before any cryptographic work happens.
type EnrollmentService struct {
	enrollmentRepo repositories.EnrollmentRepository
	backupRepo     repositories.BackupCodeRepository
	vault          *auth.SecretVault
	codec          *auth.TOTPCodec
	provisioner    *auth.Provisioner
	backupCodes    *auth.BackupCodeVault
	limiter        *AttemptLimiter
	alerts         AlertService
	auditLogger    *logger.AuditLogger
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// NewEnrollmentService creates a new enrollment service
func NewEnrollmentService(
	enrollmentRepo repositories.EnrollmentRepository,
	backupRepo repositories.BackupCodeRepository,
	vault *auth.SecretVault,
	codec *auth.TOTPCodec,
	provisioner *auth.Provisioner,
	backupCodes *auth.BackupCodeVault,
	limiter *AttemptLimiter,
	alerts AlertService,
	auditLogger *logger.AuditLogger,
	m *metrics.Metrics,
	log *slog.Logger,
) *EnrollmentService {
	return &EnrollmentService{
		enrollmentRepo: enrollmentRepo,
		backupRepo:     backupRepo,
		vault:          vault,
		codec:          codec,
		provisioner:    provisioner,
		backupCodes:    backupCodes,
		limiter:        limiter,
		alerts:         alerts,
		auditLogger:    auditLogger,
		metrics:        m,
		logger:         log,
	}
}

// StartEnrollment provisions a fresh TOTP secret for the user and stores it
// sealed in a Pending enrollment. Calling it again while still Pending
// replaces the secret; calling it while Active returns ErrStateConflict, the
// existing enrollment must be disabled or recovered first.
func (s *EnrollmentService) StartEnrollment(ctx context.Context, userID uuid.UUID, email string) (*models.EnrollmentProvision, error) {
	provision, err := s.provisioner.Provision(email)
	if err != nil {
		s.logger.Error("failed to provision TOTP secret", slog.Any("error", err))
		return nil, mapInfraError(err)
	}

	sealed, err := s.vault.Seal(provision.Secret)
	if err != nil {
		s.logger.Error("failed to seal TOTP secret", slog.Any("error", err))
		return nil, mapInfraError(err)
	}

	// The guarded upsert is the state check: it only lands on a missing or
	// Pending row, so a concurrent activation wins cleanly.
	enrollment, err := s.enrollmentRepo.UpsertPending(ctx, &models.MfaEnrollment{
		UserID: userID,
		State:  models.EnrollmentStatePending,
		Secret: sealed,
	})
	if err != nil {
		if errors.Is(err, models.ErrStateConflict) {
			return nil, err
		}
		s.logger.Error("failed to store pending enrollment", slog.Any("error", err))
		return nil, mapInfraError(err)
	}

	s.metrics.ObserveEnrollmentEvent("started")
	s.logger.Info("MFA enrollment started",
		slog.String("user_id", userID.String()),
		slog.String("enrollment_id", enrollment.ID.String()))

	return provision, nil
}

// ConfirmEnrollment validates the first TOTP code against the Pending secret
// and activates the enrollment. Backup codes are minted inside the same
// transaction that flips the state, and their plaintext is returned exactly
// once.
func (s *EnrollmentService) ConfirmEnrollment(ctx context.Context, userID uuid.UUID, email, code, ipAddress, userAgent string) (*models.ActivationResult, error) {
	enrollment, err := s.getEnrollment(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !enrollment.IsPending() || !enrollment.HasSecret() {
		return nil, models.ErrStateConflict
	}

	if err := s.limiter.Check(ctx, userID, ipAddress, userAgent); err != nil {
		s.recordAttempt(ctx, userID, models.VerifyMethodTOTP, ipAddress, userAgent, false, "rate_limited")
		return nil, err
	}

	if err := s.verifyTOTPCode(ctx, enrollment, code); err != nil {
		if errors.Is(err, models.ErrVerificationFailed) {
			s.recordAttempt(ctx, userID, models.VerifyMethodTOTP, ipAddress, userAgent, false, "invalid_code")
			s.logger.Warn("invalid TOTP code during enrollment confirmation",
				slog.String("user_id", userID.String()))
		}
		return nil, err
	}

	batch, err := s.backupCodes.GenerateBatch(auth.BackupCodeBatchSize)
	if err != nil {
		s.logger.Error("failed to generate backup codes", slog.Any("error", err))
		return nil, mapInfraError(err)
	}

	activated, err := s.enrollmentRepo.Activate(ctx, userID, batch.Hashes)
	if err != nil {
		if errors.Is(err, models.ErrStateConflict) {
			// A concurrent confirmation won the guarded update.
			return nil, err
		}
		s.logger.Error("failed to activate enrollment", slog.Any("error", err))
		return nil, mapInfraError(err)
	}

	s.recordAttempt(ctx, userID, models.VerifyMethodTOTP, ipAddress, userAgent, true, "")
	s.metrics.ObserveEnrollmentEvent("activated")
	s.auditLogger.LogAccountAction("mfa_enrolled", userID.String(), ipAddress, nil)

	if err := s.alerts.SendEnrollmentActivatedAlert(ctx, email); err != nil {
		s.logger.Warn("activation alert not delivered", slog.Any("error", err))
	}

	s.logger.Info("MFA enrollment activated",
		slog.String("user_id", userID.String()),
		slog.String("enrollment_id", activated.ID.String()))

	activatedAt := time.Now()
	if activated.ActivatedAt != nil {
		activatedAt = *activated.ActivatedAt
	}

	return &models.ActivationResult{
		BackupCodes: batch.Plaintext,
		ActivatedAt: activatedAt,
	}, nil
}

// VerifyLogin validates a TOTP or backup code during login. Backup codes are
// recognized by shape and consumed on success; everything else goes through
// the TOTP codec, which treats malformed input as a plain mismatch.
func (s *EnrollmentService) VerifyLogin(ctx context.Context, userID uuid.UUID, code, ipAddress, userAgent string) error {
	enrollment, err := s.getEnrollment(ctx, userID)
	if err != nil {
		return err
	}
	if !enrollment.IsActive() {
		return models.ErrStateConflict
	}

	method := models.VerifyMethodTOTP
	candidate := auth.NormalizeBackupCode(code)
	if auth.IsBackupCodeFormat(candidate) {
		method = models.VerifyMethodBackupCode
	}

	if err := s.limiter.Check(ctx, userID, ipAddress, userAgent); err != nil {
		s.recordAttempt(ctx, userID, method, ipAddress, userAgent, false, "rate_limited")
		return err
	}

	if method == models.VerifyMethodBackupCode {
		return s.consumeBackupCode(ctx, enrollment, candidate, ipAddress, userAgent)
	}

	if err := s.verifyTOTPCode(ctx, enrollment, code); err != nil {
		if errors.Is(err, models.ErrVerificationFailed) {
			s.recordAttempt(ctx, userID, models.VerifyMethodTOTP, ipAddress, userAgent, false, "invalid_code")
			s.logger.Warn("invalid TOTP code at login", slog.String("user_id", userID.String()))
		}
		return err
	}

	s.recordAttempt(ctx, userID, models.VerifyMethodTOTP, ipAddress, userAgent, true, "")
	return nil
}

// VerifyBackupCode validates and consumes a backup code outside the login
// flow. Account recovery calls this before minting a reset token.
func (s *EnrollmentService) VerifyBackupCode(ctx context.Context, userID uuid.UUID, code, ipAddress, userAgent string) error {
	enrollment, err := s.getEnrollment(ctx, userID)
	if err != nil {
		return err
	}
	if !enrollment.IsActive() {
		return models.ErrStateConflict
	}

	if err := s.limiter.Check(ctx, userID, ipAddress, userAgent); err != nil {
		s.recordAttempt(ctx, userID, models.VerifyMethodBackupCode, ipAddress, userAgent, false, "rate_limited")
		return err
	}

	candidate := auth.NormalizeBackupCode(code)
	if !auth.IsBackupCodeFormat(candidate) {
		s.recordAttempt(ctx, userID, models.VerifyMethodBackupCode, ipAddress, userAgent, false, "malformed_code")
		return models.ErrVerificationFailed
	}

	return s.consumeBackupCode(ctx, enrollment, candidate, ipAddress, userAgent)
}

// Status returns the enrollment state projection used by the login flow and
// the settings screen. A missing row reads as Uninitialized.
func (s *EnrollmentService) Status(ctx context.Context, userID uuid.UUID) (*models.EnrollmentStatus, error) {
	enrollment, err := s.enrollmentRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return &models.EnrollmentStatus{State: models.EnrollmentStateUninitialized}, nil
		}
		s.logger.Error("failed to load enrollment", slog.Any("error", err))
		return nil, mapInfraError(err)
	}

	status := &models.EnrollmentStatus{
		State:       enrollment.State,
		ActivatedAt: enrollment.ActivatedAt,
	}

	if enrollment.IsActive() {
		remaining, err := s.backupRepo.CountRemaining(ctx, userID)
		if err != nil {
			s.logger.Error("failed to count backup codes", slog.Any("error", err))
			return nil, mapInfraError(err)
		}
		status.BackupCodesRemaining = remaining
	}

	return status, nil
}

// Disable removes the enrollment and its backup codes after a fresh TOTP
// check. Backup codes cannot authorize a disable; a user without their
// authenticator goes through recovery instead.
func (s *EnrollmentService) Disable(ctx context.Context, userID uuid.UUID, email, code, ipAddress, userAgent string) error {
	enrollment, err := s.getEnrollment(ctx, userID)
	if err != nil {
		return err
	}
	if !enrollment.IsActive() {
		return models.ErrStateConflict
	}

	if err := s.limiter.Check(ctx, userID, ipAddress, userAgent); err != nil {
		s.recordAttempt(ctx, userID, models.VerifyMethodTOTP, ipAddress, userAgent, false, "rate_limited")
		return err
	}

	if err := s.verifyTOTPCode(ctx, enrollment, code); err != nil {
		if errors.Is(err, models.ErrVerificationFailed) {
			s.recordAttempt(ctx, userID, models.VerifyMethodTOTP, ipAddress, userAgent, false, "invalid_code")
			s.logger.Warn("invalid TOTP code while disabling MFA", slog.String("user_id", userID.String()))
		}
		return err
	}

	if err := s.enrollmentRepo.Delete(ctx, userID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrStateConflict
		}
		s.logger.Error("failed to delete enrollment", slog.Any("error", err))
		return mapInfraError(err)
	}

	s.recordAttempt(ctx, userID, models.VerifyMethodTOTP, ipAddress, userAgent, true, "")
	s.metrics.ObserveEnrollmentEvent("disabled")
	s.auditLogger.LogAccountAction("mfa_disabled", userID.String(), ipAddress, nil)

	if err := s.alerts.SendMFADisabledAlert(ctx, email); err != nil {
		s.logger.Warn("disable alert not delivered", slog.Any("error", err))
	}

	s.logger.Info("MFA disabled", slog.String("user_id", userID.String()))
	return nil
}

// RegenerateBackupCodes replaces the whole backup code batch after a fresh
// TOTP check. The new plaintext is returned exactly once; every previous code
// stops working.
func (s *EnrollmentService) RegenerateBackupCodes(ctx context.Context, userID uuid.UUID, email, code, ipAddress, userAgent string) ([]string, error) {
	enrollment, err := s.getEnrollment(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !enrollment.IsActive() {
		return nil, models.ErrStateConflict
	}

	if err := s.limiter.Check(ctx, userID, ipAddress, userAgent); err != nil {
		s.recordAttempt(ctx, userID, models.VerifyMethodTOTP, ipAddress, userAgent, false, "rate_limited")
		return nil, err
	}

	if err := s.verifyTOTPCode(ctx, enrollment, code); err != nil {
		if errors.Is(err, models.ErrVerificationFailed) {
			s.recordAttempt(ctx, userID, models.VerifyMethodTOTP, ipAddress, userAgent, false, "invalid_code")
			s.logger.Warn("invalid TOTP code while regenerating backup codes",
				slog.String("user_id", userID.String()))
		}
		return nil, err
	}

	batch, err := s.backupCodes.GenerateBatch(auth.BackupCodeBatchSize)
	if err != nil {
		s.logger.Error("failed to generate backup codes", slog.Any("error", err))
		return nil, mapInfraError(err)
	}

	if err := s.backupRepo.ReplaceBatch(ctx, userID, batch.Hashes); err != nil {
		s.logger.Error("failed to replace backup codes", slog.Any("error", err))
		return nil, mapInfraError(err)
	}

	s.recordAttempt(ctx, userID, models.VerifyMethodTOTP, ipAddress, userAgent, true, "")
	s.metrics.ObserveEnrollmentEvent("codes_regenerated")
	s.auditLogger.LogAccountAction("backup_codes_regenerated", userID.String(), ipAddress, nil)

	if err := s.alerts.SendBackupCodesRegeneratedAlert(ctx, email); err != nil {
		s.logger.Warn("regeneration alert not delivered", slog.Any("error", err))
	}

	s.logger.Info("backup codes regenerated", slog.String("user_id", userID.String()))
	return batch.Plaintext, nil
}

// getEnrollment loads the user's enrollment, mapping a missing row to
// ErrStateConflict: every caller needs one to exist.
func (s *EnrollmentService) getEnrollment(ctx context.Context, userID uuid.UUID) (*models.MfaEnrollment, error) {
	enrollment, err := s.enrollmentRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrStateConflict
		}
		s.logger.Error("failed to load enrollment", slog.Any("error", err))
		return nil, mapInfraError(err)
	}
	return enrollment, nil
}

// verifyTOTPCode opens the sealed secret and checks the candidate against the
// current step and its immediate neighbors.
func (s *EnrollmentService) verifyTOTPCode(ctx context.Context, enrollment *models.MfaEnrollment, code string) error {
	secret, err := s.openSecret(ctx, enrollment)
	if err != nil {
		return err
	}

	valid, err := s.codec.Verify(secret, time.Now(), code)
	if err != nil {
		s.logger.Error("TOTP validation error", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if !valid {
		return models.ErrVerificationFailed
	}
	return nil
}

// openSecret decrypts the enrollment's sealed secret. Records sealed under a
// retired master key are lazily re-sealed under the active one; a failed or
// raced write leaves the old sealed copy in place, which still opens.
func (s *EnrollmentService) openSecret(ctx context.Context, enrollment *models.MfaEnrollment) (string, error) {
	if !enrollment.HasSecret() {
		return "", models.ErrStateConflict
	}

	secret, err := s.vault.Open(enrollment.Secret)
	if err != nil {
		s.logger.Error("failed to open sealed TOTP secret",
			slog.String("user_id", enrollment.UserID.String()),
			slog.Uint64("key_version", uint64(enrollment.Secret.KeyVersion)),
			slog.Any("error", err))
		if errors.Is(err, models.ErrIntegrity) {
			// Tampered ciphertext or a key missing from the ring. Either way
			// someone needs to look at this record.
			s.auditLogger.LogSecurityEvent("secret_integrity_failure", enrollment.UserID.String(), "",
				map[string]string{"key_version": strconv.FormatUint(uint64(enrollment.Secret.KeyVersion), 10)})
			return "", err
		}
		return "", models.ErrInternalServer
	}

	if resealed, rotated, err := s.vault.ReSeal(enrollment.Secret); err == nil && rotated {
		if err := s.enrollmentRepo.UpdateSecret(ctx, enrollment.UserID, resealed, enrollment.Secret.KeyVersion); err != nil {
			s.logger.Warn("failed to persist re-sealed secret",
				slog.String("user_id", enrollment.UserID.String()),
				slog.Any("error", err))
		}
	}

	return secret, nil
}

// consumeBackupCode scans the unused codes for a bcrypt match and claims the
// winner with a guarded update. Losing that race reads as a failed
// verification; single use stands even under concurrent submission.
func (s *EnrollmentService) consumeBackupCode(ctx context.Context, enrollment *models.MfaEnrollment, candidate, ipAddress, userAgent string) error {
	userID := enrollment.UserID

	codes, err := s.backupRepo.ListActive(ctx, userID)
	if err != nil {
		s.logger.Error("failed to list backup codes", slog.Any("error", err))
		return mapInfraError(err)
	}

	for _, entry := range codes {
		if !s.backupCodes.Match(candidate, entry.CodeHash) {
			continue
		}

		if err := s.backupRepo.Consume(ctx, entry.ID); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				// A concurrent attempt claimed this code first.
				break
			}
			s.logger.Error("failed to consume backup code", slog.Any("error", err))
			return mapInfraError(err)
		}

		s.recordAttempt(ctx, userID, models.VerifyMethodBackupCode, ipAddress, userAgent, true, "")
		s.logger.Info("backup code consumed",
			slog.String("user_id", userID.String()),
			slog.String("code_id", entry.ID.String()))
		return nil
	}

	s.recordAttempt(ctx, userID, models.VerifyMethodBackupCode, ipAddress, userAgent, false, "invalid_code")
	s.logger.Warn("invalid backup code", slog.String("user_id", userID.String()))
	return models.ErrVerificationFailed
}

// recordAttempt feeds one verification outcome to the limiter window, the
// metrics counters, and the audit trail.
func (s *EnrollmentService) recordAttempt(ctx context.Context, userID uuid.UUID, method, ipAddress, userAgent string, success bool, failureReason string) {
	var reason *string
	if failureReason != "" {
		reason = &failureReason
	}

	s.limiter.Record(ctx, userID, method, ipAddress, userAgent, success, reason)
	s.metrics.ObserveVerification(method, success)
	s.auditLogger.LogAuthAttempt(logger.AuditEvent{
		EventType:     "mfa_verify",
		UserID:        userID.String(),
		IPAddress:     ipAddress,
		UserAgent:     userAgent,
		Success:       success,
		FailureReason: failureReason,
		Metadata:      map[string]string{"method": method},
	})
}

// mapInfraError keeps dependency outages (storage, entropy) distinguishable
// from plain internal failures. Callers log before mapping.
func mapInfraError(err error) error {
	if errors.Is(err, models.ErrDependency) {
		return models.ErrDependency
	}
	return models.ErrInternalServer
}
