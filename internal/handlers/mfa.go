package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cdmorrow/vigil/internal/auth"
	"github.com/cdmorrow/vigil/internal/models"
	"github.com/cdmorrow/vigil/internal/services"
	pkghttp "github.com/cdmorrow/vigil/pkg/http"
	"github.com/google/uuid"
)

// EnrollmentServiceInterface defines the enrollment lifecycle operations the
// MFA endpoints depend on
type EnrollmentServiceInterface interface {
	StartEnrollment(ctx context.Context, userID uuid.UUID, email string) (*models.EnrollmentProvision, error)
	ConfirmEnrollment(ctx context.Context, userID uuid.UUID, email, code, ipAddress, userAgent string) (*models.ActivationResult, error)
	Status(ctx context.Context, userID uuid.UUID) (*models.EnrollmentStatus, error)
	RegenerateBackupCodes(ctx context.Context, userID uuid.UUID, email, code, ipAddress, userAgent string) ([]string, error)
	Disable(ctx context.Context, userID uuid.UUID, email, code, ipAddress, userAgent string) error
}

// RecoveryServiceInterface defines the lost-device recovery operations
type RecoveryServiceInterface interface {
	TokenTTL() time.Duration
	InitiateRecovery(ctx context.Context, userID uuid.UUID, email, backupCode, ipAddress, userAgent string) (string, error)
	ResetViaRecovery(ctx context.Context, userID uuid.UUID, email, tokenString, ipAddress string) error
}

// MFAHandler handles enrollment, verification, and recovery HTTP requests
type MFAHandler struct {
	enrollment EnrollmentServiceInterface
	recovery   RecoveryServiceInterface
	tm         *auth.TokenManager
	userRepo   services.UserRepository
	revokeRepo services.TokenRevocationRepository
	timing     *auth.TimingDelay
	ipConfig   *pkghttp.IPConfig
	logger     *slog.Logger
}

// NewMFAHandler creates a new MFAHandler
func NewMFAHandler(enrollment EnrollmentServiceInterface, recovery RecoveryServiceInterface, tm *auth.TokenManager, userRepo services.UserRepository, revokeRepo services.TokenRevocationRepository, timing *auth.TimingDelay, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *MFAHandler {
	return &MFAHandler{
		enrollment: enrollment,
		recovery:   recovery,
		tm:         tm,
		userRepo:   userRepo,
		revokeRepo: revokeRepo,
		timing:     timing,
		ipConfig:   ipConfig,
		logger:     logger,
	}
}

// Setup begins enrollment by provisioning a fresh TOTP secret
// @Summary Start MFA enrollment
// @Security BearerAuth
// @Produce json
// @Success 200 {object} MFASetupResponse
// @Failure 401 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /mfa/setup [post]
func (h *MFAHandler) Setup(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	userID, err := auth.SubjectID(claims)
	if err != nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	provision, err := h.enrollment.StartEnrollment(r.Context(), userID, claims.Email)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrStateConflict):
			pkghttp.WriteConflict(w, "Multi-factor authentication is already active")
		case errors.Is(err, models.ErrDependency):
			pkghttp.WriteServiceUnavailable(w, "Service temporarily unavailable")
		default:
			h.logger.Error("MFA setup failed", slog.String("user_id", userID.String()), slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Setup failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, MFASetupResponse{
		Secret:     provision.Secret,
		OtpauthURL: provision.OtpauthURL,
		QRCode:     provision.QRCode,
		Message:    "Scan the QR code, then confirm with a code from your authenticator",
	})
}

// Verify confirms a pending enrollment with the first TOTP code and activates it
// @Summary Confirm MFA enrollment
// @Security BearerAuth
// @Accept json
// @Param request body ConfirmMFARequest true "Confirmation code"
// @Produce json
// @Success 200 {object} ConfirmMFAResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /mfa/verify [post]
func (h *MFAHandler) Verify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	userID, err := auth.SubjectID(claims)
	if err != nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req ConfirmMFARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)
	userAgent := r.Header.Get("User-Agent")

	result, err := h.enrollment.ConfirmEnrollment(r.Context(), userID, claims.Email, req.Code, ipAddress, userAgent)
	if err != nil {
		h.timing.WaitFrom(start, false)
		h.writeVerificationError(w, err, "No enrollment is awaiting confirmation")
		return
	}

	h.timing.WaitFrom(start, true)
	writeJSON(w, http.StatusOK, ConfirmMFAResponse{
		BackupCodes: result.BackupCodes,
		ActivatedAt: result.ActivatedAt,
		Message:     "Store these backup codes securely. They will not be shown again.",
	})
}

// Status reports the enrollment state and remaining backup codes
// @Summary MFA enrollment status
// @Security BearerAuth
// @Produce json
// @Success 200 {object} MFAStatusResponse
// @Failure 401 {object} ErrorResponse
// @Router /mfa/status [get]
func (h *MFAHandler) Status(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	userID, err := auth.SubjectID(claims)
	if err != nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	status, err := h.enrollment.Status(r.Context(), userID)
	if err != nil {
		if errors.Is(err, models.ErrDependency) {
			pkghttp.WriteServiceUnavailable(w, "Service temporarily unavailable")
			return
		}
		h.logger.Error("MFA status lookup failed", slog.String("user_id", userID.String()), slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, MFAStatusResponse{
		State:                status.State,
		ActivatedAt:          status.ActivatedAt,
		BackupCodesRemaining: status.BackupCodesRemaining,
	})
}

// RegenerateBackupCodes replaces the backup code batch after a fresh TOTP check
// @Summary Regenerate backup codes
// @Security BearerAuth
// @Accept json
// @Param request body RegenerateBackupCodesRequest true "Current TOTP code"
// @Produce json
// @Success 200 {object} RegenerateBackupCodesResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /mfa/backup-codes/regenerate [post]
func (h *MFAHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	userID, err := auth.SubjectID(claims)
	if err != nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req RegenerateBackupCodesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)
	userAgent := r.Header.Get("User-Agent")

	codes, err := h.enrollment.RegenerateBackupCodes(r.Context(), userID, claims.Email, req.Code, ipAddress, userAgent)
	if err != nil {
		h.timing.WaitFrom(start, false)
		h.writeVerificationError(w, err, "Multi-factor authentication is not active")
		return
	}

	h.timing.WaitFrom(start, true)
	writeJSON(w, http.StatusOK, RegenerateBackupCodesResponse{
		BackupCodes: codes,
		Message:     "Store these backup codes securely. All previous codes have been invalidated.",
	})
}

// Disable tears down an active enrollment after a fresh TOTP check
// @Summary Disable MFA
// @Security BearerAuth
// @Accept json
// @Param request body DisableMFARequest true "Current TOTP code"
// @Produce json
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /mfa/disable [post]
func (h *MFAHandler) Disable(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	userID, err := auth.SubjectID(claims)
	if err != nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req DisableMFARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)
	userAgent := r.Header.Get("User-Agent")

	if err := h.enrollment.Disable(r.Context(), userID, claims.Email, req.Code, ipAddress, userAgent); err != nil {
		h.timing.WaitFrom(start, false)
		h.writeVerificationError(w, err, "Multi-factor authentication is not active")
		return
	}

	h.timing.WaitFrom(start, true)
	w.WriteHeader(http.StatusNoContent)
}

// Recovery trades a backup code for a single-use recovery token. The caller
// authenticates with either the challenge token from a stalled login or a
// full session; every failure mode returns the same 401.
// @Summary Begin account recovery with a backup code
// @Accept json
// @Param request body RecoveryRequest true "Backup code plus challenge token or bearer session"
// @Produce json
// @Success 200 {object} RecoveryResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /mfa/recovery [post]
func (h *MFAHandler) Recovery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req RecoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	user, err := h.recoveryCaller(r, req.ChallengeToken)
	if err != nil {
		h.timing.WaitFrom(start, false)
		pkghttp.WriteUnauthorized(w, "Verification failed")
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)
	userAgent := r.Header.Get("User-Agent")

	token, err := h.recovery.InitiateRecovery(r.Context(), user.ID, user.Email, req.BackupCode, ipAddress, userAgent)
	if err != nil {
		h.timing.WaitFrom(start, false)
		switch {
		case errors.Is(err, models.ErrTooManyAttempts):
			pkghttp.WriteTooManyRequests(w, "Too many verification attempts. Please try again later.")
		case errors.Is(err, models.ErrDependency):
			pkghttp.WriteServiceUnavailable(w, "Service temporarily unavailable")
		default:
			// State conflicts, spent codes, and bad codes must be
			// indistinguishable to the caller.
			pkghttp.WriteUnauthorized(w, "Verification failed")
		}
		return
	}

	h.timing.WaitFrom(start, true)
	writeJSON(w, http.StatusOK, RecoveryResponse{
		RecoveryToken: token,
		ExpiresIn:     int64(h.recovery.TokenTTL().Seconds()),
		Message:       "Use this token to reset multi-factor authentication. It expires shortly and works once.",
	})
}

// Reset consumes a recovery token and forces the enrollment back to pending
// @Summary Reset MFA with a recovery token
// @Accept json
// @Param request body ResetMFARequest true "Recovery token"
// @Produce json
// @Success 200 {object} ResetMFAResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /mfa/reset [post]
func (h *MFAHandler) Reset(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req ResetMFARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	claims, err := h.tm.ValidateTokenOfType(req.RecoveryToken, models.TokenTypeMFAReset)
	if err != nil {
		h.timing.WaitFrom(start, false)
		pkghttp.WriteUnauthorized(w, "Verification failed")
		return
	}

	user, err := h.lookupSubject(r.Context(), claims)
	if err != nil {
		h.timing.WaitFrom(start, false)
		pkghttp.WriteUnauthorized(w, "Verification failed")
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)

	if err := h.recovery.ResetViaRecovery(r.Context(), user.ID, user.Email, req.RecoveryToken, ipAddress); err != nil {
		h.timing.WaitFrom(start, false)
		switch {
		case errors.Is(err, models.ErrDependency):
			pkghttp.WriteServiceUnavailable(w, "Service temporarily unavailable")
		case errors.Is(err, models.ErrInternalServer):
			pkghttp.WriteInternalError(w, "Internal server error")
		default:
			// Expired, consumed, wrong-scope, and unknown tokens all read
			// the same from outside.
			pkghttp.WriteUnauthorized(w, "Verification failed")
		}
		return
	}

	h.timing.WaitFrom(start, true)
	writeJSON(w, http.StatusOK, ResetMFAResponse{
		State:   models.EnrollmentStatePending,
		Message: "Multi-factor authentication has been reset. Set up a new authenticator to restore it.",
	})
}

// recoveryCaller resolves the user starting recovery. A challenge token in
// the body wins; otherwise the Authorization header must carry a live access
// token. Both paths check the revocation list.
func (h *MFAHandler) recoveryCaller(r *http.Request, challengeToken string) (*models.User, error) {
	var (
		claims *models.TokenClaims
		err    error
	)

	if challengeToken != "" {
		claims, err = h.tm.ValidateTokenOfType(challengeToken, models.TokenTypeMFAChallenge)
	} else {
		claims, err = h.tm.ValidateTokenOfType(bearerToken(r), models.TokenTypeAccess)
	}
	if err != nil {
		return nil, err
	}

	revoked, err := h.revokeRepo.IsTokenRevoked(r.Context(), claims.ID)
	if err != nil {
		h.logger.Error("failed to check token revocation for recovery", slog.Any("error", err))
		return nil, err
	}
	if revoked {
		return nil, models.ErrUnauthorized
	}

	return h.lookupSubject(r.Context(), claims)
}

// lookupSubject loads the user a token's subject refers to, rejecting
// disabled accounts.
func (h *MFAHandler) lookupSubject(ctx context.Context, claims *models.TokenClaims) (*models.User, error) {
	userID, err := auth.SubjectID(claims)
	if err != nil {
		return nil, err
	}

	user, err := h.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive() {
		return nil, models.ErrAccountDisabled
	}
	return user, nil
}

// writeVerificationError maps enrollment service failures onto HTTP statuses.
// Code rejections stay deliberately vague; conflictMsg names the state
// problem, which is not secret to an authenticated caller.
func (h *MFAHandler) writeVerificationError(w http.ResponseWriter, err error, conflictMsg string) {
	switch {
	case errors.Is(err, models.ErrTooManyAttempts):
		pkghttp.WriteTooManyRequests(w, "Too many verification attempts. Please try again later.")
	case errors.Is(err, models.ErrVerificationFailed):
		pkghttp.WriteUnauthorized(w, "Verification failed")
	case errors.Is(err, models.ErrStateConflict):
		pkghttp.WriteConflict(w, conflictMsg)
	case errors.Is(err, models.ErrDependency):
		pkghttp.WriteServiceUnavailable(w, "Service temporarily unavailable")
	default:
		h.logger.Error("MFA operation failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}

// bearerToken pulls the raw token out of the Authorization header. Empty
// string when absent or malformed; validation happens downstream.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// writeJSON encodes a response body with the standard headers
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
