package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cdmorrow/vigil/internal/auth"
	"github.com/cdmorrow/vigil/internal/models"
	pkgauth "github.com/cdmorrow/vigil/pkg/auth"
	pkglogger "github.com/cdmorrow/vigil/pkg/logger"
	"github.com/google/uuid"
)

// UserRepository defines the persistence surface the auth flow needs
type UserRepository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// TokenRevocationRepository defines the interface for token revocation operations
type TokenRevocationRepository interface {
	RevokeToken(ctx context.Context, jti string, userID uuid.UUID, tokenType string, expiresAt time.Time, reason string) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// MFAGate is the slice of the enrollment lifecycle the login flow consults:
// whether a second factor is required, and whether a submitted code passes.
type MFAGate interface {
	Status(ctx context.Context, userID uuid.UUID) (*models.EnrollmentStatus, error)
	VerifyLogin(ctx context.Context, userID uuid.UUID, code, ipAddress, userAgent string) error
}

// AuthService handles registration, the two-step login, token refresh, and
// logout. Password checks live here; code checks are delegated to the gate.
type AuthService struct {
	repo        UserRepository
	revokeRepo  TokenRevocationRepository
	mfa         MFAGate
	tm          *auth.TokenManager
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

// NewAuthService creates a new AuthService
func NewAuthService(repo UserRepository, revokeRepo TokenRevocationRepository, mfa MFAGate, tm *auth.TokenManager, logger *slog.Logger, auditLogger *pkglogger.AuditLogger) *AuthService {
	return &AuthService{
		repo:        repo,
		revokeRepo:  revokeRepo,
		mfa:         mfa,
		tm:          tm,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

// Register creates a new user account and opens a session. MFA enrollment is
// a separate, deliberate step after registration.
func (s *AuthService) Register(ctx context.Context, email, password, name string) (*models.LoginResult, error) {
	// Normalize inputs
	email = strings.ToLower(strings.TrimSpace(email))
	name = strings.TrimSpace(name)

	if email == "" {
		return nil, fmt.Errorf("email is required: %w", models.ErrValidation)
	}
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", models.ErrValidation)
	}

	if err := pkgauth.ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}

	// Check if user already exists
	_, err := s.repo.GetByEmail(ctx, email)
	if err == nil {
		s.logger.Info("registration failed: user already exists")
		return nil, models.ErrConflict
	}
	if !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to check if user exists", slog.Any("error", err))
		return nil, mapInfraError(err)
	}

	hashedPassword, err := pkgauth.HashPassword(password)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	createdUser, err := s.repo.Create(ctx, &models.User{
		Email:        email,
		PasswordHash: hashedPassword,
		Name:         name,
		Status:       models.UserStatusActive,
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, models.ErrConflict
		}
		s.logger.Error("failed to create user", slog.Any("error", err))
		return nil, mapInfraError(err)
	}

	tokens, err := s.issueSession(createdUser)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user registered", slog.String("user_id", createdUser.ID.String()))
	s.auditLogger.LogAccountAction("user_registered", createdUser.ID.String(), "", nil)

	return &models.LoginResult{
		Tokens: tokens,
		User:   createdUser,
	}, nil
}

// Login verifies the password and decides whether the session opens now or
// after a second factor. With an Active enrollment the result carries only a
// challenge token; a Pending enrollment does not gate login yet but is
// surfaced as incomplete setup.
func (s *AuthService) Login(ctx context.Context, email, password string) (*models.LoginResult, error) {
	if email = strings.ToLower(strings.TrimSpace(email)); email == "" {
		s.logger.Warn("login attempt with empty email")
		return nil, models.ErrUnauthorized
	}

	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Log login failure without exposing email
			s.logger.Info("login failed: invalid credentials")
			s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
				EventType:     "login_failed",
				FailureReason: "invalid_credentials",
				Success:       false,
			})
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to get user by email", slog.Any("error", err))
		return nil, mapInfraError(err)
	}

	if !user.IsActive() {
		s.logger.Info("login blocked: account disabled", slog.String("user_id", user.ID.String()))
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login_failed",
			UserID:        user.ID.String(),
			FailureReason: "account_disabled",
			Success:       false,
		})
		return nil, models.ErrAccountDisabled
	}

	if err := pkgauth.ComparePassword(user.PasswordHash, password); err != nil {
		s.logger.Info("login failed: invalid credentials")
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login_failed",
			UserID:        user.ID.String(),
			FailureReason: "invalid_credentials",
			Success:       false,
		})
		return nil, models.ErrUnauthorized
	}

	status, err := s.mfa.Status(ctx, user.ID)
	if err != nil {
		s.logger.Error("failed to load MFA status for login",
			slog.String("user_id", user.ID.String()),
			slog.Any("error", err))
		return nil, err
	}

	if status.State == models.EnrollmentStateActive {
		challenge, err := s.tm.GenerateChallengeToken(user.ID, user.Email)
		if err != nil {
			s.logger.Error("failed to generate challenge token",
				slog.String("user_id", user.ID.String()),
				slog.Any("error", err))
			return nil, models.ErrInternalServer
		}

		s.logger.Info("login requires MFA", slog.String("user_id", user.ID.String()))
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType: "login_mfa_required",
			UserID:    user.ID.String(),
			Success:   true,
		})

		return &models.LoginResult{
			MFARequired:    true,
			ChallengeToken: challenge,
			User:           user,
		}, nil
	}

	tokens, err := s.issueSession(user)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user logged in", slog.String("user_id", user.ID.String()))
	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "login_success",
		UserID:    user.ID.String(),
		Success:   true,
	})

	return &models.LoginResult{
		Tokens:          tokens,
		SetupIncomplete: status.State == models.EnrollmentStatePending,
		User:            user,
	}, nil
}

// CompleteMFALogin trades a challenge token plus a valid TOTP or backup code
// for a full session. The challenge token is single use: it is revoked the
// moment it opens a session.
func (s *AuthService) CompleteMFALogin(ctx context.Context, challengeToken, code, ipAddress, userAgent string) (*models.LoginResult, error) {
	claims, err := s.tm.ValidateTokenOfType(challengeToken, models.TokenTypeMFAChallenge)
	if err != nil {
		s.logger.Info("challenge token rejected", slog.Any("error", err))
		return nil, err
	}

	revoked, err := s.revokeRepo.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		s.logger.Error("failed to check challenge token revocation", slog.Any("error", err))
	} else if revoked {
		s.logger.Warn("revoked challenge token replayed", slog.String("user_id", claims.UserID))
		return nil, models.ErrUnauthorized
	}

	userID, err := auth.SubjectID(claims)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to get user for MFA login", slog.Any("error", err))
		return nil, mapInfraError(err)
	}

	if !user.IsActive() {
		s.logger.Info("MFA login blocked: account disabled", slog.String("user_id", user.ID.String()))
		return nil, models.ErrAccountDisabled
	}

	if err := s.mfa.VerifyLogin(ctx, userID, code, ipAddress, userAgent); err != nil {
		return nil, err
	}

	tokens, err := s.issueSession(user)
	if err != nil {
		return nil, err
	}

	if err := s.revokeRepo.RevokeToken(ctx, claims.ID, userID, claims.Type, claims.ExpiresAt.Time, "challenge_consumed"); err != nil {
		s.logger.Warn("failed to revoke consumed challenge token",
			slog.String("jti", claims.ID),
			slog.Any("error", err))
	}

	s.logger.Info("MFA login completed", slog.String("user_id", user.ID.String()))
	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "mfa_login_completed",
		UserID:    user.ID.String(),
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Success:   true,
	})

	return &models.LoginResult{
		Tokens: tokens,
		User:   user,
	}, nil
}

// RefreshToken generates a new token pair from a refresh token
func (s *AuthService) RefreshToken(ctx context.Context, refreshTokenString string) (*models.TokenPair, error) {
	if refreshTokenString = strings.TrimSpace(refreshTokenString); refreshTokenString == "" {
		return nil, models.ErrUnauthorized
	}

	claims, err := s.tm.ValidateTokenOfType(refreshTokenString, models.TokenTypeRefresh)
	if err != nil {
		s.logger.Info("refresh token validation failed", slog.Any("error", err))
		return nil, err
	}

	revoked, err := s.revokeRepo.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		s.logger.Error("failed to check refresh token revocation", slog.Any("error", err))
	} else if revoked {
		s.logger.Warn("revoked refresh token replayed", slog.String("user_id", claims.UserID))
		return nil, models.ErrUnauthorized
	}

	userID, err := auth.SubjectID(claims)
	if err != nil {
		return nil, err
	}

	// Fetch fresh user data
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("user not found for token refresh", slog.String("user_id", claims.UserID))
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to get user for token refresh", slog.Any("error", err))
		return nil, mapInfraError(err)
	}

	if !user.IsActive() {
		s.logger.Info("token refresh blocked: account disabled", slog.String("user_id", user.ID.String()))
		return nil, models.ErrUnauthorized
	}

	tokens, err := s.issueSession(user)
	if err != nil {
		return nil, err
	}

	s.logger.Info("token refreshed", slog.String("user_id", user.ID.String()))
	return tokens, nil
}

// Logout revokes the presented access token, and the paired refresh token
// when the client sends it along.
func (s *AuthService) Logout(ctx context.Context, accessToken, refreshToken string) error {
	claims, err := s.tm.ValidateTokenOfType(accessToken, models.TokenTypeAccess)
	if err != nil {
		return models.ErrUnauthorized
	}

	userID, err := auth.SubjectID(claims)
	if err != nil {
		return err
	}

	if err := s.revokeRepo.RevokeToken(ctx, claims.ID, userID, claims.Type, claims.ExpiresAt.Time, "logout"); err != nil {
		s.logger.Error("failed to revoke access token", slog.String("jti", claims.ID), slog.Any("error", err))
		return mapInfraError(err)
	}

	if refreshToken != "" {
		refreshClaims, err := s.tm.ValidateTokenOfType(refreshToken, models.TokenTypeRefresh)
		if err == nil && refreshClaims.Subject == claims.Subject {
			if err := s.revokeRepo.RevokeToken(ctx, refreshClaims.ID, userID, refreshClaims.Type, refreshClaims.ExpiresAt.Time, "logout"); err != nil {
				s.logger.Warn("failed to revoke refresh token on logout",
					slog.String("jti", refreshClaims.ID),
					slog.Any("error", err))
			}
		}
	}

	s.logger.Info("user logged out", slog.String("user_id", userID.String()))
	s.auditLogger.LogAccountAction("logout", userID.String(), "", nil)
	return nil
}

// issueSession mints the access and refresh pair for a fully authenticated user
func (s *AuthService) issueSession(user *models.User) (*models.TokenPair, error) {
	accessToken, err := s.tm.GenerateAccessToken(user.ID, user.Email)
	if err != nil {
		s.logger.Error("failed to generate access token", slog.String("user_id", user.ID.String()), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	refreshToken, err := s.tm.GenerateRefreshToken(user.ID, user.Email)
	if err != nil {
		s.logger.Error("failed to generate refresh token", slog.String("user_id", user.ID.String()), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.tm.AccessExpiry().Seconds()),
	}, nil
}
