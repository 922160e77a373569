package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cdmorrow/vigil/internal/auth"
	"github.com/cdmorrow/vigil/internal/models"
	"github.com/cdmorrow/vigil/internal/services"
	pkgauth "github.com/cdmorrow/vigil/pkg/auth"
	pkghttp "github.com/cdmorrow/vigil/pkg/http"
)

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Register(ctx context.Context, email, password, name string) (*models.LoginResult, error)
	Login(ctx context.Context, email, password string) (*models.LoginResult, error)
	CompleteMFALogin(ctx context.Context, challengeToken, code, ipAddress, userAgent string) (*models.LoginResult, error)
	RefreshToken(ctx context.Context, refreshToken string) (*models.TokenPair, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service  AuthServiceInterface
	tm       *auth.TokenManager
	userRepo services.UserRepository
	cookies  auth.CookieConfig
	timing   *auth.TimingDelay
	ipConfig *pkghttp.IPConfig
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthServiceInterface, tm *auth.TokenManager, userRepo services.UserRepository, cookies auth.CookieConfig, timing *auth.TimingDelay, ipConfig *pkghttp.IPConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		tm:       tm,
		userRepo: userRepo,
		cookies:  cookies,
		timing:   timing,
		ipConfig: ipConfig,
	}
}

// Request DTOs

// RegisterRequest represents the request body for registration
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Name     string `json:"name" validate:"required,min=1"`
}

// LoginRequest represents the request body for the password step of login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// CompleteMFALoginRequest represents the request body for the code step of login
type CompleteMFALoginRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
	Code           string `json:"code" validate:"required,max=20"`
}

// RefreshTokenRequest represents the request body for token refresh. The
// token may come from the cookie instead when that transport is enabled.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LogoutRequest optionally names the refresh token to revoke alongside the session
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Response DTOs

// SessionResponse is the token envelope returned once authentication completes
type SessionResponse struct {
	AccessToken        string               `json:"access_token"`
	RefreshToken       string               `json:"refresh_token"`
	ExpiresIn          int64                `json:"expires_in"`
	TokenType          string               `json:"token_type"`
	MFASetupIncomplete bool                 `json:"mfa_setup_incomplete,omitempty"`
	User               *models.UserResponse `json:"user,omitempty"`
}

// ChallengeResponse is returned from login when a second factor gates the session
type ChallengeResponse struct {
	MFARequired    bool   `json:"mfa_required"`
	ChallengeToken string `json:"challenge_token"`
	ExpiresIn      int64  `json:"expires_in"`
}

// sessionResponse builds the token envelope and sets the refresh cookie when
// that transport is enabled.
func (h *AuthHandler) sessionResponse(w http.ResponseWriter, tokens *models.TokenPair, user *models.User, setupIncomplete bool) SessionResponse {
	auth.SetRefreshTokenCookie(w, tokens.RefreshToken, int(h.tm.RefreshExpiry().Seconds()), h.cookies)

	resp := SessionResponse{
		AccessToken:        tokens.AccessToken,
		RefreshToken:       tokens.RefreshToken,
		ExpiresIn:          tokens.ExpiresIn,
		TokenType:          "Bearer",
		MFASetupIncomplete: setupIncomplete,
	}
	if user != nil {
		userResp := user.ToResponse()
		resp.User = &userResp
	}
	return resp
}

// Register handles user registration
// @Summary Register a new account
// @Accept json
// @Param request body RegisterRequest true "Register request"
// @Produce json
// @Success 201 {object} SessionResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /auth/register [post]
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Name = strings.TrimSpace(req.Name)

	result, err := h.service.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		var pwErr *pkgauth.PasswordValidationError
		switch {
		case errors.As(err, &pwErr):
			pkghttp.WriteBadRequest(w, pwErr.Error())
		case errors.Is(err, models.ErrValidation):
			pkghttp.WriteBadRequest(w, "Invalid registration details")
		case errors.Is(err, models.ErrConflict):
			pkghttp.WriteConflict(w, "An account with this email already exists")
		case errors.Is(err, models.ErrDependency):
			pkghttp.WriteServiceUnavailable(w, "Service temporarily unavailable")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, h.sessionResponse(w, result.Tokens, result.User, false))
}

// Login handles the password step. Accounts with an active MFA enrollment
// get a short-lived challenge token instead of a session; the session opens
// at /auth/login/mfa.
// @Summary User login
// @Accept json
// @Param request body LoginRequest true "Login request"
// @Produce json
// @Success 200 {object} SessionResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	result, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrUnauthorized),
			errors.Is(err, models.ErrAccountDisabled):
			// Bad password and disabled account read the same to prevent
			// account enumeration.
			pkghttp.WriteUnauthorized(w, "Authentication failed")
		case errors.Is(err, models.ErrDependency):
			pkghttp.WriteServiceUnavailable(w, "Service temporarily unavailable")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	if result.MFARequired {
		writeJSON(w, http.StatusOK, ChallengeResponse{
			MFARequired:    true,
			ChallengeToken: result.ChallengeToken,
			ExpiresIn:      int64(h.tm.ChallengeExpiry().Seconds()),
		})
		return
	}

	writeJSON(w, http.StatusOK, h.sessionResponse(w, result.Tokens, result.User, result.SetupIncomplete))
}

// CompleteMFALogin handles the code step of login
// @Summary Complete login with an MFA code
// @Accept json
// @Param request body CompleteMFALoginRequest true "Challenge token and code"
// @Produce json
// @Success 200 {object} SessionResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /auth/login/mfa [post]
func (h *AuthHandler) CompleteMFALogin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req CompleteMFALoginRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if !isVerificationCodeFormat(req.Code) {
		pkghttp.WriteBadRequest(w, "Invalid code format")
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)
	userAgent := r.Header.Get("User-Agent")

	result, err := h.service.CompleteMFALogin(r.Context(), req.ChallengeToken, req.Code, ipAddress, userAgent)
	if err != nil {
		h.timing.WaitFrom(start, false)
		switch {
		case errors.Is(err, models.ErrTooManyAttempts):
			pkghttp.WriteTooManyRequests(w, "Too many verification attempts. Please try again later.")
		case errors.Is(err, models.ErrStateConflict):
			// Enrollment changed between the password step and the code step
			pkghttp.WriteConflict(w, "Multi-factor authentication is not active for this account")
		case errors.Is(err, models.ErrDependency):
			pkghttp.WriteServiceUnavailable(w, "Service temporarily unavailable")
		case errors.Is(err, models.ErrInternalServer), errors.Is(err, models.ErrIntegrity):
			pkghttp.WriteInternalError(w, "Internal server error")
		default:
			// Expired challenge, revoked challenge, wrong code, disabled
			// account: all uniform.
			pkghttp.WriteUnauthorized(w, "Verification failed")
		}
		return
	}

	h.timing.WaitFrom(start, true)
	writeJSON(w, http.StatusOK, h.sessionResponse(w, result.Tokens, result.User, false))
}

// RefreshToken handles token refresh. The refresh token comes from the body
// or, for browser clients, the httpOnly cookie.
// @Summary Refresh access token
// @Accept json
// @Param request body RefreshTokenRequest false "Refresh token request"
// @Produce json
// @Success 200 {object} SessionResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /auth/refresh [post]
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	refreshToken := strings.TrimSpace(req.RefreshToken)
	if refreshToken == "" {
		if fromCookie, err := auth.GetRefreshTokenCookie(r); err == nil {
			refreshToken = fromCookie
		}
	}
	if refreshToken == "" {
		pkghttp.WriteUnauthorized(w, "Authentication failed")
		return
	}

	tokens, err := h.service.RefreshToken(r.Context(), refreshToken)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrDependency):
			pkghttp.WriteServiceUnavailable(w, "Service temporarily unavailable")
		case errors.Is(err, models.ErrInternalServer):
			pkghttp.WriteInternalError(w, "Internal server error")
		default:
			pkghttp.WriteUnauthorized(w, "Authentication failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, h.sessionResponse(w, tokens, nil, false))
}

// Logout revokes the presented access token and, when supplied, the refresh token
// @Summary User logout
// @Accept json
// @Security BearerAuth
// @Produce json
// @Success 204
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil || claims.Type != models.TokenTypeAccess {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	accessToken := auth.GetTokenFromContext(r)
	if accessToken == "" {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	refreshToken := strings.TrimSpace(req.RefreshToken)
	if refreshToken == "" {
		if fromCookie, err := auth.GetRefreshTokenCookie(r); err == nil {
			refreshToken = fromCookie
		}
	}

	if err := h.service.Logout(r.Context(), accessToken, refreshToken); err != nil {
		if errors.Is(err, models.ErrUnauthorized) {
			pkghttp.WriteUnauthorized(w, "Invalid token")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	auth.ClearRefreshTokenCookie(w, h.cookies)
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the authenticated user's profile
// @Summary Current user profile
// @Security BearerAuth
// @Produce json
// @Success 200 {object} models.UserResponse
// @Failure 401 {object} ErrorResponse
// @Router /auth/me [get]
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
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

	user, err := h.userRepo.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteUnauthorized(w, "unauthorized")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, user.ToResponse())
}

// isVerificationCodeFormat reports whether a submitted value could be a TOTP
// code (6 digits) or a backup code. Anything else is rejected before the
// service runs.
func isVerificationCodeFormat(code string) bool {
	code = strings.TrimSpace(code)
	if len(code) == 6 {
		for _, ch := range code {
			if ch < '0' || ch > '9' {
				return false
			}
		}
		return true
	}
	return auth.IsBackupCodeFormat(code)
}
