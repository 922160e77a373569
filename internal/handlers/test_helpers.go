package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cdmorrow/vigil/internal/auth"
	"github.com/cdmorrow/vigil/internal/models"
	pkghttp "github.com/cdmorrow/vigil/pkg/http"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithAuthContext adds access token claims to request context for testing
// authenticated endpoints
func WithAuthContext(req *http.Request, userID uuid.UUID, email string) *http.Request {
	claims := &models.TokenClaims{
		UserID: userID.String(),
		Email:  email,
		Type:   models.TokenTypeAccess,
	}
	ctx := context.WithValue(req.Context(), auth.UserContextKey, claims)
	return req.WithContext(ctx)
}

// WithBearerToken stows the raw token the way the auth middleware does
func WithBearerToken(req *http.Request, token string) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), auth.TokenContextKey, token))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	contentType := w.Header().Get("Content-Type")
	assert.Equal(t, "application/json", contentType, "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockAuthService implements AuthServiceInterface for testing
type MockAuthService struct {
	RegisterFunc         func(ctx context.Context, email, password, name string) (*models.LoginResult, error)
	LoginFunc            func(ctx context.Context, email, password string) (*models.LoginResult, error)
	CompleteMFALoginFunc func(ctx context.Context, challengeToken, code, ipAddress, userAgent string) (*models.LoginResult, error)
	RefreshTokenFunc     func(ctx context.Context, refreshToken string) (*models.TokenPair, error)
	LogoutFunc           func(ctx context.Context, accessToken, refreshToken string) error
}

func (m *MockAuthService) Register(ctx context.Context, email, password, name string) (*models.LoginResult, error) {
	if m.RegisterFunc == nil {
		return nil, models.ErrConflict
	}
	return m.RegisterFunc(ctx, email, password, name)
}

func (m *MockAuthService) Login(ctx context.Context, email, password string) (*models.LoginResult, error) {
	if m.LoginFunc == nil {
		return nil, models.ErrUnauthorized
	}
	return m.LoginFunc(ctx, email, password)
}

func (m *MockAuthService) CompleteMFALogin(ctx context.Context, challengeToken, code, ipAddress, userAgent string) (*models.LoginResult, error) {
	if m.CompleteMFALoginFunc == nil {
		return nil, models.ErrVerificationFailed
	}
	return m.CompleteMFALoginFunc(ctx, challengeToken, code, ipAddress, userAgent)
}

func (m *MockAuthService) RefreshToken(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	if m.RefreshTokenFunc == nil {
		return nil, models.ErrUnauthorized
	}
	return m.RefreshTokenFunc(ctx, refreshToken)
}

func (m *MockAuthService) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if m.LogoutFunc == nil {
		return nil
	}
	return m.LogoutFunc(ctx, accessToken, refreshToken)
}

// MockEnrollmentService implements EnrollmentServiceInterface for testing
type MockEnrollmentService struct {
	StartEnrollmentFunc       func(ctx context.Context, userID uuid.UUID, email string) (*models.EnrollmentProvision, error)
	ConfirmEnrollmentFunc     func(ctx context.Context, userID uuid.UUID, email, code, ipAddress, userAgent string) (*models.ActivationResult, error)
	StatusFunc                func(ctx context.Context, userID uuid.UUID) (*models.EnrollmentStatus, error)
	RegenerateBackupCodesFunc func(ctx context.Context, userID uuid.UUID, email, code, ipAddress, userAgent string) ([]string, error)
	DisableFunc               func(ctx context.Context, userID uuid.UUID, email, code, ipAddress, userAgent string) error
}

func (m *MockEnrollmentService) StartEnrollment(ctx context.Context, userID uuid.UUID, email string) (*models.EnrollmentProvision, error) {
	if m.StartEnrollmentFunc == nil {
		return nil, models.ErrStateConflict
	}
	return m.StartEnrollmentFunc(ctx, userID, email)
}

func (m *MockEnrollmentService) ConfirmEnrollment(ctx context.Context, userID uuid.UUID, email, code, ipAddress, userAgent string) (*models.ActivationResult, error) {
	if m.ConfirmEnrollmentFunc == nil {
		return nil, models.ErrVerificationFailed
	}
	return m.ConfirmEnrollmentFunc(ctx, userID, email, code, ipAddress, userAgent)
}

func (m *MockEnrollmentService) Status(ctx context.Context, userID uuid.UUID) (*models.EnrollmentStatus, error) {
	if m.StatusFunc == nil {
		return &models.EnrollmentStatus{State: models.EnrollmentStateUninitialized}, nil
	}
	return m.StatusFunc(ctx, userID)
}

func (m *MockEnrollmentService) RegenerateBackupCodes(ctx context.Context, userID uuid.UUID, email, code, ipAddress, userAgent string) ([]string, error) {
	if m.RegenerateBackupCodesFunc == nil {
		return nil, models.ErrVerificationFailed
	}
	return m.RegenerateBackupCodesFunc(ctx, userID, email, code, ipAddress, userAgent)
}

func (m *MockEnrollmentService) Disable(ctx context.Context, userID uuid.UUID, email, code, ipAddress, userAgent string) error {
	if m.DisableFunc == nil {
		return models.ErrVerificationFailed
	}
	return m.DisableFunc(ctx, userID, email, code, ipAddress, userAgent)
}

// MockRecoveryService implements RecoveryServiceInterface for testing
type MockRecoveryService struct {
	TokenTTLFunc         func() time.Duration
	InitiateRecoveryFunc func(ctx context.Context, userID uuid.UUID, email, backupCode, ipAddress, userAgent string) (string, error)
	ResetViaRecoveryFunc func(ctx context.Context, userID uuid.UUID, email, tokenString, ipAddress string) error
}

func (m *MockRecoveryService) TokenTTL() time.Duration {
	if m.TokenTTLFunc == nil {
		return 10 * time.Minute
	}
	return m.TokenTTLFunc()
}

func (m *MockRecoveryService) InitiateRecovery(ctx context.Context, userID uuid.UUID, email, backupCode, ipAddress, userAgent string) (string, error) {
	if m.InitiateRecoveryFunc == nil {
		return "", models.ErrVerificationFailed
	}
	return m.InitiateRecoveryFunc(ctx, userID, email, backupCode, ipAddress, userAgent)
}

func (m *MockRecoveryService) ResetViaRecovery(ctx context.Context, userID uuid.UUID, email, tokenString, ipAddress string) error {
	if m.ResetViaRecoveryFunc == nil {
		return models.ErrTokenConsumed
	}
	return m.ResetViaRecoveryFunc(ctx, userID, email, tokenString, ipAddress)
}

// MockUserRepository implements services.UserRepository for testing
type MockUserRepository struct {
	CreateFunc     func(ctx context.Context, user *models.User) (*models.User, error)
	GetByIDFunc    func(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmailFunc func(ctx context.Context, email string) (*models.User, error)
}

func (m *MockUserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if m.CreateFunc == nil {
		return nil, models.ErrConflict
	}
	return m.CreateFunc(ctx, user)
}

func (m *MockUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if m.GetByIDFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.GetByIDFunc(ctx, id)
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.GetByEmailFunc(ctx, email)
}

// MockRevocationRepository implements services.TokenRevocationRepository for testing
type MockRevocationRepository struct {
	RevokeTokenFunc    func(ctx context.Context, jti string, userID uuid.UUID, tokenType string, expiresAt time.Time, reason string) error
	IsTokenRevokedFunc func(ctx context.Context, jti string) (bool, error)
}

func (m *MockRevocationRepository) RevokeToken(ctx context.Context, jti string, userID uuid.UUID, tokenType string, expiresAt time.Time, reason string) error {
	if m.RevokeTokenFunc == nil {
		return nil
	}
	return m.RevokeTokenFunc(ctx, jti, userID, tokenType, expiresAt, reason)
}

func (m *MockRevocationRepository) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if m.IsTokenRevokedFunc == nil {
		return false, nil
	}
	return m.IsTokenRevokedFunc(ctx, jti)
}
