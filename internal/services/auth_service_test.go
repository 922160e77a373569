package services

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/cdmorrow/vigil/internal/auth"
	"github.com/cdmorrow/vigil/internal/models"
	pkgauth "github.com/cdmorrow/vigil/pkg/auth"
	pkglogger "github.com/cdmorrow/vigil/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ============================================================================
// Fixture
// ============================================================================

type authFixture struct {
	svc        *AuthService
	userRepo   *MockUserRepository
	revokeRepo *MockTokenRevocationRepository
	gate       *MockMFAGate
	tm         *auth.TokenManager
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	f := &authFixture{
		userRepo:   &MockUserRepository{},
		revokeRepo: &MockTokenRevocationRepository{},
		gate:       &MockMFAGate{},
		tm:         auth.NewTokenManager("unit-test-signing-secret", 15*time.Minute, 7*24*time.Hour, 5*time.Minute),
	}

	log := slog.Default()
	f.svc = NewAuthService(f.userRepo, f.revokeRepo, f.gate, f.tm, log, pkglogger.NewAuditLogger(log))
	return f
}

// knownUser wires the repo mocks to serve one user. The hash uses MinCost;
// password strength is not what these tests exercise.
func (f *authFixture) knownUser(t *testing.T, email, password string) *models.User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	user := NewTestUserWithPassword(email, "Test User", string(hash))
	f.userRepo.GetByEmailFunc = func(ctx context.Context, e string) (*models.User, error) {
		if e == email {
			return user, nil
		}
		return nil, models.ErrNotFound
	}
	f.userRepo.GetByIDFunc = func(ctx context.Context, id uuid.UUID) (*models.User, error) {
		if id == user.ID {
			return user, nil
		}
		return nil, models.ErrNotFound
	}
	return user
}

func (f *authFixture) gateReturnsState(state string) {
	f.gate.StatusFunc = func(ctx context.Context, userID uuid.UUID) (*models.EnrollmentStatus, error) {
		return &models.EnrollmentStatus{State: state}, nil
	}
}

// ============================================================================
// Register Tests
// ============================================================================

func TestAuthService_Register_OpensSession(t *testing.T) {
	f := newAuthFixture(t)

	var created *models.User
	f.userRepo.CreateFunc = func(ctx context.Context, user *models.User) (*models.User, error) {
		user.ID = uuid.New()
		user.CreatedAt = time.Now()
		user.UpdatedAt = user.CreatedAt
		created = user
		return user, nil
	}

	result, err := f.svc.Register(context.Background(), "new@example.com", "SecurePassword123!", "New User")

	require.NoError(t, err)
	require.NotNil(t, result.Tokens)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.NotEmpty(t, result.Tokens.RefreshToken)
	assert.EqualValues(t, (15 * time.Minute).Seconds(), result.Tokens.ExpiresIn)
	assert.False(t, result.MFARequired)
	require.NotNil(t, result.User)

	require.NotNil(t, created)
	assert.Equal(t, models.UserStatusActive, created.Status)
	assert.NoError(t, pkgauth.ComparePassword(created.PasswordHash, "SecurePassword123!"))
	assert.NotEqual(t, "SecurePassword123!", created.PasswordHash)
}

func TestAuthService_Register_NormalizesEmail(t *testing.T) {
	f := newAuthFixture(t)

	var created *models.User
	f.userRepo.CreateFunc = func(ctx context.Context, user *models.User) (*models.User, error) {
		user.ID = uuid.New()
		created = user
		return user, nil
	}

	_, err := f.svc.Register(context.Background(), "  MixedCase@Example.COM ", "SecurePassword123!", "  Padded Name ")

	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, "mixedcase@example.com", created.Email)
	assert.Equal(t, "Padded Name", created.Name)
}

func TestAuthService_Register_DuplicateEmail(t *testing.T) {
	f := newAuthFixture(t)
	f.knownUser(t, "taken@example.com", "SecurePassword123!")

	result, err := f.svc.Register(context.Background(), "taken@example.com", "SecurePassword123!", "Late Arrival")

	assert.ErrorIs(t, err, models.ErrConflict)
	assert.Nil(t, result)
}

func TestAuthService_Register_DuplicateEmailLostRace(t *testing.T) {
	// The existence check passes but the insert loses to a concurrent
	// registration; the unique index conflict surfaces the same way.
	f := newAuthFixture(t)
	f.userRepo.CreateFunc = func(ctx context.Context, user *models.User) (*models.User, error) {
		return nil, models.ErrConflict
	}

	result, err := f.svc.Register(context.Background(), "raced@example.com", "SecurePassword123!", "Racer")

	assert.ErrorIs(t, err, models.ErrConflict)
	assert.Nil(t, result)
}

func TestAuthService_Register_WeakPassword(t *testing.T) {
	f := newAuthFixture(t)

	createCalled := false
	f.userRepo.CreateFunc = func(ctx context.Context, user *models.User) (*models.User, error) {
		createCalled = true
		return user, nil
	}

	result, err := f.svc.Register(context.Background(), "new@example.com", "weak", "New User")

	assert.ErrorIs(t, err, models.ErrValidation)
	var pwErr *pkgauth.PasswordValidationError
	assert.ErrorAs(t, err, &pwErr)
	assert.Nil(t, result)
	assert.False(t, createCalled, "rejected password must never reach the repository")
}

func TestAuthService_Register_MissingName(t *testing.T) {
	f := newAuthFixture(t)

	result, err := f.svc.Register(context.Background(), "new@example.com", "SecurePassword123!", "   ")

	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Nil(t, result)
}

// ============================================================================
// Login Tests
// ============================================================================

func TestAuthService_Login_NoEnrollmentOpensSession(t *testing.T) {
	f := newAuthFixture(t)
	user := f.knownUser(t, "plain@example.com", "SecurePassword123!")

	result, err := f.svc.Login(context.Background(), "plain@example.com", "SecurePassword123!")

	require.NoError(t, err)
	assert.False(t, result.MFARequired)
	assert.False(t, result.SetupIncomplete)
	assert.Empty(t, result.ChallengeToken)
	require.NotNil(t, result.Tokens)

	claims, err := f.tm.ValidateTokenOfType(result.Tokens.AccessToken, models.TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.Subject)
}

func TestAuthService_Login_NormalizesEmail(t *testing.T) {
	f := newAuthFixture(t)
	f.knownUser(t, "plain@example.com", "SecurePassword123!")

	result, err := f.svc.Login(context.Background(), "  PLAIN@example.com ", "SecurePassword123!")

	require.NoError(t, err)
	require.NotNil(t, result.Tokens)
}

func TestAuthService_Login_UnknownEmail(t *testing.T) {
	f := newAuthFixture(t)

	result, err := f.svc.Login(context.Background(), "nobody@example.com", "SecurePassword123!")

	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.Nil(t, result)
}

func TestAuthService_Login_WrongPassword(t *testing.T) {
	f := newAuthFixture(t)
	f.knownUser(t, "plain@example.com", "SecurePassword123!")

	result, err := f.svc.Login(context.Background(), "plain@example.com", "WrongPassword123!")

	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.Nil(t, result)
}

func TestAuthService_Login_DisabledAccount(t *testing.T) {
	f := newAuthFixture(t)
	user := f.knownUser(t, "locked@example.com", "SecurePassword123!")
	user.Status = models.UserStatusDisabled

	result, err := f.svc.Login(context.Background(), "locked@example.com", "SecurePassword123!")

	assert.ErrorIs(t, err, models.ErrAccountDisabled)
	assert.Nil(t, result)
}

func TestAuthService_Login_ActiveEnrollmentWithholdsSession(t *testing.T) {
	f := newAuthFixture(t)
	user := f.knownUser(t, "guarded@example.com", "SecurePassword123!")
	f.gateReturnsState(models.EnrollmentStateActive)

	result, err := f.svc.Login(context.Background(), "guarded@example.com", "SecurePassword123!")

	require.NoError(t, err)
	assert.True(t, result.MFARequired)
	assert.Nil(t, result.Tokens, "session tokens must wait for the second factor")
	require.NotEmpty(t, result.ChallengeToken)

	claims, err := f.tm.ValidateTokenOfType(result.ChallengeToken, models.TokenTypeMFAChallenge)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.Subject)
}

func TestAuthService_Login_PendingEnrollmentFlagsSetup(t *testing.T) {
	f := newAuthFixture(t)
	f.knownUser(t, "halfway@example.com", "SecurePassword123!")
	f.gateReturnsState(models.EnrollmentStatePending)

	result, err := f.svc.Login(context.Background(), "halfway@example.com", "SecurePassword123!")

	require.NoError(t, err)
	assert.False(t, result.MFARequired, "a pending enrollment does not gate login")
	assert.True(t, result.SetupIncomplete)
	require.NotNil(t, result.Tokens)
}

func TestAuthService_Login_GateErrorPropagates(t *testing.T) {
	f := newAuthFixture(t)
	f.knownUser(t, "plain@example.com", "SecurePassword123!")
	f.gate.StatusFunc = func(ctx context.Context, userID uuid.UUID) (*models.EnrollmentStatus, error) {
		return nil, models.ErrDependency
	}

	result, err := f.svc.Login(context.Background(), "plain@example.com", "SecurePassword123!")

	assert.ErrorIs(t, err, models.ErrDependency)
	assert.Nil(t, result)
}

// ============================================================================
// CompleteMFALogin Tests
// ============================================================================

func TestAuthService_CompleteMFALogin_OpensSessionAndConsumesChallenge(t *testing.T) {
	f := newAuthFixture(t)
	user := f.knownUser(t, "guarded@example.com", "SecurePassword123!")

	challenge, err := f.tm.GenerateChallengeToken(user.ID, user.Email)
	require.NoError(t, err)

	var revokedType, revokedReason string
	f.revokeRepo.RevokeTokenFunc = func(ctx context.Context, jti string, userID uuid.UUID, tokenType string, expiresAt time.Time, reason string) error {
		revokedType = tokenType
		revokedReason = reason
		return nil
	}

	result, err := f.svc.CompleteMFALogin(context.Background(), challenge, "123456", "192.0.2.1", "test-agent")

	require.NoError(t, err)
	require.NotNil(t, result.Tokens)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.Equal(t, models.TokenTypeMFAChallenge, revokedType)
	assert.Equal(t, "challenge_consumed", revokedReason)
}

func TestAuthService_CompleteMFALogin_ReplayRejected(t *testing.T) {
	f := newAuthFixture(t)
	user := f.knownUser(t, "guarded@example.com", "SecurePassword123!")

	challenge, err := f.tm.GenerateChallengeToken(user.ID, user.Email)
	require.NoError(t, err)

	// First use revokes the challenge through the mock's memory
	_, err = f.svc.CompleteMFALogin(context.Background(), challenge, "123456", "192.0.2.1", "test-agent")
	require.NoError(t, err)

	result, err := f.svc.CompleteMFALogin(context.Background(), challenge, "123456", "192.0.2.1", "test-agent")

	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.Nil(t, result)
}

func TestAuthService_CompleteMFALogin_WrongCodeKeepsChallengeAlive(t *testing.T) {
	f := newAuthFixture(t)
	user := f.knownUser(t, "guarded@example.com", "SecurePassword123!")
	f.gate.VerifyLoginFunc = func(ctx context.Context, userID uuid.UUID, code, ipAddress, userAgent string) error {
		return models.ErrVerificationFailed
	}

	challenge, err := f.tm.GenerateChallengeToken(user.ID, user.Email)
	require.NoError(t, err)

	result, err := f.svc.CompleteMFALogin(context.Background(), challenge, "000000", "192.0.2.1", "test-agent")

	assert.ErrorIs(t, err, models.ErrVerificationFailed)
	assert.Nil(t, result)
	assert.Empty(t, f.revokeRepo.RevokedJTIs, "a failed code must not burn the challenge")
}

func TestAuthService_CompleteMFALogin_LimiterErrorPropagates(t *testing.T) {
	f := newAuthFixture(t)
	user := f.knownUser(t, "guarded@example.com", "SecurePassword123!")
	f.gate.VerifyLoginFunc = func(ctx context.Context, userID uuid.UUID, code, ipAddress, userAgent string) error {
		return models.ErrTooManyAttempts
	}

	challenge, err := f.tm.GenerateChallengeToken(user.ID, user.Email)
	require.NoError(t, err)

	_, err = f.svc.CompleteMFALogin(context.Background(), challenge, "123456", "192.0.2.1", "test-agent")

	assert.ErrorIs(t, err, models.ErrTooManyAttempts)
}

func TestAuthService_CompleteMFALogin_AccessTokenRejected(t *testing.T) {
	f := newAuthFixture(t)
	user := f.knownUser(t, "guarded@example.com", "SecurePassword123!")

	accessToken, err := f.tm.GenerateAccessToken(user.ID, user.Email)
	require.NoError(t, err)

	result, err := f.svc.CompleteMFALogin(context.Background(), accessToken, "123456", "192.0.2.1", "test-agent")

	assert.Error(t, err)
	assert.Nil(t, result)
}

func TestAuthService_CompleteMFALogin_DisabledAccount(t *testing.T) {
	f := newAuthFixture(t)
	user := f.knownUser(t, "guarded@example.com", "SecurePassword123!")

	challenge, err := f.tm.GenerateChallengeToken(user.ID, user.Email)
	require.NoError(t, err)

	user.Status = models.UserStatusDisabled
	verifyCalled := false
	f.gate.VerifyLoginFunc = func(ctx context.Context, userID uuid.UUID, code, ipAddress, userAgent string) error {
		verifyCalled = true
		return nil
	}

	result, err := f.svc.CompleteMFALogin(context.Background(), challenge, "123456", "192.0.2.1", "test-agent")

	assert.ErrorIs(t, err, models.ErrAccountDisabled)
	assert.Nil(t, result)
	assert.False(t, verifyCalled, "no code check for a disabled account")
}

// ============================================================================
// RefreshToken Tests
// ============================================================================

func TestAuthService_RefreshToken_IssuesNewPair(t *testing.T) {
	f := newAuthFixture(t)
	user := f.knownUser(t, "plain@example.com", "SecurePassword123!")

	refresh, err := f.tm.GenerateRefreshToken(user.ID, user.Email)
	require.NoError(t, err)

	tokens, err := f.svc.RefreshToken(context.Background(), refresh)

	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)

	claims, err := f.tm.ValidateTokenOfType(tokens.AccessToken, models.TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.Subject)
}

func TestAuthService_RefreshToken_NoRotation(t *testing.T) {
	// Refresh does not rotate: the presented token stays valid until logout
	// revokes it.
	f := newAuthFixture(t)
	user := f.knownUser(t, "plain@example.com", "SecurePassword123!")

	refresh, err := f.tm.GenerateRefreshToken(user.ID, user.Email)
	require.NoError(t, err)

	_, err = f.svc.RefreshToken(context.Background(), refresh)
	require.NoError(t, err)

	tokens, err := f.svc.RefreshToken(context.Background(), refresh)
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
}

func TestAuthService_RefreshToken_Empty(t *testing.T) {
	f := newAuthFixture(t)

	for _, input := range []string{"", "   "} {
		tokens, err := f.svc.RefreshToken(context.Background(), input)
		assert.ErrorIs(t, err, models.ErrUnauthorized)
		assert.Nil(t, tokens)
	}
}

func TestAuthService_RefreshToken_RevokedRejected(t *testing.T) {
	f := newAuthFixture(t)
	user := f.knownUser(t, "plain@example.com", "SecurePassword123!")
	f.revokeRepo.IsTokenRevokedFunc = func(ctx context.Context, jti string) (bool, error) {
		return true, nil
	}

	refresh, err := f.tm.GenerateRefreshToken(user.ID, user.Email)
	require.NoError(t, err)

	tokens, err := f.svc.RefreshToken(context.Background(), refresh)

	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.Nil(t, tokens)
}

func TestAuthService_RefreshToken_DisabledAccount(t *testing.T) {
	f := newAuthFixture(t)
	user := f.knownUser(t, "plain@example.com", "SecurePassword123!")

	refresh, err := f.tm.GenerateRefreshToken(user.ID, user.Email)
	require.NoError(t, err)

	user.Status = models.UserStatusDisabled

	tokens, err := f.svc.RefreshToken(context.Background(), refresh)

	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.Nil(t, tokens)
}

func TestAuthService_RefreshToken_AccessTokenRejected(t *testing.T) {
	f := newAuthFixture(t)
	user := f.knownUser(t, "plain@example.com", "SecurePassword123!")

	accessToken, err := f.tm.GenerateAccessToken(user.ID, user.Email)
	require.NoError(t, err)

	tokens, err := f.svc.RefreshToken(context.Background(), accessToken)

	assert.Error(t, err)
	assert.Nil(t, tokens)
}

// ============================================================================
// Logout Tests
// ============================================================================

func TestAuthService_Logout_RevokesBothTokens(t *testing.T) {
	f := newAuthFixture(t)
	user := f.knownUser(t, "plain@example.com", "SecurePassword123!")

	accessToken, err := f.tm.GenerateAccessToken(user.ID, user.Email)
	require.NoError(t, err)
	refreshToken, err := f.tm.GenerateRefreshToken(user.ID, user.Email)
	require.NoError(t, err)

	var reasons []string
	f.revokeRepo.RevokeTokenFunc = func(ctx context.Context, jti string, userID uuid.UUID, tokenType string, expiresAt time.Time, reason string) error {
		reasons = append(reasons, tokenType+":"+reason)
		return nil
	}

	err = f.svc.Logout(context.Background(), accessToken, refreshToken)

	require.NoError(t, err)
	assert.Equal(t, []string{
		models.TokenTypeAccess + ":logout",
		models.TokenTypeRefresh + ":logout",
	}, reasons)
}

func TestAuthService_Logout_WithoutRefreshToken(t *testing.T) {
	f := newAuthFixture(t)
	user := f.knownUser(t, "plain@example.com", "SecurePassword123!")

	accessToken, err := f.tm.GenerateAccessToken(user.ID, user.Email)
	require.NoError(t, err)

	err = f.svc.Logout(context.Background(), accessToken, "")

	require.NoError(t, err)
	assert.Len(t, f.revokeRepo.RevokedJTIs, 1)
}

func TestAuthService_Logout_ForeignRefreshTokenIgnored(t *testing.T) {
	// A refresh token belonging to a different subject is not revoked on this
	// user's say-so.
	f := newAuthFixture(t)
	user := f.knownUser(t, "plain@example.com", "SecurePassword123!")
	other := NewTestUser("other@example.com", "Someone Else")

	accessToken, err := f.tm.GenerateAccessToken(user.ID, user.Email)
	require.NoError(t, err)
	foreignRefresh, err := f.tm.GenerateRefreshToken(other.ID, other.Email)
	require.NoError(t, err)

	err = f.svc.Logout(context.Background(), accessToken, foreignRefresh)

	require.NoError(t, err)
	assert.Len(t, f.revokeRepo.RevokedJTIs, 1, "only the caller's access token is revoked")
}

func TestAuthService_Logout_InvalidAccessToken(t *testing.T) {
	f := newAuthFixture(t)

	err := f.svc.Logout(context.Background(), "not-a-jwt", "")

	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.Empty(t, f.revokeRepo.RevokedJTIs)
}
