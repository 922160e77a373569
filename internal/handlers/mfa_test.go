package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cdmorrow/vigil/internal/auth"
	"github.com/cdmorrow/vigil/internal/handlers"
	"github.com/cdmorrow/vigil/internal/models"
	pkghttp "github.com/cdmorrow/vigil/pkg/http"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mfaHandlerDeps struct {
	enrollment *handlers.MockEnrollmentService
	recovery   *handlers.MockRecoveryService
	userRepo   *handlers.MockUserRepository
	revokeRepo *handlers.MockRevocationRepository
}

func newMFAHandler(deps mfaHandlerDeps) *handlers.MFAHandler {
	if deps.enrollment == nil {
		deps.enrollment = &handlers.MockEnrollmentService{}
	}
	if deps.recovery == nil {
		deps.recovery = &handlers.MockRecoveryService{}
	}
	if deps.userRepo == nil {
		deps.userRepo = &handlers.MockUserRepository{}
	}
	if deps.revokeRepo == nil {
		deps.revokeRepo = &handlers.MockRevocationRepository{}
	}
	return handlers.NewMFAHandler(deps.enrollment, deps.recovery, testTM(), deps.userRepo, deps.revokeRepo, testTiming(), &pkghttp.IPConfig{}, testLogger())
}

// fakeRecoveryStore satisfies the token manager's persistence contract so
// tests can mint real reset tokens without a database.
type fakeRecoveryStore struct{}

func (fakeRecoveryStore) Insert(ctx context.Context, token *models.RecoveryToken) error {
	return nil
}

func (fakeRecoveryStore) Consume(ctx context.Context, tokenID, userID uuid.UUID) error {
	return nil
}

func (fakeRecoveryStore) GetByID(ctx context.Context, tokenID uuid.UUID) (*models.RecoveryToken, error) {
	return nil, models.ErrNotFound
}

func mintResetToken(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	rm := auth.NewRecoveryTokenManager("handler-test-secret", 10*time.Minute, fakeRecoveryStore{})
	token, err := rm.Issue(context.Background(), userID)
	require.NoError(t, err)
	return token
}

func TestMFASetup_Success(t *testing.T) {
	userID := uuid.New()
	enrollment := &handlers.MockEnrollmentService{
		StartEnrollmentFunc: func(ctx context.Context, id uuid.UUID, email string) (*models.EnrollmentProvision, error) {
			assert.Equal(t, userID, id)
			assert.Equal(t, "user@example.com", email)
			return &models.EnrollmentProvision{
				Secret:     "JBSWY3DPEHPK3PXP",
				OtpauthURL: "otpauth://totp/Vigil:user@example.com?secret=JBSWY3DPEHPK3PXP",
				QRCode:     "data:image/png;base64,abc",
			}, nil
		},
	}

	handler := newMFAHandler(mfaHandlerDeps{enrollment: enrollment})
	req := handlers.NewTestRequest(t, "POST", "/mfa/setup", nil)
	req = handlers.WithAuthContext(req, userID, "user@example.com")

	w := httptest.NewRecorder()
	handler.Setup(w, req)

	var resp handlers.MFASetupResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", resp.Secret)
	assert.Contains(t, resp.OtpauthURL, "otpauth://totp/")
	assert.Contains(t, resp.QRCode, "data:image/png;base64,")
}

func TestMFASetup_AlreadyActive(t *testing.T) {
	enrollment := &handlers.MockEnrollmentService{
		StartEnrollmentFunc: func(ctx context.Context, id uuid.UUID, email string) (*models.EnrollmentProvision, error) {
			return nil, models.ErrStateConflict
		},
	}

	handler := newMFAHandler(mfaHandlerDeps{enrollment: enrollment})
	req := handlers.NewTestRequest(t, "POST", "/mfa/setup", nil)
	req = handlers.WithAuthContext(req, uuid.New(), "user@example.com")

	w := httptest.NewRecorder()
	handler.Setup(w, req)

	handlers.AssertErrorResponse(t, w, 409, "conflict")
}

func TestMFASetup_NoAuthContext(t *testing.T) {
	handler := newMFAHandler(mfaHandlerDeps{})
	req := handlers.NewTestRequest(t, "POST", "/mfa/setup", nil)

	w := httptest.NewRecorder()
	handler.Setup(w, req)

	handlers.AssertErrorResponse(t, w, 401, "unauthorized")
}

func TestMFAVerify_Success(t *testing.T) {
	activated := time.Now()
	enrollment := &handlers.MockEnrollmentService{
		ConfirmEnrollmentFunc: func(ctx context.Context, id uuid.UUID, email, code, ip, ua string) (*models.ActivationResult, error) {
			assert.Equal(t, "123456", code)
			return &models.ActivationResult{
				BackupCodes: []string{"ABCDE-FGHJK", "MNPQR-STUVW"},
				ActivatedAt: activated,
			}, nil
		},
	}

	handler := newMFAHandler(mfaHandlerDeps{enrollment: enrollment})
	req := handlers.NewTestRequest(t, "POST", "/mfa/verify", handlers.ConfirmMFARequest{Code: "123456"})
	req = handlers.WithAuthContext(req, uuid.New(), "user@example.com")

	w := httptest.NewRecorder()
	handler.Verify(w, req)

	var resp handlers.ConfirmMFAResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.Len(t, resp.BackupCodes, 2)
	assert.NotEmpty(t, resp.Message)
}

func TestMFAVerify_WrongCode(t *testing.T) {
	enrollment := &handlers.MockEnrollmentService{
		ConfirmEnrollmentFunc: func(ctx context.Context, id uuid.UUID, email, code, ip, ua string) (*models.ActivationResult, error) {
			return nil, models.ErrVerificationFailed
		},
	}

	handler := newMFAHandler(mfaHandlerDeps{enrollment: enrollment})
	req := handlers.NewTestRequest(t, "POST", "/mfa/verify", handlers.ConfirmMFARequest{Code: "999999"})
	req = handlers.WithAuthContext(req, uuid.New(), "user@example.com")

	w := httptest.NewRecorder()
	handler.Verify(w, req)

	handlers.AssertErrorResponse(t, w, 401, "unauthorized")

	var resp pkghttp.ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	assert.Equal(t, "Verification failed", resp.Message)
}

func TestMFAVerify_MalformedCode(t *testing.T) {
	handler := newMFAHandler(mfaHandlerDeps{})
	req := handlers.NewTestRequest(t, "POST", "/mfa/verify", handlers.ConfirmMFARequest{Code: "12ab56"})
	req = handlers.WithAuthContext(req, uuid.New(), "user@example.com")

	w := httptest.NewRecorder()
	handler.Verify(w, req)

	handlers.AssertErrorResponse(t, w, 400, "bad_request")
}

func TestMFAVerify_NothingPending(t *testing.T) {
	enrollment := &handlers.MockEnrollmentService{
		ConfirmEnrollmentFunc: func(ctx context.Context, id uuid.UUID, email, code, ip, ua string) (*models.ActivationResult, error) {
			return nil, models.ErrStateConflict
		},
	}

	handler := newMFAHandler(mfaHandlerDeps{enrollment: enrollment})
	req := handlers.NewTestRequest(t, "POST", "/mfa/verify", handlers.ConfirmMFARequest{Code: "123456"})
	req = handlers.WithAuthContext(req, uuid.New(), "user@example.com")

	w := httptest.NewRecorder()
	handler.Verify(w, req)

	handlers.AssertErrorResponse(t, w, 409, "conflict")
}

func TestMFAVerify_RateLimited(t *testing.T) {
	enrollment := &handlers.MockEnrollmentService{
		ConfirmEnrollmentFunc: func(ctx context.Context, id uuid.UUID, email, code, ip, ua string) (*models.ActivationResult, error) {
			return nil, models.ErrTooManyAttempts
		},
	}

	handler := newMFAHandler(mfaHandlerDeps{enrollment: enrollment})
	req := handlers.NewTestRequest(t, "POST", "/mfa/verify", handlers.ConfirmMFARequest{Code: "123456"})
	req = handlers.WithAuthContext(req, uuid.New(), "user@example.com")

	w := httptest.NewRecorder()
	handler.Verify(w, req)

	handlers.AssertErrorResponse(t, w, 429, "rate_limit_exceeded")
}

func TestMFAStatus(t *testing.T) {
	activated := time.Now().Add(-24 * time.Hour)
	enrollment := &handlers.MockEnrollmentService{
		StatusFunc: func(ctx context.Context, id uuid.UUID) (*models.EnrollmentStatus, error) {
			return &models.EnrollmentStatus{
				State:                models.EnrollmentStateActive,
				ActivatedAt:          &activated,
				BackupCodesRemaining: 7,
			}, nil
		},
	}

	handler := newMFAHandler(mfaHandlerDeps{enrollment: enrollment})
	req := handlers.NewTestRequest(t, "GET", "/mfa/status", nil)
	req = handlers.WithAuthContext(req, uuid.New(), "user@example.com")

	w := httptest.NewRecorder()
	handler.Status(w, req)

	var resp handlers.MFAStatusResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.Equal(t, "active", resp.State)
	assert.Equal(t, 7, resp.BackupCodesRemaining)
	require.NotNil(t, resp.ActivatedAt)
}

func TestMFARegenerateBackupCodes_Success(t *testing.T) {
	enrollment := &handlers.MockEnrollmentService{
		RegenerateBackupCodesFunc: func(ctx context.Context, id uuid.UUID, email, code, ip, ua string) ([]string, error) {
			return []string{"AAAAA-BBBBB", "CCCCC-DDDDD"}, nil
		},
	}

	handler := newMFAHandler(mfaHandlerDeps{enrollment: enrollment})
	req := handlers.NewTestRequest(t, "POST", "/mfa/backup-codes/regenerate", handlers.RegenerateBackupCodesRequest{Code: "123456"})
	req = handlers.WithAuthContext(req, uuid.New(), "user@example.com")

	w := httptest.NewRecorder()
	handler.RegenerateBackupCodes(w, req)

	var resp handlers.RegenerateBackupCodesResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.Len(t, resp.BackupCodes, 2)
}

func TestMFARegenerateBackupCodes_WrongCode(t *testing.T) {
	enrollment := &handlers.MockEnrollmentService{
		RegenerateBackupCodesFunc: func(ctx context.Context, id uuid.UUID, email, code, ip, ua string) ([]string, error) {
			return nil, models.ErrVerificationFailed
		},
	}

	handler := newMFAHandler(mfaHandlerDeps{enrollment: enrollment})
	req := handlers.NewTestRequest(t, "POST", "/mfa/backup-codes/regenerate", handlers.RegenerateBackupCodesRequest{Code: "999999"})
	req = handlers.WithAuthContext(req, uuid.New(), "user@example.com")

	w := httptest.NewRecorder()
	handler.RegenerateBackupCodes(w, req)

	handlers.AssertErrorResponse(t, w, 401, "unauthorized")
}

func TestMFADisable_Success(t *testing.T) {
	var disabledFor uuid.UUID
	enrollment := &handlers.MockEnrollmentService{
		DisableFunc: func(ctx context.Context, id uuid.UUID, email, code, ip, ua string) error {
			disabledFor = id
			return nil
		},
	}

	userID := uuid.New()
	handler := newMFAHandler(mfaHandlerDeps{enrollment: enrollment})
	req := handlers.NewTestRequest(t, "POST", "/mfa/disable", handlers.DisableMFARequest{Code: "123456"})
	req = handlers.WithAuthContext(req, userID, "user@example.com")

	w := httptest.NewRecorder()
	handler.Disable(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, userID, disabledFor)
}

func TestMFADisable_NotActive(t *testing.T) {
	enrollment := &handlers.MockEnrollmentService{
		DisableFunc: func(ctx context.Context, id uuid.UUID, email, code, ip, ua string) error {
			return models.ErrStateConflict
		},
	}

	handler := newMFAHandler(mfaHandlerDeps{enrollment: enrollment})
	req := handlers.NewTestRequest(t, "POST", "/mfa/disable", handlers.DisableMFARequest{Code: "123456"})
	req = handlers.WithAuthContext(req, uuid.New(), "user@example.com")

	w := httptest.NewRecorder()
	handler.Disable(w, req)

	handlers.AssertErrorResponse(t, w, 409, "conflict")
}

func TestMFARecovery_WithChallengeToken(t *testing.T) {
	userID := uuid.New()
	challenge, err := testTM().GenerateChallengeToken(userID, "user@example.com")
	require.NoError(t, err)

	userRepo := &handlers.MockUserRepository{
		GetByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.User, error) {
			return testUserHelper(userID, "user@example.com"), nil
		},
	}
	recovery := &handlers.MockRecoveryService{
		InitiateRecoveryFunc: func(ctx context.Context, id uuid.UUID, email, backupCode, ip, ua string) (string, error) {
			assert.Equal(t, userID, id)
			assert.Equal(t, "ABCDE-FGHJK", backupCode)
			return "reset_token_xyz", nil
		},
	}

	handler := newMFAHandler(mfaHandlerDeps{recovery: recovery, userRepo: userRepo})
	req := handlers.NewTestRequest(t, "POST", "/mfa/recovery", handlers.RecoveryRequest{
		ChallengeToken: challenge,
		BackupCode:     "ABCDE-FGHJK",
	})

	w := httptest.NewRecorder()
	handler.Recovery(w, req)

	var resp handlers.RecoveryResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.Equal(t, "reset_token_xyz", resp.RecoveryToken)
	assert.Equal(t, int64(600), resp.ExpiresIn)
}

func TestMFARecovery_WithBearerSession(t *testing.T) {
	userID := uuid.New()
	access, err := testTM().GenerateAccessToken(userID, "user@example.com")
	require.NoError(t, err)

	userRepo := &handlers.MockUserRepository{
		GetByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.User, error) {
			return testUserHelper(userID, "user@example.com"), nil
		},
	}
	recovery := &handlers.MockRecoveryService{
		InitiateRecoveryFunc: func(ctx context.Context, id uuid.UUID, email, backupCode, ip, ua string) (string, error) {
			return "reset_token_xyz", nil
		},
	}

	handler := newMFAHandler(mfaHandlerDeps{recovery: recovery, userRepo: userRepo})
	req := handlers.NewTestRequest(t, "POST", "/mfa/recovery", handlers.RecoveryRequest{
		BackupCode: "ABCDE-FGHJK",
	})
	req.Header.Set("Authorization", "Bearer "+access)

	w := httptest.NewRecorder()
	handler.Recovery(w, req)

	assert.Equal(t, 200, w.Code)
}

func TestMFARecovery_UniformFailures(t *testing.T) {
	userID := uuid.New()
	challenge, err := testTM().GenerateChallengeToken(userID, "user@example.com")
	require.NoError(t, err)

	cases := []struct {
		name    string
		deps    mfaHandlerDeps
		request handlers.RecoveryRequest
	}{
		{
			name: "garbage challenge token",
			request: handlers.RecoveryRequest{
				ChallengeToken: "not-a-token",
				BackupCode:     "ABCDE-FGHJK",
			},
		},
		{
			name: "no credentials at all",
			request: handlers.RecoveryRequest{
				BackupCode: "ABCDE-FGHJK",
			},
		},
		{
			name: "revoked challenge token",
			deps: mfaHandlerDeps{
				revokeRepo: &handlers.MockRevocationRepository{
					IsTokenRevokedFunc: func(ctx context.Context, jti string) (bool, error) {
						return true, nil
					},
				},
			},
			request: handlers.RecoveryRequest{
				ChallengeToken: challenge,
				BackupCode:     "ABCDE-FGHJK",
			},
		},
		{
			name: "wrong backup code",
			deps: mfaHandlerDeps{
				userRepo: &handlers.MockUserRepository{
					GetByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.User, error) {
						return testUserHelper(userID, "user@example.com"), nil
					},
				},
				recovery: &handlers.MockRecoveryService{
					InitiateRecoveryFunc: func(ctx context.Context, id uuid.UUID, email, backupCode, ip, ua string) (string, error) {
						return "", models.ErrVerificationFailed
					},
				},
			},
			request: handlers.RecoveryRequest{
				ChallengeToken: challenge,
				BackupCode:     "WRONG-CODEX",
			},
		},
		{
			name: "disabled account",
			deps: mfaHandlerDeps{
				userRepo: &handlers.MockUserRepository{
					GetByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.User, error) {
						user := testUserHelper(userID, "user@example.com")
						user.Status = models.UserStatusDisabled
						return user, nil
					},
				},
			},
			request: handlers.RecoveryRequest{
				ChallengeToken: challenge,
				BackupCode:     "ABCDE-FGHJK",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := newMFAHandler(tc.deps)
			req := handlers.NewTestRequest(t, "POST", "/mfa/recovery", tc.request)

			w := httptest.NewRecorder()
			handler.Recovery(w, req)

			handlers.AssertErrorResponse(t, w, 401, "unauthorized")

			var resp pkghttp.ErrorResponse
			json.Unmarshal(w.Body.Bytes(), &resp)
			assert.Equal(t, "Verification failed", resp.Message)
		})
	}
}

func TestMFARecovery_RateLimited(t *testing.T) {
	userID := uuid.New()
	challenge, err := testTM().GenerateChallengeToken(userID, "user@example.com")
	require.NoError(t, err)

	deps := mfaHandlerDeps{
		userRepo: &handlers.MockUserRepository{
			GetByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.User, error) {
				return testUserHelper(userID, "user@example.com"), nil
			},
		},
		recovery: &handlers.MockRecoveryService{
			InitiateRecoveryFunc: func(ctx context.Context, id uuid.UUID, email, backupCode, ip, ua string) (string, error) {
				return "", models.ErrTooManyAttempts
			},
		},
	}

	handler := newMFAHandler(deps)
	req := handlers.NewTestRequest(t, "POST", "/mfa/recovery", handlers.RecoveryRequest{
		ChallengeToken: challenge,
		BackupCode:     "ABCDE-FGHJK",
	})

	w := httptest.NewRecorder()
	handler.Recovery(w, req)

	handlers.AssertErrorResponse(t, w, 429, "rate_limit_exceeded")
}

func TestMFAReset_Success(t *testing.T) {
	userID := uuid.New()
	resetToken := mintResetToken(t, userID)

	userRepo := &handlers.MockUserRepository{
		GetByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.User, error) {
			assert.Equal(t, userID, id)
			return testUserHelper(userID, "user@example.com"), nil
		},
	}
	var consumedToken string
	recovery := &handlers.MockRecoveryService{
		ResetViaRecoveryFunc: func(ctx context.Context, id uuid.UUID, email, tokenString, ip string) error {
			consumedToken = tokenString
			return nil
		},
	}

	handler := newMFAHandler(mfaHandlerDeps{recovery: recovery, userRepo: userRepo})
	req := handlers.NewTestRequest(t, "POST", "/mfa/reset", handlers.ResetMFARequest{RecoveryToken: resetToken})

	w := httptest.NewRecorder()
	handler.Reset(w, req)

	var resp handlers.ResetMFAResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.Equal(t, models.EnrollmentStatePending, resp.State)
	assert.Equal(t, resetToken, consumedToken)
}

func TestMFAReset_WrongTokenType(t *testing.T) {
	// A challenge token must not pass where a reset token is required
	userID := uuid.New()
	challenge, err := testTM().GenerateChallengeToken(userID, "user@example.com")
	require.NoError(t, err)

	handler := newMFAHandler(mfaHandlerDeps{})
	req := handlers.NewTestRequest(t, "POST", "/mfa/reset", handlers.ResetMFARequest{RecoveryToken: challenge})

	w := httptest.NewRecorder()
	handler.Reset(w, req)

	handlers.AssertErrorResponse(t, w, 401, "unauthorized")
}

func TestMFAReset_ConsumedToken(t *testing.T) {
	userID := uuid.New()
	resetToken := mintResetToken(t, userID)

	userRepo := &handlers.MockUserRepository{
		GetByIDFunc: func(ctx context.Context, id uuid.UUID) (*models.User, error) {
			return testUserHelper(userID, "user@example.com"), nil
		},
	}
	recovery := &handlers.MockRecoveryService{
		ResetViaRecoveryFunc: func(ctx context.Context, id uuid.UUID, email, tokenString, ip string) error {
			return models.ErrTokenConsumed
		},
	}

	handler := newMFAHandler(mfaHandlerDeps{recovery: recovery, userRepo: userRepo})
	req := handlers.NewTestRequest(t, "POST", "/mfa/reset", handlers.ResetMFARequest{RecoveryToken: resetToken})

	w := httptest.NewRecorder()
	handler.Reset(w, req)

	handlers.AssertErrorResponse(t, w, 401, "unauthorized")

	var resp pkghttp.ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	assert.Equal(t, "Verification failed", resp.Message)
}
