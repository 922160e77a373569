package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/cdmorrow/vigil/internal/auth"
	"github.com/cdmorrow/vigil/internal/metrics"
	"github.com/cdmorrow/vigil/internal/models"
	pkglogger "github.com/cdmorrow/vigil/pkg/logger"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ============================================================================
// Fixture
// ============================================================================

type enrollmentFixture struct {
	svc         *EnrollmentService
	enrollRepo  *MockEnrollmentRepository
	backupRepo  *MockBackupCodeRepository
	attemptRepo *MockMFAAttemptRepository
	alerts      *MockAlertService
	vault       *auth.SecretVault
	codec       *auth.TOTPCodec
	codes       *auth.BackupCodeVault
}

func testMasterKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, auth.MasterKeySize)
}

func newEnrollmentFixture(t *testing.T) *enrollmentFixture {
	t.Helper()
	return newEnrollmentFixtureWithVault(t, map[uint32][]byte{1: testMasterKey(0xA5)}, 1)
}

func newEnrollmentFixtureWithVault(t *testing.T, keys map[uint32][]byte, active uint32) *enrollmentFixture {
	t.Helper()

	vault, err := auth.NewSecretVault(keys, active)
	require.NoError(t, err)
	codec, err := auth.NewTOTPCodec(auth.AlgorithmSHA1)
	require.NoError(t, err)
	provisioner, err := auth.NewProvisioner("Vigil", codec)
	require.NoError(t, err)

	f := &enrollmentFixture{
		enrollRepo:  &MockEnrollmentRepository{},
		backupRepo:  &MockBackupCodeRepository{},
		attemptRepo: &MockMFAAttemptRepository{},
		alerts:      &MockAlertService{},
		vault:       vault,
		codec:       codec,
		codes:       auth.NewBackupCodeVault(bcrypt.MinCost),
	}

	log := slog.Default()
	limiter := NewAttemptLimiter(f.attemptRepo, AttemptLimiterConfig{
		MaxFailedPerUser:   5,
		MaxFailedPerIP:     20,
		MaxFailedPerDevice: 10,
		Window:             15 * time.Minute,
	}, log)

	f.svc = NewEnrollmentService(
		f.enrollRepo,
		f.backupRepo,
		vault,
		codec,
		provisioner,
		f.codes,
		limiter,
		f.alerts,
		pkglogger.NewAuditLogger(log),
		metrics.New(prometheus.NewRegistry()),
		log,
	)
	return f
}

// enrollmentWithSecret seals a fresh TOTP secret into an enrollment in the
// given state and wires the repo mock to return it. The plaintext secret is
// returned so tests can mint valid codes.
func (f *enrollmentFixture) enrollmentWithSecret(t *testing.T, userID uuid.UUID, state string) (string, *models.MfaEnrollment) {
	t.Helper()

	secret, err := f.codec.GenerateSecret()
	require.NoError(t, err)
	sealed, err := f.vault.Seal(secret)
	require.NoError(t, err)

	enrollment := NewTestEnrollment(userID, state, sealed)
	f.enrollRepo.GetByUserIDFunc = func(ctx context.Context, id uuid.UUID) (*models.MfaEnrollment, error) {
		if id == userID {
			return enrollment, nil
		}
		return nil, models.ErrNotFound
	}
	return secret, enrollment
}

func (f *enrollmentFixture) validCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := f.codec.Code(secret, time.Now())
	require.NoError(t, err)
	return code
}

// wrongCode returns a six-digit string that is not accepted for the secret at
// any step of the current verification window.
func (f *enrollmentFixture) wrongCode(t *testing.T, secret string) string {
	t.Helper()

	now := time.Now()
	taken := map[string]bool{}
	for _, offset := range []time.Duration{-30 * time.Second, 0, 30 * time.Second} {
		code, err := f.codec.Code(secret, now.Add(offset))
		require.NoError(t, err)
		taken[code] = true
	}
	for i := 0; ; i++ {
		candidate := fmt.Sprintf("%06d", i)
		if !taken[candidate] {
			return candidate
		}
	}
}

func (f *enrollmentFixture) lastAttempt(t *testing.T) *models.VerificationAttempt {
	t.Helper()
	require.NotEmpty(t, f.attemptRepo.Recorded)
	return f.attemptRepo.Recorded[len(f.attemptRepo.Recorded)-1]
}

// ============================================================================
// StartEnrollment Tests
// ============================================================================

func TestEnrollmentService_StartEnrollment_ProvisionsPendingSecret(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()

	var stored *models.MfaEnrollment
	f.enrollRepo.UpsertPendingFunc = func(ctx context.Context, enrollment *models.MfaEnrollment) (*models.MfaEnrollment, error) {
		stored = enrollment
		saved := *enrollment
		saved.ID = uuid.New()
		return &saved, nil
	}

	provision, err := f.svc.StartEnrollment(context.Background(), userID, "user@example.com")
	require.NoError(t, err)
	require.NotNil(t, provision)

	assert.NotEmpty(t, provision.Secret)
	assert.Contains(t, provision.OtpauthURL, "otpauth://totp/")
	assert.Contains(t, provision.QRCode, "data:image/png;base64,")

	require.NotNil(t, stored)
	assert.Equal(t, userID, stored.UserID)
	assert.Equal(t, models.EnrollmentStatePending, stored.State)
	require.True(t, stored.HasSecret())

	// The sealed record opens back to the plaintext handed to the user.
	opened, err := f.vault.Open(stored.Secret)
	require.NoError(t, err)
	assert.Equal(t, provision.Secret, opened)
}

func TestEnrollmentService_StartEnrollment_ActiveConflict(t *testing.T) {
	f := newEnrollmentFixture(t)

	f.enrollRepo.UpsertPendingFunc = func(ctx context.Context, enrollment *models.MfaEnrollment) (*models.MfaEnrollment, error) {
		return nil, models.ErrStateConflict
	}

	provision, err := f.svc.StartEnrollment(context.Background(), uuid.New(), "user@example.com")
	assert.ErrorIs(t, err, models.ErrStateConflict)
	assert.Nil(t, provision)
}

func TestEnrollmentService_StartEnrollment_StoreOutage(t *testing.T) {
	f := newEnrollmentFixture(t)

	f.enrollRepo.UpsertPendingFunc = func(ctx context.Context, enrollment *models.MfaEnrollment) (*models.MfaEnrollment, error) {
		return nil, models.ErrDependency
	}

	_, err := f.svc.StartEnrollment(context.Background(), uuid.New(), "user@example.com")
	assert.ErrorIs(t, err, models.ErrDependency)
}

// ============================================================================
// ConfirmEnrollment Tests
// ============================================================================

func TestEnrollmentService_ConfirmEnrollment_ActivatesAndIssuesBackupCodes(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	secret, _ := f.enrollmentWithSecret(t, userID, models.EnrollmentStatePending)

	var storedHashes []string
	f.enrollRepo.ActivateFunc = func(ctx context.Context, id uuid.UUID, codeHashes []string) (*models.MfaEnrollment, error) {
		storedHashes = codeHashes
		now := time.Now()
		return &models.MfaEnrollment{
			ID:          uuid.New(),
			UserID:      id,
			State:       models.EnrollmentStateActive,
			ActivatedAt: &now,
		}, nil
	}

	result, err := f.svc.ConfirmEnrollment(context.Background(), userID, "user@example.com", f.validCode(t, secret), "10.0.0.1", "test-agent")
	require.NoError(t, err)
	require.NotNil(t, result)

	require.Len(t, result.BackupCodes, auth.BackupCodeBatchSize)
	require.Len(t, storedHashes, auth.BackupCodeBatchSize)
	for i, plaintext := range result.BackupCodes {
		assert.True(t, auth.IsBackupCodeFormat(plaintext), "code %q should match the backup format", plaintext)
		assert.True(t, f.codes.Match(plaintext, storedHashes[i]))
	}
	assert.False(t, result.ActivatedAt.IsZero())

	attempt := f.lastAttempt(t)
	assert.True(t, attempt.Success)
	assert.Equal(t, models.VerifyMethodTOTP, attempt.Method)
	assert.Contains(t, f.alerts.SentAlerts, "enrollment_activated")
}

func TestEnrollmentService_ConfirmEnrollment_WrongCode(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	secret, _ := f.enrollmentWithSecret(t, userID, models.EnrollmentStatePending)

	activateCalled := false
	f.enrollRepo.ActivateFunc = func(ctx context.Context, id uuid.UUID, codeHashes []string) (*models.MfaEnrollment, error) {
		activateCalled = true
		return nil, nil
	}

	result, err := f.svc.ConfirmEnrollment(context.Background(), userID, "user@example.com", f.wrongCode(t, secret), "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrVerificationFailed)
	assert.Nil(t, result)
	assert.False(t, activateCalled)

	attempt := f.lastAttempt(t)
	assert.False(t, attempt.Success)
	require.NotNil(t, attempt.FailureReason)
	assert.Equal(t, "invalid_code", *attempt.FailureReason)
	assert.Empty(t, f.alerts.SentAlerts)
}

func TestEnrollmentService_ConfirmEnrollment_Uninitialized(t *testing.T) {
	f := newEnrollmentFixture(t)

	_, err := f.svc.ConfirmEnrollment(context.Background(), uuid.New(), "user@example.com", "123456", "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrStateConflict)
}

func TestEnrollmentService_ConfirmEnrollment_AlreadyActive(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	secret, _ := f.enrollmentWithSecret(t, userID, models.EnrollmentStateActive)

	_, err := f.svc.ConfirmEnrollment(context.Background(), userID, "user@example.com", f.validCode(t, secret), "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrStateConflict)
}

func TestEnrollmentService_ConfirmEnrollment_PendingWithoutSecret(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()

	// The state a reset leaves behind: Pending row, no secret.
	enrollment := NewTestEnrollment(userID, models.EnrollmentStatePending, nil)
	f.enrollRepo.GetByUserIDFunc = func(ctx context.Context, id uuid.UUID) (*models.MfaEnrollment, error) {
		return enrollment, nil
	}

	_, err := f.svc.ConfirmEnrollment(context.Background(), userID, "user@example.com", "123456", "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrStateConflict)
}

func TestEnrollmentService_ConfirmEnrollment_RateLimited(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	secret, _ := f.enrollmentWithSecret(t, userID, models.EnrollmentStatePending)

	f.attemptRepo.GetFailedAttemptCountFunc = func(ctx context.Context, id uuid.UUID, since time.Time) (int, error) {
		return 5, nil
	}

	_, err := f.svc.ConfirmEnrollment(context.Background(), userID, "user@example.com", f.validCode(t, secret), "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrTooManyAttempts)

	attempt := f.lastAttempt(t)
	assert.False(t, attempt.Success)
	require.NotNil(t, attempt.FailureReason)
	assert.Equal(t, "rate_limited", *attempt.FailureReason)
}

func TestEnrollmentService_ConfirmEnrollment_LostActivationRace(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	secret, _ := f.enrollmentWithSecret(t, userID, models.EnrollmentStatePending)

	f.enrollRepo.ActivateFunc = func(ctx context.Context, id uuid.UUID, codeHashes []string) (*models.MfaEnrollment, error) {
		return nil, models.ErrStateConflict
	}

	_, err := f.svc.ConfirmEnrollment(context.Background(), userID, "user@example.com", f.validCode(t, secret), "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrStateConflict)
}

// ============================================================================
// VerifyLogin Tests
// ============================================================================

func TestEnrollmentService_VerifyLogin_ValidTOTP(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	secret, _ := f.enrollmentWithSecret(t, userID, models.EnrollmentStateActive)

	err := f.svc.VerifyLogin(context.Background(), userID, f.validCode(t, secret), "10.0.0.1", "test-agent")
	require.NoError(t, err)

	attempt := f.lastAttempt(t)
	assert.True(t, attempt.Success)
	assert.Equal(t, models.VerifyMethodTOTP, attempt.Method)
}

func TestEnrollmentService_VerifyLogin_AcceptsAdjacentStep(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	secret, _ := f.enrollmentWithSecret(t, userID, models.EnrollmentStateActive)

	previous, err := f.codec.Code(secret, time.Now().Add(-30*time.Second))
	require.NoError(t, err)

	err = f.svc.VerifyLogin(context.Background(), userID, previous, "10.0.0.1", "test-agent")
	assert.NoError(t, err)
}

func TestEnrollmentService_VerifyLogin_RejectsStaleStep(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	secret, _ := f.enrollmentWithSecret(t, userID, models.EnrollmentStateActive)

	stale, err := f.codec.Code(secret, time.Now().Add(-90*time.Second))
	require.NoError(t, err)

	err = f.svc.VerifyLogin(context.Background(), userID, stale, "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrVerificationFailed)
}

func TestEnrollmentService_VerifyLogin_WrongCode(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	secret, _ := f.enrollmentWithSecret(t, userID, models.EnrollmentStateActive)

	err := f.svc.VerifyLogin(context.Background(), userID, f.wrongCode(t, secret), "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrVerificationFailed)

	attempt := f.lastAttempt(t)
	assert.False(t, attempt.Success)
	assert.Equal(t, models.VerifyMethodTOTP, attempt.Method)
}

func TestEnrollmentService_VerifyLogin_NotActive(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	_, _ = f.enrollmentWithSecret(t, userID, models.EnrollmentStatePending)

	err := f.svc.VerifyLogin(context.Background(), userID, "123456", "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrStateConflict)
}

func TestEnrollmentService_VerifyLogin_Uninitialized(t *testing.T) {
	f := newEnrollmentFixture(t)

	err := f.svc.VerifyLogin(context.Background(), uuid.New(), "123456", "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrStateConflict)
}

func TestEnrollmentService_VerifyLogin_ConsumesBackupCode(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	_, _ = f.enrollmentWithSecret(t, userID, models.EnrollmentStateActive)

	batch, err := f.codes.GenerateBatch(2)
	require.NoError(t, err)

	rows := []*models.BackupCode{
		NewTestBackupCode(userID, batch.Hashes[0]),
		NewTestBackupCode(userID, batch.Hashes[1]),
	}
	f.backupRepo.ListActiveFunc = func(ctx context.Context, id uuid.UUID) ([]*models.BackupCode, error) {
		return rows, nil
	}

	var consumedID uuid.UUID
	f.backupRepo.ConsumeFunc = func(ctx context.Context, codeID uuid.UUID) error {
		consumedID = codeID
		return nil
	}

	err = f.svc.VerifyLogin(context.Background(), userID, batch.Plaintext[1], "10.0.0.1", "test-agent")
	require.NoError(t, err)
	assert.Equal(t, rows[1].ID, consumedID)

	attempt := f.lastAttempt(t)
	assert.True(t, attempt.Success)
	assert.Equal(t, models.VerifyMethodBackupCode, attempt.Method)
}

func TestEnrollmentService_VerifyLogin_BackupCodeLosesConsumeRace(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	_, _ = f.enrollmentWithSecret(t, userID, models.EnrollmentStateActive)

	batch, err := f.codes.GenerateBatch(1)
	require.NoError(t, err)

	f.backupRepo.ListActiveFunc = func(ctx context.Context, id uuid.UUID) ([]*models.BackupCode, error) {
		return []*models.BackupCode{NewTestBackupCode(userID, batch.Hashes[0])}, nil
	}
	f.backupRepo.ConsumeFunc = func(ctx context.Context, codeID uuid.UUID) error {
		// Another request claimed the row between list and consume.
		return models.ErrNotFound
	}

	err = f.svc.VerifyLogin(context.Background(), userID, batch.Plaintext[0], "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrVerificationFailed)
}

func TestEnrollmentService_VerifyLogin_UnknownBackupCode(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	_, _ = f.enrollmentWithSecret(t, userID, models.EnrollmentStateActive)

	err := f.svc.VerifyLogin(context.Background(), userID, "XXXXX-XXXXX", "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrVerificationFailed)

	attempt := f.lastAttempt(t)
	assert.Equal(t, models.VerifyMethodBackupCode, attempt.Method)
}

func TestEnrollmentService_VerifyLogin_ReSealsRetiredKeyVersion(t *testing.T) {
	key1 := testMasterKey(0xA5)
	key2 := testMasterKey(0x5C)
	f := newEnrollmentFixtureWithVault(t, map[uint32][]byte{1: key1, 2: key2}, 2)

	oldVault, err := auth.NewSecretVault(map[uint32][]byte{1: key1}, 1)
	require.NoError(t, err)

	userID := uuid.New()
	secret, err := f.codec.GenerateSecret()
	require.NoError(t, err)
	sealed, err := oldVault.Seal(secret)
	require.NoError(t, err)

	enrollment := NewTestEnrollment(userID, models.EnrollmentStateActive, sealed)
	f.enrollRepo.GetByUserIDFunc = func(ctx context.Context, id uuid.UUID) (*models.MfaEnrollment, error) {
		return enrollment, nil
	}

	var resealed *models.EncryptedSecret
	var previousVersion uint32
	f.enrollRepo.UpdateSecretFunc = func(ctx context.Context, id uuid.UUID, s *models.EncryptedSecret, prev uint32) error {
		resealed = s
		previousVersion = prev
		return nil
	}

	err = f.svc.VerifyLogin(context.Background(), userID, f.validCode(t, secret), "10.0.0.1", "test-agent")
	require.NoError(t, err)

	require.NotNil(t, resealed)
	assert.Equal(t, uint32(2), resealed.KeyVersion)
	assert.Equal(t, uint32(1), previousVersion)

	reopened, err := f.vault.Open(resealed)
	require.NoError(t, err)
	assert.Equal(t, secret, reopened)
}

func TestEnrollmentService_VerifyLogin_TamperedCiphertext(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	_, enrollment := f.enrollmentWithSecret(t, userID, models.EnrollmentStateActive)

	enrollment.Secret.Ciphertext[0] ^= 0xFF

	err := f.svc.VerifyLogin(context.Background(), userID, "123456", "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrIntegrity)
}

func TestEnrollmentService_VerifyLogin_RateLimited(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	secret, _ := f.enrollmentWithSecret(t, userID, models.EnrollmentStateActive)

	f.attemptRepo.GetFailedAttemptsForIPFunc = func(ctx context.Context, ipAddress string, since time.Time) (int, error) {
		return 20, nil
	}

	err := f.svc.VerifyLogin(context.Background(), userID, f.validCode(t, secret), "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrTooManyAttempts)
}

// ============================================================================
// Status Tests
// ============================================================================

func TestEnrollmentService_Status_Uninitialized(t *testing.T) {
	f := newEnrollmentFixture(t)

	status, err := f.svc.Status(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStateUninitialized, status.State)
	assert.Zero(t, status.BackupCodesRemaining)
	assert.Nil(t, status.ActivatedAt)
}

func TestEnrollmentService_Status_ActiveCountsRemainingCodes(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	_, enrollment := f.enrollmentWithSecret(t, userID, models.EnrollmentStateActive)

	f.backupRepo.CountRemainingFunc = func(ctx context.Context, id uuid.UUID) (int, error) {
		return 3, nil
	}

	status, err := f.svc.Status(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStateActive, status.State)
	assert.Equal(t, 3, status.BackupCodesRemaining)
	assert.Equal(t, enrollment.ActivatedAt, status.ActivatedAt)
}

func TestEnrollmentService_Status_PendingSkipsCodeCount(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	_, _ = f.enrollmentWithSecret(t, userID, models.EnrollmentStatePending)

	f.backupRepo.CountRemainingFunc = func(ctx context.Context, id uuid.UUID) (int, error) {
		t.Fatal("count should not run for a pending enrollment")
		return 0, nil
	}

	status, err := f.svc.Status(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatePending, status.State)
	assert.Zero(t, status.BackupCodesRemaining)
}

// ============================================================================
// Disable Tests
// ============================================================================

func TestEnrollmentService_Disable_RemovesEnrollment(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	secret, _ := f.enrollmentWithSecret(t, userID, models.EnrollmentStateActive)

	deleted := false
	f.enrollRepo.DeleteFunc = func(ctx context.Context, id uuid.UUID) error {
		deleted = true
		return nil
	}

	err := f.svc.Disable(context.Background(), userID, "user@example.com", f.validCode(t, secret), "10.0.0.1", "test-agent")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Contains(t, f.alerts.SentAlerts, "mfa_disabled")
}

func TestEnrollmentService_Disable_WrongCode(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	secret, _ := f.enrollmentWithSecret(t, userID, models.EnrollmentStateActive)

	deleted := false
	f.enrollRepo.DeleteFunc = func(ctx context.Context, id uuid.UUID) error {
		deleted = true
		return nil
	}

	err := f.svc.Disable(context.Background(), userID, "user@example.com", f.wrongCode(t, secret), "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrVerificationFailed)
	assert.False(t, deleted)
	assert.Empty(t, f.alerts.SentAlerts)
}

func TestEnrollmentService_Disable_RejectsBackupCode(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	_, _ = f.enrollmentWithSecret(t, userID, models.EnrollmentStateActive)

	batch, err := f.codes.GenerateBatch(1)
	require.NoError(t, err)
	f.backupRepo.ListActiveFunc = func(ctx context.Context, id uuid.UUID) ([]*models.BackupCode, error) {
		return []*models.BackupCode{NewTestBackupCode(userID, batch.Hashes[0])}, nil
	}

	// A backup code is not a TOTP code; disabling demands the authenticator.
	err = f.svc.Disable(context.Background(), userID, "user@example.com", batch.Plaintext[0], "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrVerificationFailed)
}

func TestEnrollmentService_Disable_NotActive(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	_, _ = f.enrollmentWithSecret(t, userID, models.EnrollmentStatePending)

	err := f.svc.Disable(context.Background(), userID, "user@example.com", "123456", "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrStateConflict)
}

// ============================================================================
// RegenerateBackupCodes Tests
// ============================================================================

func TestEnrollmentService_RegenerateBackupCodes_ReplacesBatch(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	secret, _ := f.enrollmentWithSecret(t, userID, models.EnrollmentStateActive)

	var storedHashes []string
	f.backupRepo.ReplaceBatchFunc = func(ctx context.Context, id uuid.UUID, codeHashes []string) error {
		storedHashes = codeHashes
		return nil
	}

	plaintext, err := f.svc.RegenerateBackupCodes(context.Background(), userID, "user@example.com", f.validCode(t, secret), "10.0.0.1", "test-agent")
	require.NoError(t, err)

	require.Len(t, plaintext, auth.BackupCodeBatchSize)
	require.Len(t, storedHashes, auth.BackupCodeBatchSize)
	assert.True(t, f.codes.Match(plaintext[0], storedHashes[0]))
	assert.Contains(t, f.alerts.SentAlerts, "backup_codes_regenerated")
}

func TestEnrollmentService_RegenerateBackupCodes_WrongCode(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	secret, _ := f.enrollmentWithSecret(t, userID, models.EnrollmentStateActive)

	replaced := false
	f.backupRepo.ReplaceBatchFunc = func(ctx context.Context, id uuid.UUID, codeHashes []string) error {
		replaced = true
		return nil
	}

	_, err := f.svc.RegenerateBackupCodes(context.Background(), userID, "user@example.com", f.wrongCode(t, secret), "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrVerificationFailed)
	assert.False(t, replaced)
}

func TestEnrollmentService_RegenerateBackupCodes_NotActive(t *testing.T) {
	f := newEnrollmentFixture(t)
	userID := uuid.New()
	_, _ = f.enrollmentWithSecret(t, userID, models.EnrollmentStatePending)

	_, err := f.svc.RegenerateBackupCodes(context.Background(), userID, "user@example.com", "123456", "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, models.ErrStateConflict)
}
