package services

import (
	"context"
	"time"

	"github.com/cdmorrow/vigil/internal/models"
	"github.com/google/uuid"
)

// MockUserRepository implements UserRepository for testing
type MockUserRepository struct {
	CreateFunc     func(ctx context.Context, user *models.User) (*models.User, error)
	GetByIDFunc    func(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmailFunc func(ctx context.Context, email string) (*models.User, error)
}

func (m *MockUserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user)
	}
	user.ID = uuid.New()
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	return user, nil
}

func (m *MockUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

// MockTokenRevocationRepository implements TokenRevocationRepository for
// testing. Revocations taken through the default path are remembered so tests
// can assert on them.
type MockTokenRevocationRepository struct {
	RevokeTokenFunc    func(ctx context.Context, jti string, userID uuid.UUID, tokenType string, expiresAt time.Time, reason string) error
	IsTokenRevokedFunc func(ctx context.Context, jti string) (bool, error)
	RevokedJTIs        []string
}

func (m *MockTokenRevocationRepository) RevokeToken(ctx context.Context, jti string, userID uuid.UUID, tokenType string, expiresAt time.Time, reason string) error {
	if m.RevokeTokenFunc != nil {
		return m.RevokeTokenFunc(ctx, jti, userID, tokenType, expiresAt, reason)
	}
	m.RevokedJTIs = append(m.RevokedJTIs, jti)
	return nil
}

func (m *MockTokenRevocationRepository) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if m.IsTokenRevokedFunc != nil {
		return m.IsTokenRevokedFunc(ctx, jti)
	}
	for _, revoked := range m.RevokedJTIs {
		if revoked == jti {
			return true, nil
		}
	}
	return false, nil
}

// MockEnrollmentRepository implements repositories.EnrollmentRepository for testing
type MockEnrollmentRepository struct {
	GetByUserIDFunc    func(ctx context.Context, userID uuid.UUID) (*models.MfaEnrollment, error)
	UpsertPendingFunc  func(ctx context.Context, enrollment *models.MfaEnrollment) (*models.MfaEnrollment, error)
	ActivateFunc       func(ctx context.Context, userID uuid.UUID, codeHashes []string) (*models.MfaEnrollment, error)
	UpdateSecretFunc   func(ctx context.Context, userID uuid.UUID, secret *models.EncryptedSecret, previousVersion uint32) error
	ResetToPendingFunc func(ctx context.Context, userID uuid.UUID) error
	DeleteFunc         func(ctx context.Context, userID uuid.UUID) error
}

func (m *MockEnrollmentRepository) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.MfaEnrollment, error) {
	if m.GetByUserIDFunc != nil {
		return m.GetByUserIDFunc(ctx, userID)
	}
	return nil, models.ErrNotFound
}

func (m *MockEnrollmentRepository) UpsertPending(ctx context.Context, enrollment *models.MfaEnrollment) (*models.MfaEnrollment, error) {
	if m.UpsertPendingFunc != nil {
		return m.UpsertPendingFunc(ctx, enrollment)
	}
	stored := *enrollment
	stored.ID = uuid.New()
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	return &stored, nil
}

func (m *MockEnrollmentRepository) Activate(ctx context.Context, userID uuid.UUID, codeHashes []string) (*models.MfaEnrollment, error) {
	if m.ActivateFunc != nil {
		return m.ActivateFunc(ctx, userID, codeHashes)
	}
	now := time.Now()
	return &models.MfaEnrollment{
		ID:          uuid.New(),
		UserID:      userID,
		State:       models.EnrollmentStateActive,
		ActivatedAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (m *MockEnrollmentRepository) UpdateSecret(ctx context.Context, userID uuid.UUID, secret *models.EncryptedSecret, previousVersion uint32) error {
	if m.UpdateSecretFunc != nil {
		return m.UpdateSecretFunc(ctx, userID, secret, previousVersion)
	}
	return nil
}

func (m *MockEnrollmentRepository) ResetToPending(ctx context.Context, userID uuid.UUID) error {
	if m.ResetToPendingFunc != nil {
		return m.ResetToPendingFunc(ctx, userID)
	}
	return nil
}

func (m *MockEnrollmentRepository) Delete(ctx context.Context, userID uuid.UUID) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, userID)
	}
	return nil
}

// MockBackupCodeRepository implements repositories.BackupCodeRepository for testing
type MockBackupCodeRepository struct {
	ReplaceBatchFunc   func(ctx context.Context, userID uuid.UUID, codeHashes []string) error
	ListActiveFunc     func(ctx context.Context, userID uuid.UUID) ([]*models.BackupCode, error)
	ConsumeFunc        func(ctx context.Context, codeID uuid.UUID) error
	CountRemainingFunc func(ctx context.Context, userID uuid.UUID) (int, error)
}

func (m *MockBackupCodeRepository) ReplaceBatch(ctx context.Context, userID uuid.UUID, codeHashes []string) error {
	if m.ReplaceBatchFunc != nil {
		return m.ReplaceBatchFunc(ctx, userID, codeHashes)
	}
	return nil
}

func (m *MockBackupCodeRepository) ListActive(ctx context.Context, userID uuid.UUID) ([]*models.BackupCode, error) {
	if m.ListActiveFunc != nil {
		return m.ListActiveFunc(ctx, userID)
	}
	return []*models.BackupCode{}, nil
}

func (m *MockBackupCodeRepository) Consume(ctx context.Context, codeID uuid.UUID) error {
	if m.ConsumeFunc != nil {
		return m.ConsumeFunc(ctx, codeID)
	}
	return nil
}

func (m *MockBackupCodeRepository) CountRemaining(ctx context.Context, userID uuid.UUID) (int, error) {
	if m.CountRemainingFunc != nil {
		return m.CountRemainingFunc(ctx, userID)
	}
	return 0, nil
}

// MockRecoveryTokenRepository implements repositories.RecoveryTokenRepository
// (and therefore auth.RecoveryTokenStore) for testing
type MockRecoveryTokenRepository struct {
	InsertFunc        func(ctx context.Context, token *models.RecoveryToken) error
	ConsumeFunc       func(ctx context.Context, tokenID, userID uuid.UUID) error
	GetByIDFunc       func(ctx context.Context, tokenID uuid.UUID) (*models.RecoveryToken, error)
	DeleteExpiredFunc func(ctx context.Context, threshold time.Time) (int64, error)
}

func (m *MockRecoveryTokenRepository) Insert(ctx context.Context, token *models.RecoveryToken) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, token)
	}
	return nil
}

func (m *MockRecoveryTokenRepository) Consume(ctx context.Context, tokenID, userID uuid.UUID) error {
	if m.ConsumeFunc != nil {
		return m.ConsumeFunc(ctx, tokenID, userID)
	}
	return nil
}

func (m *MockRecoveryTokenRepository) GetByID(ctx context.Context, tokenID uuid.UUID) (*models.RecoveryToken, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, tokenID)
	}
	return nil, models.ErrNotFound
}

func (m *MockRecoveryTokenRepository) DeleteExpired(ctx context.Context, threshold time.Time) (int64, error) {
	if m.DeleteExpiredFunc != nil {
		return m.DeleteExpiredFunc(ctx, threshold)
	}
	return 0, nil
}

// MockMFAAttemptRepository implements repositories.MFAAttemptRepository for
// testing. Attempts taken through the default path are remembered so tests
// can assert on the recorded outcomes.
type MockMFAAttemptRepository struct {
	RecordAttemptFunc              func(ctx context.Context, attempt *models.VerificationAttempt) error
	GetFailedAttemptCountFunc      func(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	GetFailedAttemptsForDeviceFunc func(ctx context.Context, deviceFingerprint string, since time.Time) (int, error)
	GetFailedAttemptsForIPFunc     func(ctx context.Context, ipAddress string, since time.Time) (int, error)
	DeleteExpiredAttemptsFunc      func(ctx context.Context, threshold time.Time) (int64, error)
	Recorded                       []*models.VerificationAttempt
}

func (m *MockMFAAttemptRepository) RecordAttempt(ctx context.Context, attempt *models.VerificationAttempt) error {
	if m.RecordAttemptFunc != nil {
		return m.RecordAttemptFunc(ctx, attempt)
	}
	m.Recorded = append(m.Recorded, attempt)
	return nil
}

func (m *MockMFAAttemptRepository) GetFailedAttemptCount(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	if m.GetFailedAttemptCountFunc != nil {
		return m.GetFailedAttemptCountFunc(ctx, userID, since)
	}
	return 0, nil
}

func (m *MockMFAAttemptRepository) GetFailedAttemptsForDevice(ctx context.Context, deviceFingerprint string, since time.Time) (int, error) {
	if m.GetFailedAttemptsForDeviceFunc != nil {
		return m.GetFailedAttemptsForDeviceFunc(ctx, deviceFingerprint, since)
	}
	return 0, nil
}

func (m *MockMFAAttemptRepository) GetFailedAttemptsForIP(ctx context.Context, ipAddress string, since time.Time) (int, error) {
	if m.GetFailedAttemptsForIPFunc != nil {
		return m.GetFailedAttemptsForIPFunc(ctx, ipAddress, since)
	}
	return 0, nil
}

func (m *MockMFAAttemptRepository) DeleteExpiredAttempts(ctx context.Context, threshold time.Time) (int64, error) {
	if m.DeleteExpiredAttemptsFunc != nil {
		return m.DeleteExpiredAttemptsFunc(ctx, threshold)
	}
	return 0, nil
}

// MockAlertService implements AlertService for testing. Alerts taken through
// the default path are remembered by event name.
type MockAlertService struct {
	SendFunc   func(ctx context.Context, event, email string) error
	SentAlerts []string
}

func (m *MockAlertService) SendEnrollmentActivatedAlert(ctx context.Context, email string) error {
	return m.send(ctx, "enrollment_activated", email)
}

func (m *MockAlertService) SendRecoveryStartedAlert(ctx context.Context, email string) error {
	return m.send(ctx, "recovery_started", email)
}

func (m *MockAlertService) SendEnrollmentResetAlert(ctx context.Context, email string) error {
	return m.send(ctx, "enrollment_reset", email)
}

func (m *MockAlertService) SendMFADisabledAlert(ctx context.Context, email string) error {
	return m.send(ctx, "mfa_disabled", email)
}

func (m *MockAlertService) SendBackupCodesRegeneratedAlert(ctx context.Context, email string) error {
	return m.send(ctx, "backup_codes_regenerated", email)
}

func (m *MockAlertService) send(ctx context.Context, event, email string) error {
	if m.SendFunc != nil {
		return m.SendFunc(ctx, event, email)
	}
	m.SentAlerts = append(m.SentAlerts, event)
	return nil
}

// MockMFAGate implements MFAGate for testing
type MockMFAGate struct {
	StatusFunc      func(ctx context.Context, userID uuid.UUID) (*models.EnrollmentStatus, error)
	VerifyLoginFunc func(ctx context.Context, userID uuid.UUID, code, ipAddress, userAgent string) error
}

func (m *MockMFAGate) Status(ctx context.Context, userID uuid.UUID) (*models.EnrollmentStatus, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, userID)
	}
	return &models.EnrollmentStatus{State: models.EnrollmentStateUninitialized}, nil
}

func (m *MockMFAGate) VerifyLogin(ctx context.Context, userID uuid.UUID, code, ipAddress, userAgent string) error {
	if m.VerifyLoginFunc != nil {
		return m.VerifyLoginFunc(ctx, userID, code, ipAddress, userAgent)
	}
	return nil
}

// MockBackupCodeVerifier implements BackupCodeVerifier for testing
type MockBackupCodeVerifier struct {
	VerifyBackupCodeFunc func(ctx context.Context, userID uuid.UUID, code, ipAddress, userAgent string) error
}

func (m *MockBackupCodeVerifier) VerifyBackupCode(ctx context.Context, userID uuid.UUID, code, ipAddress, userAgent string) error {
	if m.VerifyBackupCodeFunc != nil {
		return m.VerifyBackupCodeFunc(ctx, userID, code, ipAddress, userAgent)
	}
	return nil
}

// ============================================================================
// Test Data Builders
// ============================================================================

// NewTestUser creates an active user for testing
func NewTestUser(email, name string) *models.User {
	now := time.Now()
	return &models.User{
		ID:        uuid.New(),
		Email:     email,
		Name:      name,
		Status:    models.UserStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewTestUserWithPassword creates a user with the given password hash
func NewTestUserWithPassword(email, name, passwordHash string) *models.User {
	user := NewTestUser(email, name)
	user.PasswordHash = passwordHash
	return user
}

// NewTestEnrollment creates an enrollment in the given state. Active
// enrollments get an activation timestamp.
func NewTestEnrollment(userID uuid.UUID, state string, secret *models.EncryptedSecret) *models.MfaEnrollment {
	now := time.Now()
	enrollment := &models.MfaEnrollment{
		ID:        uuid.New(),
		UserID:    userID,
		State:     state,
		Secret:    secret,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if state == models.EnrollmentStateActive {
		activatedAt := now.Add(-time.Hour)
		enrollment.ActivatedAt = &activatedAt
	}
	return enrollment
}

// NewTestBackupCode creates an unused backup code row with the given hash
func NewTestBackupCode(userID uuid.UUID, codeHash string) *models.BackupCode {
	return &models.BackupCode{
		ID:        uuid.New(),
		UserID:    userID,
		CodeHash:  codeHash,
		Used:      false,
		CreatedAt: time.Now(),
	}
}
