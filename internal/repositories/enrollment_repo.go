package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cdmorrow/vigil/internal/database"
	"github.com/cdmorrow/vigil/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EnrollmentRepository persists MFA enrollment state. State transitions are
// guarded in SQL so that concurrent requests cannot skip or repeat them.
type EnrollmentRepository interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (*models.MfaEnrollment, error)
	UpsertPending(ctx context.Context, enrollment *models.MfaEnrollment) (*models.MfaEnrollment, error)
	Activate(ctx context.Context, userID uuid.UUID, codeHashes []string) (*models.MfaEnrollment, error)
	UpdateSecret(ctx context.Context, userID uuid.UUID, secret *models.EncryptedSecret, previousVersion uint32) error
	ResetToPending(ctx context.Context, userID uuid.UUID) error
	Delete(ctx context.Context, userID uuid.UUID) error
}

type enrollmentRepoImpl struct {
	db *database.DB
}

func NewEnrollmentRepository(db *database.DB) EnrollmentRepository {
	return &enrollmentRepoImpl{db: db}
}

const enrollmentColumns = `id, user_id, state, secret_ciphertext, secret_nonce, secret_key_version, secret_created_at, activated_at, created_at, updated_at`

// scanEnrollmentRow handles the nullable secret columns: a row reset through
// recovery is pending with no secret until the next enrollment starts.
func scanEnrollmentRow(scanner rowScanner) (*models.MfaEnrollment, error) {
	var e models.MfaEnrollment
	var ciphertext, nonce []byte
	var keyVersion *int32
	var secretCreatedAt *time.Time

	err := scanner.Scan(
		&e.ID, &e.UserID, &e.State,
		&ciphertext, &nonce, &keyVersion, &secretCreatedAt,
		&e.ActivatedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if ciphertext != nil && keyVersion != nil && secretCreatedAt != nil {
		e.Secret = &models.EncryptedSecret{
			Ciphertext: ciphertext,
			Nonce:      nonce,
			KeyVersion: uint32(*keyVersion),
			CreatedAt:  *secretCreatedAt,
		}
	}

	return &e, nil
}

func (r *enrollmentRepoImpl) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.MfaEnrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM mfa_enrollments WHERE user_id = $1`

	enrollment, err := scanEnrollmentRow(r.db.Pool.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, err
	}

	return enrollment, nil
}

// UpsertPending creates a pending enrollment with the given sealed secret, or
// replaces the secret of an existing pending one. An active enrollment is
// never touched; that case returns ErrStateConflict.
func (r *enrollmentRepoImpl) UpsertPending(ctx context.Context, enrollment *models.MfaEnrollment) (*models.MfaEnrollment, error) {
	query := `
		INSERT INTO mfa_enrollments
			(id, user_id, state, secret_ciphertext, secret_nonce, secret_key_version, secret_created_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET secret_ciphertext = EXCLUDED.secret_ciphertext,
		    secret_nonce = EXCLUDED.secret_nonce,
		    secret_key_version = EXCLUDED.secret_key_version,
		    secret_created_at = EXCLUDED.secret_created_at,
		    updated_at = NOW()
		WHERE mfa_enrollments.state = $3
		RETURNING ` + enrollmentColumns

	if enrollment.ID == uuid.Nil {
		enrollment.ID = uuid.New()
	}
	secret := enrollment.Secret

	stored, err := scanEnrollmentRow(r.db.Pool.QueryRow(ctx, query,
		enrollment.ID,
		enrollment.UserID,
		models.EnrollmentStatePending,
		secret.Ciphertext,
		secret.Nonce,
		int32(secret.KeyVersion),
		secret.CreatedAt,
	))

	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrStateConflict
		}
		return nil, fmt.Errorf("failed to upsert pending enrollment: %w", err)
	}

	return stored, nil
}

// Activate flips a pending enrollment to active and installs the backup code
// batch in the same transaction. Exactly one caller can win the transition;
// everyone else gets ErrStateConflict.
func (r *enrollmentRepoImpl) Activate(ctx context.Context, userID uuid.UUID, codeHashes []string) (*models.MfaEnrollment, error) {
	var activated *models.MfaEnrollment

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE mfa_enrollments
			SET state = $2, activated_at = NOW(), updated_at = NOW()
			WHERE user_id = $1 AND state = $3
			RETURNING ` + enrollmentColumns

		enrollment, err := scanEnrollmentRow(tx.QueryRow(ctx, query,
			userID, models.EnrollmentStateActive, models.EnrollmentStatePending,
		))
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return models.ErrStateConflict
			}
			return fmt.Errorf("failed to activate enrollment: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to clear backup codes: %w", err)
		}

		insert := `
			INSERT INTO mfa_backup_codes (user_id, code_hash)
			SELECT $1, unnest($2::text[])
		`
		if _, err := tx.Exec(ctx, insert, userID, codeHashes); err != nil {
			return fmt.Errorf("failed to store backup codes: %w", err)
		}

		activated = enrollment
		return nil
	})
	if err != nil {
		return nil, err
	}

	return activated, nil
}

// UpdateSecret swaps in a re-sealed secret. The previous key version guards
// the write so a concurrent re-enrollment is never overwritten; losing the
// race is not an error.
func (r *enrollmentRepoImpl) UpdateSecret(ctx context.Context, userID uuid.UUID, secret *models.EncryptedSecret, previousVersion uint32) error {
	query := `
		UPDATE mfa_enrollments
		SET secret_ciphertext = $2, secret_nonce = $3, secret_key_version = $4, updated_at = NOW()
		WHERE user_id = $1 AND secret_key_version = $5
	`

	_, err := r.db.Pool.Exec(ctx, query,
		userID,
		secret.Ciphertext,
		secret.Nonce,
		int32(secret.KeyVersion),
		int32(previousVersion),
	)
	if err != nil {
		return fmt.Errorf("failed to update sealed secret: %w", err)
	}

	return nil
}

// ResetToPending moves an enrollment back to pending with no secret and
// discards all backup codes. The next StartEnrollment installs a fresh secret.
func (r *enrollmentRepoImpl) ResetToPending(ctx context.Context, userID uuid.UUID) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE mfa_enrollments
			SET state = $2, secret_ciphertext = NULL, secret_nonce = NULL,
			    secret_key_version = NULL, secret_created_at = NULL,
			    activated_at = NULL, updated_at = NOW()
			WHERE user_id = $1
		`

		result, err := tx.Exec(ctx, query, userID, models.EnrollmentStatePending)
		if err != nil {
			return fmt.Errorf("failed to reset enrollment: %w", err)
		}
		if result.RowsAffected() == 0 {
			return models.ErrNotFound
		}

		if _, err := tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to clear backup codes: %w", err)
		}

		return nil
	})
}

// Delete removes the enrollment row and its backup codes entirely, returning
// the user to the unenrolled state.
func (r *enrollmentRepoImpl) Delete(ctx context.Context, userID uuid.UUID) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `DELETE FROM mfa_enrollments WHERE user_id = $1`, userID)
		if err != nil {
			return fmt.Errorf("failed to delete enrollment: %w", err)
		}
		if result.RowsAffected() == 0 {
			return models.ErrNotFound
		}

		if _, err := tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to delete backup codes: %w", err)
		}

		return nil
	})
}
