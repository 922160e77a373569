package repositories

import (
	"context"
	"fmt"

	"github.com/cdmorrow/vigil/internal/database"
	"github.com/cdmorrow/vigil/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// BackupCodeRepository persists hashed backup codes. Plaintext codes never
// reach this layer.
type BackupCodeRepository interface {
	ReplaceBatch(ctx context.Context, userID uuid.UUID, codeHashes []string) error
	ListActive(ctx context.Context, userID uuid.UUID) ([]*models.BackupCode, error)
	Consume(ctx context.Context, codeID uuid.UUID) error
	CountRemaining(ctx context.Context, userID uuid.UUID) (int, error)
}

type backupCodeRepoImpl struct {
	db *database.DB
}

func NewBackupCodeRepository(db *database.DB) BackupCodeRepository {
	return &backupCodeRepoImpl{db: db}
}

func scanBackupCodeRow(scanner rowScanner) (*models.BackupCode, error) {
	var code models.BackupCode
	err := scanner.Scan(
		&code.ID, &code.UserID, &code.CodeHash,
		&code.Used, &code.UsedAt, &code.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &code, nil
}

// ReplaceBatch discards every existing code for the user and installs the new
// batch in one transaction, so there is no window with a mixed set.
func (r *backupCodeRepoImpl) ReplaceBatch(ctx context.Context, userID uuid.UUID, codeHashes []string) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to clear backup codes: %w", err)
		}

		query := `
			INSERT INTO mfa_backup_codes (user_id, code_hash)
			SELECT $1, unnest($2::text[])
		`
		if _, err := tx.Exec(ctx, query, userID, codeHashes); err != nil {
			return fmt.Errorf("failed to store backup codes: %w", err)
		}

		return nil
	})
}

// ListActive returns the user's unconsumed codes for hash comparison.
func (r *backupCodeRepoImpl) ListActive(ctx context.Context, userID uuid.UUID) ([]*models.BackupCode, error) {
	query := `
		SELECT id, user_id, code_hash, used, used_at, created_at
		FROM mfa_backup_codes
		WHERE user_id = $1 AND used = FALSE
		ORDER BY created_at
	`

	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query backup codes: %w", err)
	}
	defer rows.Close()

	codes := make([]*models.BackupCode, 0)
	for rows.Next() {
		code, err := scanBackupCodeRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backup code: %w", err)
		}
		codes = append(codes, code)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backup codes: %w", err)
	}

	return codes, nil
}

// Consume marks a single code as used. The guard on used = FALSE makes the
// consume exactly-once: a concurrent attempt on the same code affects zero
// rows and gets ErrNotFound.
func (r *backupCodeRepoImpl) Consume(ctx context.Context, codeID uuid.UUID) error {
	query := `
		UPDATE mfa_backup_codes
		SET used = TRUE, used_at = NOW()
		WHERE id = $1 AND used = FALSE
	`

	result, err := r.db.Pool.Exec(ctx, query, codeID)
	if err != nil {
		return fmt.Errorf("failed to consume backup code: %w", err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

func (r *backupCodeRepoImpl) CountRemaining(ctx context.Context, userID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM mfa_backup_codes WHERE user_id = $1 AND used = FALSE`

	var count int
	if err := r.db.Pool.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count backup codes: %w", err)
	}

	return count, nil
}
