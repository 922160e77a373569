package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/cdmorrow/vigil/internal/database"
	"github.com/cdmorrow/vigil/internal/models"
	"github.com/google/uuid"
)

// RecoveryTokenRepository is the bookkeeping side of recovery tokens. The
// signed JWT proves authenticity; the row here enforces single use.
type RecoveryTokenRepository interface {
	Insert(ctx context.Context, token *models.RecoveryToken) error
	Consume(ctx context.Context, tokenID, userID uuid.UUID) error
	GetByID(ctx context.Context, tokenID uuid.UUID) (*models.RecoveryToken, error)
	DeleteExpired(ctx context.Context, threshold time.Time) (int64, error)
}

type recoveryTokenRepoImpl struct {
	db *database.DB
}

func NewRecoveryTokenRepository(db *database.DB) RecoveryTokenRepository {
	return &recoveryTokenRepoImpl{db: db}
}

func scanRecoveryTokenRow(scanner rowScanner) (*models.RecoveryToken, error) {
	var token models.RecoveryToken
	err := scanner.Scan(
		&token.TokenID, &token.UserID,
		&token.IssuedAt, &token.ExpiresAt, &token.ConsumedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &token, nil
}

func (r *recoveryTokenRepoImpl) Insert(ctx context.Context, token *models.RecoveryToken) error {
	query := `
		INSERT INTO recovery_tokens (token_id, user_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		token.TokenID, token.UserID, token.IssuedAt, token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert recovery token: %w", database.MapPostgresError(err))
	}

	return nil
}

// Consume claims the token for the given user. The WHERE clause carries the
// whole contract: right owner, not yet consumed, not past its deadline.
// Anything else affects zero rows and returns ErrNotFound for the caller to
// classify.
func (r *recoveryTokenRepoImpl) Consume(ctx context.Context, tokenID, userID uuid.UUID) error {
	query := `
		UPDATE recovery_tokens
		SET consumed_at = NOW()
		WHERE token_id = $1 AND user_id = $2 AND consumed_at IS NULL AND expires_at > NOW()
	`

	result, err := r.db.Pool.Exec(ctx, query, tokenID, userID)
	if err != nil {
		return fmt.Errorf("failed to consume recovery token: %w", database.MapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

func (r *recoveryTokenRepoImpl) GetByID(ctx context.Context, tokenID uuid.UUID) (*models.RecoveryToken, error) {
	query := `
		SELECT token_id, user_id, issued_at, expires_at, consumed_at
		FROM recovery_tokens
		WHERE token_id = $1
	`

	token, err := scanRecoveryTokenRow(r.db.Pool.QueryRow(ctx, query, tokenID))
	if err != nil {
		return nil, err
	}

	return token, nil
}

// DeleteExpired prunes rows whose deadline passed before the threshold.
// Consumed rows inside the window are kept for audit until they expire too.
func (r *recoveryTokenRepoImpl) DeleteExpired(ctx context.Context, threshold time.Time) (int64, error) {
	query := `DELETE FROM recovery_tokens WHERE expires_at < $1`

	result, err := r.db.Pool.Exec(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired recovery tokens: %w", err)
	}

	return result.RowsAffected(), nil
}
