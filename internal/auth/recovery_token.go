package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cdmorrow/vigil/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// RecoveryTokenStore is the persistence contract for single-use bookkeeping.
// Consume must be one guarded update (WHERE consumed_at IS NULL) and return
// models.ErrNotFound when no row was claimed, so that two concurrent
// validations of the same token can never both succeed.
type RecoveryTokenStore interface {
	Insert(ctx context.Context, token *models.RecoveryToken) error
	Consume(ctx context.Context, tokenID, userID uuid.UUID) error
	GetByID(ctx context.Context, tokenID uuid.UUID) (*models.RecoveryToken, error)
}

// RecoveryTokenManager issues and validates the short-lived token minted
// after a successful backup-code check. The token is a signed JWT whose
// type claim is accepted by exactly one operation (MFA reset) and whose jti
// maps to a consumable row; validation and consumption are a single step.
type RecoveryTokenManager struct {
	secret string
	ttl    time.Duration
	store  RecoveryTokenStore
}

// NewRecoveryTokenManager creates a manager with the given signing secret and
// token lifetime. A zero ttl selects the 10-minute default.
func NewRecoveryTokenManager(secret string, ttl time.Duration, store RecoveryTokenStore) *RecoveryTokenManager {
	if ttl <= 0 {
		ttl = models.RecoveryTokenTTL
	}
	return &RecoveryTokenManager{
		secret: secret,
		ttl:    ttl,
		store:  store,
	}
}

// TTL returns the configured token lifetime
func (rm *RecoveryTokenManager) TTL() time.Duration {
	return rm.ttl
}

// Issue mints a reset-scoped token for the user and records its jti for
// single-use enforcement. The signed token is returned exactly once; only
// its bookkeeping row is persisted.
func (rm *RecoveryTokenManager) Issue(ctx context.Context, userID uuid.UUID) (string, error) {
	tokenID := uuid.New()
	now := time.Now()

	record := &models.RecoveryToken{
		TokenID:   tokenID,
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(rm.ttl),
	}

	claims := &models.TokenClaims{
		Type:   models.TokenTypeMFAReset,
		UserID: userID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID.String(),
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(record.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := signClaims(rm.secret, claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign recovery token: %w", err)
	}

	// The row goes in before the token goes out: a token without a row is
	// dead on arrival, never the other way round.
	if err := rm.store.Insert(ctx, record); err != nil {
		return "", fmt.Errorf("failed to store recovery token: %w", err)
	}

	return signed, nil
}

// Validate checks signature, expiry, scope and subject, then atomically
// consumes the token. Every successful Validate beyond the first returns
// models.ErrTokenConsumed; there is no separate consume step to forget.
func (rm *RecoveryTokenManager) Validate(ctx context.Context, tokenString string, userID uuid.UUID) error {
	claims, err := parseHMACClaims(rm.secret, tokenString)
	if err != nil {
		return err
	}

	if claims.Type != models.TokenTypeMFAReset {
		return fmt.Errorf("token type %q cannot authorize a reset: %w", claims.Type, models.ErrTokenScope)
	}

	subject, err := SubjectID(claims)
	if err != nil {
		return err
	}
	if subject != userID {
		return fmt.Errorf("token subject mismatch: %w", models.ErrTokenScope)
	}

	tokenID, err := uuid.Parse(claims.ID)
	if err != nil {
		return fmt.Errorf("malformed token id: %w", models.ErrUnauthorized)
	}

	err = rm.store.Consume(ctx, tokenID, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to consume recovery token: %w", err)
	}

	// The guarded update claimed nothing. Classification below is read-only;
	// the race-sensitive decision already happened.
	record, lookupErr := rm.store.GetByID(ctx, tokenID)
	switch {
	case errors.Is(lookupErr, models.ErrNotFound):
		return models.ErrTokenExpired
	case lookupErr != nil:
		return fmt.Errorf("failed to look up recovery token: %w", lookupErr)
	case record.IsConsumed():
		return models.ErrTokenConsumed
	default:
		return models.ErrTokenExpired
	}
}
