package models

import (
	"time"

	"github.com/google/uuid"
)

// RecoveryTokenTTL is the fixed lifetime of a reset-scoped token. There is no
// refresh; an expired window restarts from backup-code verification.
const RecoveryTokenTTL = 10 * time.Minute

// RecoveryToken is the single-use bookkeeping row behind a reset-scoped JWT.
// TokenID mirrors the JWT jti claim.
type RecoveryToken struct {
	TokenID    uuid.UUID
	UserID     uuid.UUID
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// IsExpired checks the token against its expiry deadline
func (t *RecoveryToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// IsConsumed reports whether the token has already authorized a reset
func (t *RecoveryToken) IsConsumed() bool {
	return t.ConsumedAt != nil
}
