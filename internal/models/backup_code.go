package models

import (
	"time"

	"github.com/google/uuid"
)

// BackupCode is one single-use recovery code. Only the bcrypt hash is stored;
// a code is either unused or permanently used, never reset.
type BackupCode struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	CodeHash  string
	Used      bool
	UsedAt    *time.Time
	CreatedAt time.Time
}
