package ledger

import (
	"time"

	"gorm.io/gorm"
)

// IdempotencyRecord ties a client supplied key to the transaction it produced.
// Keys are unique per wallet owner.
type IdempotencyRecord struct {
	gorm.Model
	UserID         string    `gorm:"size:36;uniqueIndex:idx_idempotency_records_user_key" json:"user_id"`
	IdempotencyKey string    `gorm:"size:128;uniqueIndex:idx_idempotency_records_user_key" json:"idempotency_key"`
	RequestHash    string    `gorm:"size:64" json:"request_hash"`
	ResourceID     string    `gorm:"size:36" json:"resource_id"`
	ResourceType   string    `gorm:"size:32" json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
