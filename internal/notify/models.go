package notify

import (
	"time"

	"gorm.io/gorm"
)

// Notification types used by the ledger
const (
	TypeInfo    = "info"
	TypeSuccess = "success"
	TypeWarning = "warning"
	TypeError   = "error"
)

type Notification struct {
	gorm.Model     `json:"-"`
	NotificationID string    `gorm:"size:36;uniqueIndex" json:"notification_id"`
	UserID         string    `gorm:"size:36;not null;index" json:"user_id"`
	Title          string    `gorm:"size:255;not null" json:"title"`
	Message        string    `gorm:"type:text" json:"message"`
	Type           string    `gorm:"size:16;not null" json:"type"`
	IsRead         bool      `gorm:"not null;default:false" json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}
