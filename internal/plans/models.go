package plans

import (
	"time"

	"gorm.io/gorm"
)

const (
	PlanBasic = "basic"
	PlanPro   = "pro"
	PlanElite = "elite"
)

// durations maps a plan to how long an approval lasts. Plans missing here never expire.
var durations = map[string]time.Duration{
	PlanPro:   7 * 24 * time.Hour,
	PlanElite: 30 * 24 * time.Hour,
}

func validPlan(plan string) bool {
	switch plan {
	case PlanBasic, PlanPro, PlanElite:
		return true
	}
	return false
}

// EndsAt returns when a plan approved at start lapses, or nil for open-ended plans
func EndsAt(plan string, start time.Time) *time.Time {
	d, ok := durations[plan]
	if !ok {
		return nil
	}
	end := start.Add(d)
	return &end
}

type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusActive    RequestStatus = "active"
	StatusRejected  RequestStatus = "rejected"
	StatusCancelled RequestStatus = "cancelled"
)

// PlanRequest is a user's request to move to a paid plan
type PlanRequest struct {
	gorm.Model `json:"-"`
	RequestID  string        `gorm:"size:36;uniqueIndex" json:"request_id"`
	UserID     string        `gorm:"size:36;not null;index" json:"user_id"`
	Plan       string        `gorm:"size:16;not null" json:"plan"`
	Status     RequestStatus `gorm:"size:16;not null;index" json:"status"`
	Reason     string        `json:"reason,omitempty"`
	StartsAt   *time.Time    `json:"starts_at,omitempty"`
	EndsAt     *time.Time    `json:"ends_at,omitempty"`
	ReviewedBy string        `gorm:"size:36" json:"reviewed_by,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

func (PlanRequest) TableName() string {
	return "user_plans"
}

type UpgradeRequest struct {
	Plan string `json:"plan" binding:"required"`
}

type ReviewRequest struct {
	RequestID string `json:"requestId" binding:"required"`
	Reason    string `json:"reason"`
}

type UpdatePlanRequest struct {
	UserID string `json:"userId" binding:"required"`
	Plan   string `json:"plan" binding:"required"`
}
