package plans

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-ledger/internal/apperr"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) WithTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

func (d *Database) CreateRequest(ctx context.Context, r *PlanRequest) error {
	if err := d.db.WithContext(ctx).Create(r).Error; err != nil {
		return apperr.Dependency(err, "failed to create plan request")
	}
	return nil
}

func (d *Database) GetRequest(ctx context.Context, requestID string) (*PlanRequest, error) {
	var r PlanRequest
	if err := d.db.WithContext(ctx).Where("request_id = ?", requestID).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrRequestNotFound
		}
		return nil, apperr.Dependency(err, "failed to load plan request")
	}
	return &r, nil
}

func (d *Database) HasPending(ctx context.Context, userID string) (bool, error) {
	var n int64
	if err := d.db.WithContext(ctx).Model(&PlanRequest{}).
		Where("user_id = ? AND status = ?", userID, StatusPending).
		Count(&n).Error; err != nil {
		return false, apperr.Dependency(err, "failed to check pending plan requests")
	}
	return n > 0, nil
}

func (d *Database) ListRequests(ctx context.Context, userID string, status RequestStatus, limit int) ([]PlanRequest, error) {
	var requests []PlanRequest
	query := d.db.WithContext(ctx)
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&requests).Error; err != nil {
		return nil, apperr.Dependency(err, "failed to list plan requests")
	}
	return requests, nil
}

// Resolve moves a pending request to its final status. Only one reviewer can win.
func (d *Database) Resolve(ctx context.Context, r *PlanRequest, status RequestStatus, reviewer, reason string, startsAt, endsAt *time.Time) error {
	result := d.db.WithContext(ctx).Model(&PlanRequest{}).
		Where("request_id = ? AND status = ?", r.RequestID, StatusPending).
		Updates(map[string]interface{}{
			"status":      status,
			"reviewed_by": reviewer,
			"reason":      reason,
			"starts_at":   startsAt,
			"ends_at":     endsAt,
		})
	if result.Error != nil {
		return apperr.Dependency(result.Error, "failed to update plan request")
	}
	if result.RowsAffected == 0 {
		return apperr.ErrAlreadyProcessed.Withf("plan request %s is no longer pending", r.RequestID)
	}

	r.Status = status
	r.ReviewedBy = reviewer
	r.Reason = reason
	r.StartsAt = startsAt
	r.EndsAt = endsAt
	return nil
}

// CancelSiblings cancels every other pending request of the user
func (d *Database) CancelSiblings(ctx context.Context, userID, keepRequestID string) (int64, error) {
	result := d.db.WithContext(ctx).Model(&PlanRequest{}).
		Where("user_id = ? AND status = ? AND request_id <> ?", userID, StatusPending, keepRequestID).
		Updates(map[string]interface{}{
			"status": StatusCancelled,
			"reason": "superseded by request " + keepRequestID,
		})
	if result.Error != nil {
		return 0, apperr.Dependency(result.Error, "failed to cancel pending plan requests")
	}
	return result.RowsAffected, nil
}
