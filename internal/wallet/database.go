package wallet

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

func (d *Database) CreateWithdrawal(ctx context.Context, w *Withdrawal) error {
	return d.db.WithContext(ctx).Create(w).Error
}

func (d *Database) GetWithdrawal(ctx context.Context, withdrawalID string) (*Withdrawal, error) {
	var w Withdrawal
	if err := d.db.WithContext(ctx).Where("withdrawal_id = ?", withdrawalID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrWithdrawalNotFound
		}
		return nil, apperr.Dependency(err, "failed to load withdrawal")
	}
	return &w, nil
}

func (d *Database) ListWithdrawals(ctx context.Context, userID string, status WithdrawalStatus, limit int) ([]Withdrawal, error) {
	var withdrawals []Withdrawal
	query := d.db.WithContext(ctx)
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&withdrawals).Error; err != nil {
		return nil, apperr.Dependency(err, "failed to list withdrawals")
	}
	return withdrawals, nil
}

// Review moves a pending withdrawal to its final status. Only one reviewer can win.
func (d *Database) Review(ctx context.Context, w *Withdrawal, status WithdrawalStatus, reviewer, reason string) error {
	now := time.Now()
	result := d.db.WithContext(ctx).Model(&Withdrawal{}).
		Where("withdrawal_id = ? AND status = ?", w.WithdrawalID, WithdrawalPending).
		Updates(map[string]interface{}{
			"status":      status,
			"reviewed_by": reviewer,
			"reviewed_at": now,
			"reason":      reason,
		})
	if result.Error != nil {
		return apperr.Dependency(result.Error, "failed to update withdrawal")
	}
	if result.RowsAffected == 0 {
		return apperr.ErrAlreadyProcessed.Withf("withdrawal %s has already been processed", w.WithdrawalID)
	}

	w.Status = status
	w.ReviewedBy = reviewer
	w.ReviewedAt = &now
	w.Reason = reason
	return nil
}
