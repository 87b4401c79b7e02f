package auth

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

func (d *Database) CreateProfile(ctx context.Context, p *Profile) error {
	if err := d.db.WithContext(ctx).Create(p).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperr.ErrEmailTaken
		}
		return apperr.Dependency(err, "failed to create profile")
	}
	return nil
}

func (d *Database) getBy(ctx context.Context, column, value string) (*Profile, error) {
	var p Profile
	if err := d.db.WithContext(ctx).Where(column+" = ?", value).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrUserNotFound
		}
		return nil, apperr.Dependency(err, "failed to load profile")
	}
	return &p, nil
}

func (d *Database) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	return d.getBy(ctx, "user_id", userID)
}

func (d *Database) GetProfileByEmail(ctx context.Context, email string) (*Profile, error) {
	return d.getBy(ctx, "email", email)
}

func (d *Database) SetRole(ctx context.Context, userID, role string) error {
	return d.update(ctx, userID, map[string]interface{}{"role": role})
}

// SetPlan changes the current plan. A nil expiry means the plan never lapses.
func (d *Database) SetPlan(ctx context.Context, userID, plan string, expiresAt *time.Time) error {
	return d.update(ctx, userID, map[string]interface{}{
		"current_plan":    plan,
		"plan_expires_at": expiresAt,
	})
}

func (d *Database) update(ctx context.Context, userID string, fields map[string]interface{}) error {
	result := d.db.WithContext(ctx).Model(&Profile{}).Where("user_id = ?", userID).Updates(fields)
	if result.Error != nil {
		return apperr.Dependency(result.Error, "failed to update profile")
	}
	if result.RowsAffected == 0 {
		return apperr.ErrUserNotFound
	}
	return nil
}

// ExpirePlans reverts every profile whose plan lapsed before now to basic
func (d *Database) ExpirePlans(ctx context.Context, now time.Time) ([]Profile, error) {
	var expired []Profile
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("plan_expires_at IS NOT NULL AND plan_expires_at <= ? AND current_plan <> ?", now, PlanBasic).
			Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}

		ids := make([]uint, 0, len(expired))
		for _, p := range expired {
			ids = append(ids, p.ID)
		}
		return tx.Model(&Profile{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"current_plan":    PlanBasic,
			"plan_expires_at": nil,
		}).Error
	})
	if err != nil {
		return nil, apperr.Dependency(err, "failed to expire plans")
	}
	return expired, nil
}
