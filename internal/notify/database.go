package notify

import (
	"context"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Create(ctx context.Context, n *Notification) error {
	return d.db.WithContext(ctx).Create(n).Error
}

func (d *Database) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	var notifications []Notification
	query := d.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		query = query.Where("is_read = ?", false)
	}
	err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&notifications).Error
	return notifications, err
}

func (d *Database) CountUnread(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&count).Error
	return count, err
}

// MarkRead flags one notification as read. The user id scopes the update to the owner.
func (d *Database) MarkRead(ctx context.Context, userID, notificationID string) (int64, error) {
	result := d.db.WithContext(ctx).Model(&Notification{}).
		Where("notification_id = ? AND user_id = ?", notificationID, userID).
		Update("is_read", true)
	return result.RowsAffected, result.Error
}

func (d *Database) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	result := d.db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Update("is_read", true)
	return result.RowsAffected, result.Error
}

func (d *Database) Delete(ctx context.Context, userID, notificationID string) (int64, error) {
	result := d.db.WithContext(ctx).
		Where("notification_id = ? AND user_id = ?", notificationID, userID).
		Delete(&Notification{})
	return result.RowsAffected, result.Error
}

func (d *Database) DeleteAll(ctx context.Context, userID string) (int64, error) {
	result := d.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&Notification{})
	return result.RowsAffected, result.Error
}
