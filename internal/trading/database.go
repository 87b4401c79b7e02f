package trading

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ksred/klear-ledger/internal/apperr"
	"github.com/ksred/klear-ledger/internal/types"
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

func (d *Database) CreateTrade(ctx context.Context, trade *Trade) error {
	if err := d.db.WithContext(ctx).Create(trade).Error; err != nil {
		return apperr.Dependency(err, "failed to create trade")
	}
	return nil
}

func (d *Database) GetTrade(ctx context.Context, userID, tradeID string) (*Trade, error) {
	var trade Trade
	if err := d.db.WithContext(ctx).Where("trade_id = ? AND user_id = ?", tradeID, userID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrTradeNotFound
		}
		return nil, apperr.Dependency(err, "failed to load trade")
	}
	return &trade, nil
}

func (d *Database) ListTrades(ctx context.Context, userID string, accountType types.AccountType, status Status, limit int) ([]Trade, error) {
	var trades []Trade
	query := d.db.WithContext(ctx).Where("user_id = ?", userID)
	if accountType != "" {
		query = query.Where("account_type = ?", accountType)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&trades).Error; err != nil {
		return nil, apperr.Dependency(err, "failed to list trades")
	}
	return trades, nil
}

// UpdateTrade persists a (partial) close. A trade that is already closed is never written again.
func (d *Database) UpdateTrade(ctx context.Context, trade *Trade) error {
	result := d.db.WithContext(ctx).Model(&Trade{}).
		Where("trade_id = ? AND status <> ?", trade.TradeID, StatusClosed).
		Updates(map[string]interface{}{
			"current_price":    trade.CurrentPrice,
			"exit_price":       trade.ExitPrice,
			"quantity":         trade.Quantity,
			"closed_quantity":  trade.ClosedQuantity,
			"allocated_amount": trade.AllocatedAmount,
			"status":           trade.Status,
			"profit_loss":      trade.ProfitLoss,
			"closed_at":        trade.ClosedAt,
		})
	if result.Error != nil {
		return apperr.Dependency(result.Error, "failed to update trade")
	}
	if result.RowsAffected == 0 {
		return apperr.ErrAlreadyClosed.Withf("trade %s is already closed", trade.TradeID)
	}
	return nil
}
