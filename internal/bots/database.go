package bots

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

func (d *Database) CreateBotTrade(ctx context.Context, trade *BotTrade) error {
	if err := d.db.WithContext(ctx).Create(trade).Error; err != nil {
		return apperr.Dependency(err, "failed to create bot trade")
	}
	return nil
}

func (d *Database) GetBotTrade(ctx context.Context, userID, tradeID string) (*BotTrade, error) {
	var trade BotTrade
	if err := d.db.WithContext(ctx).Where("trade_id = ? AND user_id = ?", tradeID, userID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrTradeNotFound
		}
		return nil, apperr.Dependency(err, "failed to load bot trade")
	}
	return &trade, nil
}

func (d *Database) ListBotTrades(ctx context.Context, userID string, accountType types.AccountType, status Status, limit int) ([]BotTrade, error) {
	var trades []BotTrade
	query := d.db.WithContext(ctx).Where("user_id = ?", userID)
	if accountType != "" {
		query = query.Where("account_type = ?", accountType)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&trades).Error; err != nil {
		return nil, apperr.Dependency(err, "failed to list bot trades")
	}
	return trades, nil
}

// FinishBotTrade moves an active bot trade to its final status
func (d *Database) FinishBotTrade(ctx context.Context, trade *BotTrade) error {
	result := d.db.WithContext(ctx).Model(&BotTrade{}).
		Where("trade_id = ? AND status = ?", trade.TradeID, StatusActive).
		Updates(map[string]interface{}{
			"current_price": trade.CurrentPrice,
			"status":        trade.Status,
			"profit_loss":   trade.ProfitLoss,
			"stopped_at":    trade.StoppedAt,
		})
	if result.Error != nil {
		return apperr.Dependency(result.Error, "failed to update bot trade")
	}
	if result.RowsAffected == 0 {
		return apperr.ErrAlreadyStopped.Withf("bot trade %s is no longer active", trade.TradeID)
	}
	return nil
}
