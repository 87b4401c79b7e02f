package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/klear-ledger/internal/bots"
	"github.com/ksred/klear-ledger/internal/trading"
)

// AddTradingTables creates manual and bot trade tables and their listing indexes
func AddTradingTables(db *gorm.DB) error {
	if err := db.AutoMigrate(&trading.Trade{}, &bots.BotTrade{}); err != nil {
		return err
	}

	return createIndexes(db, []index{
		// Composite index for the open positions view
		{"manual_trades", "idx_manual_trades_user_status", "user_id, status"},
		{"bot_trades", "idx_bot_trades_user_status", "user_id, status"},
		{"manual_trades", "idx_manual_trades_created_at", "created_at"},
	})
}
