package migrations

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/types"
)

type index struct {
	table   string
	name    string
	columns string
}

// CreateLedger creates wallets, the transaction log and idempotency records
func CreateLedger(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Wallet{}, &types.Transaction{}, &ledger.IdempotencyRecord{}); err != nil {
		return err
	}

	return createIndexes(db, []index{
		// history listing is always newest first per wallet
		{"transactions", "idx_transactions_history", "user_id, account_type, created_at"},
		// withdrawal review and trade lookups go through the reference
		{"transactions", "idx_transactions_reference", "reference_id"},
		{"idempotency_records", "idx_idempotency_records_expires_at", "expires_at"},
	})
}

// createIndexes uses raw SQL so composite indexes stay under our control on every driver
func createIndexes(db *gorm.DB, indexes []index) error {
	for _, idx := range indexes {
		if db.Migrator().HasIndex(idx.table, idx.name) {
			continue
		}
		if err := db.Exec(fmt.Sprintf("CREATE INDEX %s ON %s(%s)", idx.name, idx.table, idx.columns)).Error; err != nil {
			return err
		}
	}
	return nil
}
