package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-ledger/internal/apperr"
	"github.com/ksred/klear-ledger/internal/types"
)

// Database is the wallet store and transaction log
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// WithTx returns a Database bound to an open transaction
func (d *Database) WithTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

// DB exposes the underlying handle so other packages can join a ledger transaction
func (d *Database) DB() *gorm.DB {
	return d.db
}

func (d *Database) GetWallet(ctx context.Context, userID string, accountType types.AccountType) (*types.Wallet, error) {
	var wallet types.Wallet
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND account_type = ?", userID, accountType).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrWalletNotFound.Withf("no %s wallet for user %s", accountType, userID)
		}
		return nil, apperr.Dependency(err, "failed to load wallet")
	}
	return &wallet, nil
}

func (d *Database) CreateWallet(ctx context.Context, wallet *types.Wallet) error {
	if wallet.Version == 0 {
		wallet.Version = 1
	}
	return d.db.WithContext(ctx).Create(wallet).Error
}

// UpdateWallet writes all four sub-balances in one statement, guarded by the version
// the caller read. A stale version affects no rows and reports ErrConcurrentModification.
func (d *Database) UpdateWallet(ctx context.Context, wallet *types.Wallet, expectedVersion int64) error {
	now := time.Now()
	result := d.db.WithContext(ctx).
		Model(&types.Wallet{}).
		Where("id = ? AND version = ?", wallet.ID, expectedVersion).
		Updates(map[string]interface{}{
			"total_balance":       wallet.TotalBalance,
			"trading_balance":     wallet.TradingBalance,
			"bot_trading_balance": wallet.BotTradingBalance,
			"bonus_balance":       wallet.BonusBalance,
			"version":             expectedVersion + 1,
			"updated_at":          now,
		})
	if result.Error != nil {
		return apperr.Dependency(result.Error, "failed to update wallet")
	}
	if result.RowsAffected == 0 {
		return apperr.ErrConcurrentModification.Withf("wallet %s/%s changed since version %d", wallet.UserID, wallet.AccountType, expectedVersion)
	}

	wallet.Version = expectedVersion + 1
	wallet.UpdatedAt = now
	return nil
}

func (d *Database) CreateTransaction(ctx context.Context, txn *types.Transaction) error {
	if err := d.db.WithContext(ctx).Create(txn).Error; err != nil {
		return apperr.Dependency(err, "failed to append transaction")
	}
	return nil
}

func (d *Database) GetTransaction(ctx context.Context, transactionID string) (*types.Transaction, error) {
	var txn types.Transaction
	if err := d.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.ErrNotFound, "TRANSACTION_NOT_FOUND", "transaction not found")
		}
		return nil, apperr.Dependency(err, "failed to load transaction")
	}
	return &txn, nil
}

// ListTransactions returns the newest transactions first
func (d *Database) ListTransactions(ctx context.Context, userID string, accountType types.AccountType, limit, offset int) ([]types.Transaction, error) {
	var txns []types.Transaction
	query := d.db.WithContext(ctx).Where("user_id = ?", userID)
	if accountType != "" {
		query = query.Where("account_type = ?", accountType)
	}
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&txns).Error; err != nil {
		return nil, apperr.Dependency(err, "failed to list transactions")
	}
	return txns, nil
}

// AllTransactions returns the full log of one wallet, oldest first
func (d *Database) AllTransactions(ctx context.Context, userID string, accountType types.AccountType) ([]types.Transaction, error) {
	var txns []types.Transaction
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND account_type = ?", userID, accountType).
		Order("id ASC").
		Find(&txns).Error
	if err != nil {
		return nil, apperr.Dependency(err, "failed to load transactions")
	}
	return txns, nil
}

// UpdateTransactionStatus is the only mutation allowed on an appended transaction
func (d *Database) UpdateTransactionStatus(ctx context.Context, transactionID string, from, to types.TransactionStatus) error {
	result := d.db.WithContext(ctx).
		Model(&types.Transaction{}).
		Where("transaction_id = ? AND status = ?", transactionID, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	if result.Error != nil {
		return apperr.Dependency(result.Error, "failed to update transaction status")
	}
	if result.RowsAffected == 0 {
		return apperr.ErrAlreadyProcessed.Withf("transaction %s is no longer %s", transactionID, from)
	}
	return nil
}

func (d *Database) GetIdempotencyRecord(ctx context.Context, userID, key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.WithContext(ctx).Where("user_id = ? AND idempotency_key = ?", userID, key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, apperr.Dependency(err, "failed to load idempotency record")
	}
	return &record, nil
}

func (d *Database) CreateIdempotencyRecord(ctx context.Context, record *IdempotencyRecord) error {
	if err := d.db.WithContext(ctx).Create(record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperr.ErrDuplicateRequest.Withf("idempotency key %s already used", record.IdempotencyKey)
		}
		return apperr.Dependency(err, "failed to store idempotency record")
	}
	return nil
}

func (d *Database) DeleteIdempotencyRecord(ctx context.Context, record *IdempotencyRecord) error {
	return d.db.WithContext(ctx).Unscoped().Delete(record).Error
}
