// Package testutil builds isolated in-memory databases for package tests.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-ledger/internal/types"
)

var dbCounter int64

// NewDB opens a private in-memory sqlite database and migrates the given models
// along with wallets and transactions.
func NewDB(t *testing.T, models ...interface{}) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, atomic.AddInt64(&dbCounter, 1))

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// a single connection keeps the shared in-memory database alive and serialises writers
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	all := append([]interface{}{&types.Wallet{}, &types.Transaction{}}, models...)
	require.NoError(t, db.AutoMigrate(all...))

	return db
}

// Dec parses a decimal literal and panics on malformed input
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// SeedWallet inserts a wallet with the given total, trading, bot and bonus balances
// and the matching deposit transaction so the ledger reconciles.
func SeedWallet(t *testing.T, db *gorm.DB, userID string, accountType types.AccountType, total, trading, bot, bonus string) *types.Wallet {
	t.Helper()

	w := &types.Wallet{
		UserID:            userID,
		AccountType:       accountType,
		TotalBalance:      Dec(total),
		TradingBalance:    Dec(trading),
		BotTradingBalance: Dec(bot),
		BonusBalance:      Dec(bonus),
		Version:           1,
	}
	require.NoError(t, db.Create(w).Error)

	seed := &types.Transaction{
		TransactionID:   fmt.Sprintf("seed-%s-%s", userID, accountType),
		UserID:          userID,
		AccountType:     accountType,
		Type:            types.TxDeposit,
		Amount:          w.TotalBalance.Add(w.TradingBalance).Add(w.BotTradingBalance).Add(w.BonusBalance),
		Status:          types.TxCompleted,
		Description:     "test seed",
		TotalDelta:      w.TotalBalance,
		TradingDelta:    w.TradingBalance,
		BotTradingDelta: w.BotTradingBalance,
		BonusDelta:      w.BonusBalance,
	}
	require.NoError(t, db.Create(seed).Error)

	return w
}

// LoadWallet reads the current wallet state straight from the database
func LoadWallet(t *testing.T, db *gorm.DB, userID string, accountType types.AccountType) *types.Wallet {
	t.Helper()

	var w types.Wallet
	require.NoError(t, db.Where("user_id = ? AND account_type = ?", userID, accountType).First(&w).Error)
	return &w
}

// RecordingNotifier captures notifications in memory
type RecordingNotifier struct {
	mu      sync.Mutex
	Notices []Notice
}

type Notice struct {
	UserID  string
	Title   string
	Message string
	Type    string
}

func (n *RecordingNotifier) Notify(_ context.Context, userID, title, message, kind string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Notices = append(n.Notices, Notice{UserID: userID, Title: title, Message: message, Type: kind})
}

// Titles returns the recorded notification titles in order
func (n *RecordingNotifier) Titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	titles := make([]string, 0, len(n.Notices))
	for _, notice := range n.Notices {
		titles = append(titles, notice.Title)
	}
	return titles
}
