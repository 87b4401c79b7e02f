package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type AccountType string

const (
	AccountDemo AccountType = "demo"
	AccountLive AccountType = "live"
)

func (a AccountType) Valid() bool {
	return a == AccountDemo || a == AccountLive
}

// ParseAccountType falls back to def when s is empty
func ParseAccountType(s string, def AccountType) (AccountType, error) {
	if s == "" {
		return def, nil
	}
	a := AccountType(strings.ToLower(s))
	if !a.Valid() {
		return "", fmt.Errorf("unknown account type %q", s)
	}
	return a, nil
}

// BalanceField names one of the four sub-balances of a wallet
type BalanceField string

const (
	BalanceTotal      BalanceField = "total"
	BalanceTrading    BalanceField = "trading"
	BalanceBotTrading BalanceField = "bot_trading"
	BalanceBonus      BalanceField = "bonus"
)

// ParseBalanceField accepts both short names and column names (e.g. "trading_balance")
func ParseBalanceField(s string) (BalanceField, error) {
	f := BalanceField(strings.TrimSuffix(strings.ToLower(s), "_balance"))
	switch f {
	case BalanceTotal, BalanceTrading, BalanceBotTrading, BalanceBonus:
		return f, nil
	}
	return "", fmt.Errorf("unknown balance field %q", s)
}

type TransactionType string

const (
	TxDeposit       TransactionType = "deposit"
	TxWithdrawal    TransactionType = "withdrawal"
	TxTransfer      TransactionType = "transfer"
	TxTradeBuy      TransactionType = "trade_buy"
	TxTradeSell     TransactionType = "trade_sell"
	TxTradeProfit   TransactionType = "trade_profit"
	TxTradeLoss     TransactionType = "trade_loss"
	TxBotAllocation TransactionType = "bot_allocation"
	TxBotProfit     TransactionType = "bot_profit"
	TxBotLoss       TransactionType = "bot_loss"
	TxAdminCredit   TransactionType = "admin_credit"
	TxPlanUpgrade   TransactionType = "plan_upgrade"
	TxRefund        TransactionType = "refund"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// Wallet holds the four sub-balances of one (user, account type) pair.
// Version is bumped on every write and guards against lost updates.
type Wallet struct {
	gorm.Model        `json:"-"`
	UserID            string          `gorm:"size:36;not null;uniqueIndex:idx_wallets_owner" json:"user_id"`
	AccountType       AccountType     `gorm:"size:8;not null;uniqueIndex:idx_wallets_owner" json:"account_type"`
	TotalBalance      decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"total_balance"`
	TradingBalance    decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"trading_balance"`
	BotTradingBalance decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"bot_trading_balance"`
	BonusBalance      decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"bonus_balance"`
	Version           int64           `gorm:"not null;default:1" json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (w *Wallet) Balance(f BalanceField) decimal.Decimal {
	switch f {
	case BalanceTotal:
		return w.TotalBalance
	case BalanceTrading:
		return w.TradingBalance
	case BalanceBotTrading:
		return w.BotTradingBalance
	case BalanceBonus:
		return w.BonusBalance
	}
	return decimal.Zero
}

func (w *Wallet) SetBalance(f BalanceField, v decimal.Decimal) {
	switch f {
	case BalanceTotal:
		w.TotalBalance = v
	case BalanceTrading:
		w.TradingBalance = v
	case BalanceBotTrading:
		w.BotTradingBalance = v
	case BalanceBonus:
		w.BonusBalance = v
	}
}

// NegativeField returns the first sub-balance below zero, if any
func (w *Wallet) NegativeField() (BalanceField, bool) {
	for _, f := range []BalanceField{BalanceTotal, BalanceTrading, BalanceBotTrading, BalanceBonus} {
		if w.Balance(f).IsNegative() {
			return f, true
		}
	}
	return "", false
}

// Transaction is an append-only ledger entry. The delta columns record the exact
// movement of every sub-balance so the log can be reconciled against the wallet.
type Transaction struct {
	gorm.Model      `json:"-"`
	TransactionID   string            `gorm:"size:36;uniqueIndex" json:"transaction_id"`
	UserID          string            `gorm:"size:36;not null;index:idx_transactions_owner" json:"user_id"`
	AccountType     AccountType       `gorm:"size:8;not null;index:idx_transactions_owner" json:"account_type"`
	Type            TransactionType   `gorm:"size:32;not null" json:"type"`
	Amount          decimal.Decimal   `gorm:"type:decimal(20,8);not null" json:"amount"`
	Status          TransactionStatus `gorm:"size:16;not null" json:"status"`
	ReferenceID     string            `gorm:"size:64" json:"reference_id,omitempty"`
	Description     string            `json:"description"`
	Metadata        string            `gorm:"type:text" json:"metadata,omitempty"`
	TotalDelta      decimal.Decimal   `gorm:"type:decimal(20,8);not null" json:"total_delta"`
	TradingDelta    decimal.Decimal   `gorm:"type:decimal(20,8);not null" json:"trading_delta"`
	BotTradingDelta decimal.Decimal   `gorm:"type:decimal(20,8);not null" json:"bot_trading_delta"`
	BonusDelta      decimal.Decimal   `gorm:"type:decimal(20,8);not null" json:"bonus_delta"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Delta returns the recorded movement of one sub-balance
func (t *Transaction) Delta(f BalanceField) decimal.Decimal {
	switch f {
	case BalanceTotal:
		return t.TotalDelta
	case BalanceTrading:
		return t.TradingDelta
	case BalanceBotTrading:
		return t.BotTradingDelta
	case BalanceBonus:
		return t.BonusDelta
	}
	return decimal.Zero
}
