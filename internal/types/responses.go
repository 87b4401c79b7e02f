package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceResponse is the wallet view returned by the balance endpoint
type BalanceResponse struct {
	UserID            string          `json:"user_id"`
	AccountType       AccountType     `json:"account_type"`
	TotalBalance      decimal.Decimal `json:"total_balance"`
	TradingBalance    decimal.Decimal `json:"trading_balance"`
	BotTradingBalance decimal.Decimal `json:"bot_trading_balance"`
	BonusBalance      decimal.Decimal `json:"bonus_balance"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func NewBalanceResponse(w *Wallet) BalanceResponse {
	return BalanceResponse{
		UserID:            w.UserID,
		AccountType:       w.AccountType,
		TotalBalance:      w.TotalBalance,
		TradingBalance:    w.TradingBalance,
		BotTradingBalance: w.BotTradingBalance,
		BonusBalance:      w.BonusBalance,
		UpdatedAt:         w.UpdatedAt,
	}
}

// MutationResponse is returned by every balance-changing endpoint
type MutationResponse struct {
	Balance     BalanceResponse `json:"balance"`
	Transaction *Transaction    `json:"transaction"`
	Replayed    bool            `json:"replayed,omitempty"`
}

// ReconciliationResult compares the summed transaction deltas with the stored wallet
type ReconciliationResult struct {
	UserID      string                           `json:"user_id"`
	AccountType AccountType                      `json:"account_type"`
	Balanced    bool                             `json:"balanced"`
	Fields      map[BalanceField]FieldComparison `json:"fields"`
}

type FieldComparison struct {
	Stored     decimal.Decimal `json:"stored"`
	Calculated decimal.Decimal `json:"calculated"`
	Difference decimal.Decimal `json:"difference"`
}
