package bots

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-ledger/internal/types"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
)

// Config holds the sizing and exit parameters of a bot run. TakeProfit and StopLoss
// are percentages of the allocated amount; zero disables them.
type Config struct {
	RiskPercent decimal.Decimal `json:"riskPercent"`
	Leverage    decimal.Decimal `json:"leverage"`
	TakeProfit  decimal.Decimal `json:"takeProfit"`
	StopLoss    decimal.Decimal `json:"stopLoss"`
}

type BotTrade struct {
	gorm.Model      `json:"-"`
	TradeID         string            `gorm:"size:36;uniqueIndex" json:"trade_id"`
	UserID          string            `gorm:"size:36;not null;index:idx_bot_trades_owner" json:"user_id"`
	AccountType     types.AccountType `gorm:"size:8;not null;index:idx_bot_trades_owner" json:"account_type"`
	Symbol          string            `gorm:"size:32;not null" json:"symbol"`
	Category        string            `gorm:"size:32" json:"category"`
	Strategy        string            `gorm:"size:32;not null" json:"strategy"`
	Config          Config            `gorm:"serializer:json;type:text" json:"config"`
	EntryPrice      decimal.Decimal   `gorm:"type:decimal(20,8);not null" json:"entry_price"`
	CurrentPrice    decimal.Decimal   `gorm:"type:decimal(20,8)" json:"current_price"`
	AllocatedAmount decimal.Decimal   `gorm:"type:decimal(20,8);not null" json:"allocated_amount"`
	RiskAmount      decimal.Decimal   `gorm:"type:decimal(20,8);not null" json:"risk_amount"`
	Status          Status            `gorm:"size:16;not null;index" json:"status"`
	ProfitLoss      decimal.Decimal   `gorm:"type:decimal(20,8);not null;default:0" json:"profit_loss"`
	StoppedAt       *time.Time        `json:"stopped_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// IsShort reports whether the strategy profits from falling prices
func (b *BotTrade) IsShort() bool {
	return isShortStrategy(b.Strategy)
}

// StartRequest starts a bot. The entry price always comes from the price feed.
type StartRequest struct {
	Symbol      string            `json:"symbol" binding:"required"`
	Category    string            `json:"category"`
	Strategy    string            `json:"strategy" binding:"required"`
	Config      Config            `json:"config"`
	AccountType types.AccountType `json:"accountType"`
}

type Result struct {
	Trade       *BotTrade             `json:"trade"`
	Balance     types.BalanceResponse `json:"balance"`
	Transaction *types.Transaction    `json:"transaction"`
}
