package trading

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-ledger/internal/types"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

type Status string

const (
	StatusOpen            Status = "open"
	StatusPartiallyClosed Status = "partially_closed"
	StatusClosed          Status = "closed"
)

// Trade is a manual position. Quantity is what is still open.
type Trade struct {
	gorm.Model      `json:"-"`
	TradeID         string              `gorm:"size:36;uniqueIndex" json:"trade_id"`
	UserID          string              `gorm:"size:36;not null;index:idx_manual_trades_owner" json:"user_id"`
	AccountType     types.AccountType   `gorm:"size:8;not null;index:idx_manual_trades_owner" json:"account_type"`
	Symbol          string              `gorm:"size:32;not null" json:"symbol"`
	Category        string              `gorm:"size:32" json:"category"`
	Side            Side                `gorm:"size:8;not null" json:"side"`
	OrderType       OrderType           `gorm:"size:8;not null" json:"order_type"`
	EntryPrice      decimal.Decimal     `gorm:"type:decimal(20,8);not null" json:"entry_price"`
	CurrentPrice    decimal.Decimal     `gorm:"type:decimal(20,8)" json:"current_price"`
	ExitPrice       decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"exit_price"`
	Quantity        decimal.Decimal     `gorm:"type:decimal(20,8);not null" json:"quantity"`
	ClosedQuantity  decimal.Decimal     `gorm:"type:decimal(20,8);not null;default:0" json:"closed_quantity"`
	AllocatedAmount decimal.Decimal     `gorm:"type:decimal(20,8);not null" json:"allocated_amount"`
	Status          Status              `gorm:"size:16;not null;index" json:"status"`
	ProfitLoss      decimal.Decimal     `gorm:"type:decimal(20,8);not null;default:0" json:"profit_loss"`
	ClosedAt        *time.Time          `json:"closed_at,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

func (Trade) TableName() string {
	return "manual_trades"
}

// Direction is +1 for longs and -1 for shorts
func (t *Trade) Direction() decimal.Decimal {
	if t.Side == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OpenRequest opens a trade. Price is only the limit for limit orders, fills happen at the feed price.
type OpenRequest struct {
	Symbol      string            `json:"symbol" binding:"required"`
	Category    string            `json:"category"`
	Side        Side              `json:"side" binding:"required"`
	OrderType   OrderType         `json:"orderType"`
	Quantity    decimal.Decimal   `json:"quantity"`
	Amount      decimal.Decimal   `json:"amount"`
	Price       decimal.Decimal   `json:"price"`
	AccountType types.AccountType `json:"accountType"`
}

// CloseRequest closes all of a trade unless Quantity is set
type CloseRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
}

type Result struct {
	Trade       *Trade                `json:"trade"`
	Balance     types.BalanceResponse `json:"balance"`
	Transaction *types.Transaction    `json:"transaction"`
	Replayed    bool                  `json:"replayed,omitempty"`
}
