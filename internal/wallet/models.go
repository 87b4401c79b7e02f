package wallet

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-ledger/internal/types"
)

type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalRejected WithdrawalStatus = "rejected"
)

type Withdrawal struct {
	gorm.Model    `json:"-"`
	WithdrawalID  string            `gorm:"size:36;uniqueIndex" json:"withdrawal_id"`
	UserID        string            `gorm:"size:36;not null;index" json:"user_id"`
	AccountType   types.AccountType `gorm:"size:8;not null" json:"account_type"`
	Amount        decimal.Decimal   `gorm:"type:decimal(20,8);not null" json:"amount"`
	BankDetails   string            `gorm:"type:text" json:"bank_details"`
	Status        WithdrawalStatus  `gorm:"size:16;not null;index" json:"status"`
	TransactionID string            `gorm:"size:36" json:"transaction_id"`
	Reason        string            `json:"reason,omitempty"`
	ReviewedBy    string            `gorm:"size:36" json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time        `json:"reviewed_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// CreditRequest is an admin balance credit
type CreditRequest struct {
	UserID         string            `json:"userId" binding:"required"`
	Amount         decimal.Decimal   `json:"amount"`
	AccountType    types.AccountType `json:"accountType"`
	Description    string            `json:"description"`
	IdempotencyKey string            `json:"idempotencyKey"`
}

type WithdrawRequest struct {
	Amount      decimal.Decimal   `json:"amount"`
	BankDetails map[string]string `json:"bankDetails"`
	AccountType types.AccountType `json:"accountType"`
}

type TransferRequest struct {
	From        string            `json:"from" binding:"required"`
	To          string            `json:"to" binding:"required"`
	Amount      decimal.Decimal   `json:"amount"`
	AccountType types.AccountType `json:"accountType"`
}

type ReviewRequest struct {
	WithdrawalID string `json:"withdrawalId" binding:"required"`
	Reason       string `json:"reason"`
}

// WithdrawalResult pairs the withdrawal request with the ledger outcome
type WithdrawalResult struct {
	Withdrawal  *Withdrawal           `json:"withdrawal"`
	Balance     types.BalanceResponse `json:"balance"`
	Transaction *types.Transaction    `json:"transaction"`
}
