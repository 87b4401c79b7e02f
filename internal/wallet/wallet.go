package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-ledger/internal/apperr"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/notify"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/pkg/middleware"
	"github.com/ksred/klear-ledger/pkg/response"
)

// Service handles credits, withdrawals and internal transfers
type Service struct {
	ledger         *ledger.Ledger
	db             *Database
	defaultAccount types.AccountType
}

// NewService creates a new wallet service on top of the ledger
func NewService(gormDB *gorm.DB, l *ledger.Ledger, defaultAccount types.AccountType) *Service {
	return &Service{
		ledger:         l,
		db:             NewDatabase(gormDB),
		defaultAccount: defaultAccount,
	}
}

func (s *Service) accountType(a types.AccountType) (types.AccountType, error) {
	parsed, err := types.ParseAccountType(string(a), s.defaultAccount)
	if err != nil {
		return "", apperr.ErrInvalidAccountType
	}
	return parsed, nil
}

// Credit adds amount to total_balance. Without an idempotency key every call credits again.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (*ledger.Result, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.ErrInvalidAmount
	}
	accountType, err := s.accountType(req.AccountType)
	if err != nil {
		return nil, err
	}

	description := req.Description
	if description == "" {
		description = "Admin credit"
	}

	return s.ledger.Mutate(ctx, ledger.Mutation{
		Op:             "admin_credit",
		UserID:         req.UserID,
		AccountType:    accountType,
		IdempotencyKey: req.IdempotencyKey,
		Fingerprint:    ledger.Fingerprint(req.Amount.String(), accountType, description),
		Apply: func(_ *gorm.DB, w *types.Wallet) (*ledger.Change, error) {
			w.TotalBalance = w.TotalBalance.Add(req.Amount)
			return &ledger.Change{
				Transaction: &types.Transaction{
					Type:        types.TxAdminCredit,
					Amount:      req.Amount,
					Description: description,
				},
				Notices: []ledger.Notice{{
					Title:   "Account Credited",
					Message: fmt.Sprintf("Your %s account has been credited with $%s", accountType, req.Amount.StringFixed(2)),
					Type:    notify.TypeSuccess,
				}},
			}, nil
		},
	})
}

// Withdraw takes amount out of total_balance and files a pending withdrawal for review
func (s *Service) Withdraw(ctx context.Context, userID string, req WithdrawRequest) (*WithdrawalResult, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.ErrInvalidAmount
	}
	if len(req.BankDetails) == 0 {
		return nil, apperr.Validation("bank details are required")
	}
	accountType, err := s.accountType(req.AccountType)
	if err != nil {
		return nil, err
	}

	bankDetails, err := json.Marshal(req.BankDetails)
	if err != nil {
		return nil, apperr.Validation("invalid bank details")
	}

	var withdrawal *Withdrawal
	result, err := s.ledger.Mutate(ctx, ledger.Mutation{
		Op:          "withdraw",
		UserID:      userID,
		AccountType: accountType,
		Apply: func(tx *gorm.DB, w *types.Wallet) (*ledger.Change, error) {
			if w.TotalBalance.LessThan(req.Amount) {
				return nil, apperr.ErrInsufficientBalance.Withf("available balance %s is less than %s", w.TotalBalance, req.Amount)
			}
			w.TotalBalance = w.TotalBalance.Sub(req.Amount)

			withdrawal = &Withdrawal{
				WithdrawalID:  uuid.New().String(),
				UserID:        userID,
				AccountType:   accountType,
				Amount:        req.Amount,
				BankDetails:   string(bankDetails),
				Status:        WithdrawalPending,
				TransactionID: uuid.New().String(),
			}
			if err := s.db.WithTx(tx).CreateWithdrawal(ctx, withdrawal); err != nil {
				return nil, err
			}

			return &ledger.Change{
				Transaction: &types.Transaction{
					TransactionID: withdrawal.TransactionID,
					Type:          types.TxWithdrawal,
					Amount:        req.Amount.Neg(),
					Status:        types.TxPending,
					ReferenceID:   withdrawal.WithdrawalID,
					Description:   "Withdrawal request",
					Metadata:      string(bankDetails),
				},
				Notices: []ledger.Notice{{
					Title:   "Withdrawal Requested",
					Message: fmt.Sprintf("Your withdrawal of $%s is being processed", req.Amount.StringFixed(2)),
					Type:    notify.TypeInfo,
				}},
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}

	return &WithdrawalResult{
		Withdrawal:  withdrawal,
		Balance:     types.NewBalanceResponse(result.Wallet),
		Transaction: result.Transaction,
	}, nil
}

// Transfer moves amount between two sub-balances of the same wallet in one write
func (s *Service) Transfer(ctx context.Context, userID string, req TransferRequest) (*ledger.Result, error) {
	from, err := types.ParseBalanceField(req.From)
	if err != nil {
		return nil, apperr.ErrInvalidBalanceField.Withf("unknown source balance %q", req.From)
	}
	to, err := types.ParseBalanceField(req.To)
	if err != nil {
		return nil, apperr.ErrInvalidBalanceField.Withf("unknown destination balance %q", req.To)
	}
	if from == to {
		return nil, apperr.ErrSameBalanceField
	}
	if !req.Amount.IsPositive() {
		return nil, apperr.ErrInvalidAmount
	}
	accountType, err := s.accountType(req.AccountType)
	if err != nil {
		return nil, err
	}

	metadata, _ := json.Marshal(map[string]string{"from": string(from), "to": string(to)})

	return s.ledger.Mutate(ctx, ledger.Mutation{
		Op:          "transfer",
		UserID:      userID,
		AccountType: accountType,
		Apply: func(_ *gorm.DB, w *types.Wallet) (*ledger.Change, error) {
			available := w.Balance(from)
			if available.LessThan(req.Amount) {
				return nil, apperr.ErrInsufficientBalance.Withf("%s balance %s is less than %s", from, available, req.Amount)
			}
			w.SetBalance(from, available.Sub(req.Amount))
			w.SetBalance(to, w.Balance(to).Add(req.Amount))

			return &ledger.Change{
				Transaction: &types.Transaction{
					Type:        types.TxTransfer,
					Amount:      req.Amount,
					Description: fmt.Sprintf("Transfer from %s to %s", from, to),
					Metadata:    string(metadata),
				},
			}, nil
		},
	})
}

// ApproveWithdrawal completes a pending withdrawal. Funds already left the wallet at request time.
func (s *Service) ApproveWithdrawal(ctx context.Context, adminID, withdrawalID string) (*Withdrawal, error) {
	logger := log.With().Str("service", "wallet").Str("withdrawal_id", withdrawalID).Str("admin_id", adminID).Logger()

	var withdrawal *Withdrawal
	err := s.ledger.Store().DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		db := s.db.WithTx(tx)
		w, err := db.GetWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if err := db.Review(ctx, w, WithdrawalApproved, adminID, ""); err != nil {
			return err
		}
		if err := s.ledger.Store().WithTx(tx).UpdateTransactionStatus(ctx, w.TransactionID, types.TxPending, types.TxCompleted); err != nil {
			return err
		}
		withdrawal = w
		return nil
	})
	if err != nil {
		logger.Info().Err(err).Msg("withdrawal approval failed")
		return nil, err
	}

	logger.Info().Str("amount", withdrawal.Amount.String()).Msg("withdrawal approved")
	s.ledger.Notify(ctx, withdrawal.UserID, ledger.Notice{
		Title:   "Withdrawal Approved",
		Message: fmt.Sprintf("Your withdrawal of $%s has been approved", withdrawal.Amount.StringFixed(2)),
		Type:    notify.TypeSuccess,
	})
	return withdrawal, nil
}

// RejectWithdrawal fails a pending withdrawal and refunds total_balance
func (s *Service) RejectWithdrawal(ctx context.Context, adminID, withdrawalID, reason string) (*WithdrawalResult, error) {
	existing, err := s.db.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if existing.Status != WithdrawalPending {
		return nil, apperr.ErrAlreadyProcessed.Withf("withdrawal %s is %s", withdrawalID, existing.Status)
	}

	var withdrawal *Withdrawal
	result, err := s.ledger.Mutate(ctx, ledger.Mutation{
		Op:          "withdrawal_refund",
		UserID:      existing.UserID,
		AccountType: existing.AccountType,
		Apply: func(tx *gorm.DB, w *types.Wallet) (*ledger.Change, error) {
			db := s.db.WithTx(tx)
			current, err := db.GetWithdrawal(ctx, withdrawalID)
			if err != nil {
				return nil, err
			}
			if err := db.Review(ctx, current, WithdrawalRejected, adminID, reason); err != nil {
				return nil, err
			}
			if err := s.ledger.Store().WithTx(tx).UpdateTransactionStatus(ctx, current.TransactionID, types.TxPending, types.TxFailed); err != nil {
				return nil, err
			}
			withdrawal = current

			w.TotalBalance = w.TotalBalance.Add(current.Amount)

			message := fmt.Sprintf("Your withdrawal of $%s was rejected and the funds returned", current.Amount.StringFixed(2))
			if reason != "" {
				message += ": " + reason
			}
			return &ledger.Change{
				Transaction: &types.Transaction{
					Type:        types.TxRefund,
					Amount:      current.Amount,
					ReferenceID: current.WithdrawalID,
					Description: "Withdrawal rejected",
				},
				Notices: []ledger.Notice{{Title: "Withdrawal Rejected", Message: message, Type: notify.TypeWarning}},
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}

	return &WithdrawalResult{
		Withdrawal:  withdrawal,
		Balance:     types.NewBalanceResponse(result.Wallet),
		Transaction: result.Transaction,
	}, nil
}

func (s *Service) ListWithdrawals(ctx context.Context, userID string, status WithdrawalStatus, limit int) ([]Withdrawal, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	return s.db.ListWithdrawals(ctx, userID, status, limit)
}

func (s *Service) Balance(ctx context.Context, userID string, accountType types.AccountType) (*types.Wallet, error) {
	accountType, err := s.accountType(accountType)
	if err != nil {
		return nil, err
	}
	return s.ledger.Wallet(ctx, userID, accountType)
}

func (s *Service) Transactions(ctx context.Context, userID string, accountType types.AccountType, limit, offset int) ([]types.Transaction, error) {
	if accountType != "" && !accountType.Valid() {
		return nil, apperr.ErrInvalidAccountType
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.ledger.Store().ListTransactions(ctx, userID, accountType, limit, offset)
}

func (s *Service) Reconcile(ctx context.Context, userID string, accountType types.AccountType) (*types.ReconciliationResult, error) {
	accountType, err := s.accountType(accountType)
	if err != nil {
		return nil, err
	}
	return s.ledger.Reconcile(ctx, userID, accountType)
}

func mutationResponse(result *ledger.Result) types.MutationResponse {
	return types.MutationResponse{
		Balance:     types.NewBalanceResponse(result.Wallet),
		Transaction: result.Transaction,
		Replayed:    result.Replayed,
	}
}

// GinHandlers contains HTTP handlers for wallet endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// BalanceHandler handles GET /api/wallet/balance?accountType=
func (h *GinHandlers) BalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		w, err := h.service.Balance(c.Request.Context(), middleware.UserID(c), types.AccountType(c.Query("accountType")))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, types.NewBalanceResponse(w))
	}
}

// TransactionsHandler handles GET /api/wallet/transactions?accountType=&limit=&offset=
func (h *GinHandlers) TransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		offset, _ := strconv.Atoi(c.Query("offset"))

		txns, err := h.service.Transactions(c.Request.Context(), middleware.UserID(c), types.AccountType(c.Query("accountType")), limit, offset)
		response.Handle(c, txns, err)
	}
}

func (h *GinHandlers) TransferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TransferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.Transfer(c.Request.Context(), middleware.UserID(c), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, mutationResponse(result))
	}
}

func (h *GinHandlers) WithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req WithdrawRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.Withdraw(c.Request.Context(), middleware.UserID(c), req)
		response.HandleCreated(c, result, err)
	}
}

func (h *GinHandlers) ReconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.Reconcile(c.Request.Context(), middleware.UserID(c), types.AccountType(c.Query("accountType")))
		response.Handle(c, result, err)
	}
}

// CreditHandler handles POST /api/admin/credit-balance.
// An Idempotency-Key header (or idempotencyKey field) makes retries safe.
func (h *GinHandlers) CreditHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreditRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if key := c.GetHeader("Idempotency-Key"); key != "" {
			req.IdempotencyKey = key
		}

		result, err := h.service.Credit(c.Request.Context(), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, mutationResponse(result))
	}
}

// ListWithdrawalsHandler handles GET /api/admin/withdrawals?status=&userId=
func (h *GinHandlers) ListWithdrawalsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		withdrawals, err := h.service.ListWithdrawals(c.Request.Context(), c.Query("userId"), WithdrawalStatus(c.Query("status")), limit)
		response.Handle(c, withdrawals, err)
	}
}

func (h *GinHandlers) ApproveWithdrawalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReviewRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		withdrawal, err := h.service.ApproveWithdrawal(c.Request.Context(), middleware.UserID(c), req.WithdrawalID)
		response.Handle(c, withdrawal, err)
	}
}

func (h *GinHandlers) RejectWithdrawalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReviewRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.RejectWithdrawal(c.Request.Context(), middleware.UserID(c), req.WithdrawalID, req.Reason)
		response.Handle(c, result, err)
	}
}
