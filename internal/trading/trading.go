package trading

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-ledger/internal/apperr"
	"github.com/ksred/klear-ledger/internal/exchange"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/notify"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/pkg/middleware"
	"github.com/ksred/klear-ledger/pkg/response"
)

// Service handles manual trade settlement against the trading balance
type Service struct {
	db             *Database
	ledger         *ledger.Ledger
	feed           exchange.PriceFeed
	defaultAccount types.AccountType
}

// NewService creates a new trading service with the given database connection
func NewService(gormDB *gorm.DB, l *ledger.Ledger, feed exchange.PriceFeed, defaultAccount types.AccountType) *Service {
	return &Service{
		db:             NewDatabase(gormDB),
		ledger:         l,
		feed:           feed,
		defaultAccount: defaultAccount,
	}
}

// fillPrice returns the feed price an order settles at. Limit orders only fill
// once the market has crossed the limit: at or below it for buys, at or above it for sells.
func (s *Service) fillPrice(ctx context.Context, req OpenRequest) (decimal.Decimal, error) {
	if req.OrderType == OrderLimit && !req.Price.IsPositive() {
		return decimal.Zero, apperr.ErrInvalidPrice
	}
	market, err := s.feed.Price(ctx, req.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if req.OrderType != OrderLimit {
		return market, nil
	}
	if req.Side == SideBuy && market.GreaterThan(req.Price) {
		return decimal.Zero, apperr.ErrLimitNotReached.Withf("market %s is above limit %s", market, req.Price)
	}
	if req.Side == SideSell && market.LessThan(req.Price) {
		return decimal.Zero, apperr.ErrLimitNotReached.Withf("market %s is below limit %s", market, req.Price)
	}
	return market, nil
}

// OpenTrade opens a manual position at the feed price. Buys pay price*quantity out of
// trading_balance, sells receive it. An idempotency key makes a retried open return the first trade.
func (s *Service) OpenTrade(ctx context.Context, userID string, req OpenRequest, idempotencyKey string) (*Result, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		return nil, apperr.Validation("symbol is required")
	}
	req.Side = Side(strings.ToLower(string(req.Side)))
	if req.Side != SideBuy && req.Side != SideSell {
		return nil, apperr.Validation("side must be buy or sell")
	}
	req.OrderType = OrderType(strings.ToLower(string(req.OrderType)))
	if req.OrderType == "" {
		req.OrderType = OrderMarket
	}
	if req.OrderType != OrderMarket && req.OrderType != OrderLimit {
		return nil, apperr.Validation("order type must be market or limit")
	}
	if !req.Quantity.IsPositive() {
		return nil, apperr.ErrInvalidQuantity.Withf("quantity must be greater than zero")
	}
	if req.Amount.IsNegative() {
		return nil, apperr.ErrInvalidAmount
	}
	accountType, err := types.ParseAccountType(string(req.AccountType), s.defaultAccount)
	if err != nil {
		return nil, apperr.ErrInvalidAccountType
	}

	price, err := s.fillPrice(ctx, req)
	if err != nil {
		return nil, err
	}
	notional := price.Mul(req.Quantity)

	var trade *Trade
	result, err := s.ledger.Mutate(ctx, ledger.Mutation{
		Op:             "trade_open",
		UserID:         userID,
		AccountType:    accountType,
		IdempotencyKey: idempotencyKey,
		Fingerprint: ledger.Fingerprint(req.Symbol, req.Category, req.Side, req.OrderType,
			req.Quantity.String(), req.Amount.String(), req.Price.String(), accountType),
		Apply: func(tx *gorm.DB, w *types.Wallet) (*ledger.Change, error) {
			if req.Side == SideBuy && req.Amount.GreaterThan(w.TradingBalance) {
				return nil, apperr.ErrInsufficientBalance.Withf("trading balance %s is less than %s", w.TradingBalance, req.Amount)
			}
			if notional.GreaterThan(w.TradingBalance) {
				return nil, apperr.ErrInsufficientBalance.Withf("trading balance %s does not cover %s", w.TradingBalance, notional)
			}

			trade = &Trade{
				TradeID:         uuid.New().String(),
				UserID:          userID,
				AccountType:     accountType,
				Symbol:          req.Symbol,
				Category:        req.Category,
				Side:            req.Side,
				OrderType:       req.OrderType,
				EntryPrice:      price,
				CurrentPrice:    price,
				Quantity:        req.Quantity,
				ClosedQuantity:  decimal.Zero,
				AllocatedAmount: notional,
				Status:          StatusOpen,
				ProfitLoss:      decimal.Zero,
			}
			if err := s.db.WithTx(tx).CreateTrade(ctx, trade); err != nil {
				return nil, err
			}

			txn := &types.Transaction{
				ReferenceID: trade.TradeID,
				Metadata:    tradeMetadata(trade, price, req.Quantity),
			}
			if req.Side == SideBuy {
				w.TradingBalance = w.TradingBalance.Sub(notional)
				txn.Type = types.TxTradeBuy
				txn.Amount = notional.Neg()
				txn.Description = fmt.Sprintf("Bought %s %s @ %s", req.Quantity, req.Symbol, price)
			} else {
				w.TradingBalance = w.TradingBalance.Add(notional)
				txn.Type = types.TxTradeSell
				txn.Amount = notional
				txn.Description = fmt.Sprintf("Sold %s %s @ %s", req.Quantity, req.Symbol, price)
			}

			return &ledger.Change{
				Transaction: txn,
				Notices: []ledger.Notice{{
					Title:   "Trade Opened",
					Message: fmt.Sprintf("%s %s %s at $%s", strings.ToUpper(string(req.Side)), req.Quantity, req.Symbol, price.StringFixed(2)),
					Type:    notify.TypeInfo,
				}},
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}

	if result.Replayed {
		if trade, err = s.db.GetTrade(ctx, userID, result.Transaction.ReferenceID); err != nil {
			return nil, err
		}
	}

	return &Result{
		Trade:       trade,
		Balance:     types.NewBalanceResponse(result.Wallet),
		Transaction: result.Transaction,
		Replayed:    result.Replayed,
	}, nil
}

// CloseTrade settles all or part of an open trade at the current feed price
func (s *Service) CloseTrade(ctx context.Context, userID, tradeID string, req CloseRequest) (*Result, error) {
	existing, err := s.db.GetTrade(ctx, userID, tradeID)
	if err != nil {
		return nil, err
	}
	if existing.Status == StatusClosed {
		return nil, apperr.ErrAlreadyClosed
	}
	if req.Quantity.IsNegative() {
		return nil, apperr.ErrInvalidQuantity.Withf("quantity must be greater than zero")
	}

	exitPrice, err := s.feed.Price(ctx, existing.Symbol)
	if err != nil {
		return nil, err
	}

	var trade *Trade
	result, err := s.ledger.Mutate(ctx, ledger.Mutation{
		Op:          "trade_close",
		UserID:      userID,
		AccountType: existing.AccountType,
		Apply: func(tx *gorm.DB, w *types.Wallet) (*ledger.Change, error) {
			db := s.db.WithTx(tx)
			t, err := db.GetTrade(ctx, userID, tradeID)
			if err != nil {
				return nil, err
			}
			if t.Status == StatusClosed {
				return nil, apperr.ErrAlreadyClosed
			}

			qty := req.Quantity
			if qty.IsZero() {
				qty = t.Quantity
			}
			if qty.GreaterThan(t.Quantity) {
				return nil, apperr.ErrInvalidQuantity.Withf("cannot close %s, only %s open", qty, t.Quantity)
			}

			pnl := exitPrice.Sub(t.EntryPrice).Mul(qty).Mul(t.Direction())
			proceeds := exitPrice.Mul(qty)

			if t.Side == SideBuy {
				w.TradingBalance = w.TradingBalance.Add(proceeds)
			} else {
				if w.TradingBalance.LessThan(proceeds) {
					return nil, apperr.ErrInsufficientBalance.Withf("trading balance %s does not cover %s to buy back", w.TradingBalance, proceeds)
				}
				w.TradingBalance = w.TradingBalance.Sub(proceeds)
			}
			ledger.RealizePnL(w, pnl, s.ledger.PnLMode())

			now := time.Now()
			t.Quantity = t.Quantity.Sub(qty)
			t.ClosedQuantity = t.ClosedQuantity.Add(qty)
			t.AllocatedAmount = t.EntryPrice.Mul(t.Quantity)
			t.ProfitLoss = t.ProfitLoss.Add(pnl)
			t.CurrentPrice = exitPrice
			t.ExitPrice = decimal.NewNullDecimal(exitPrice)
			t.Status = StatusPartiallyClosed
			title := "Trade Partially Closed"
			if t.Quantity.IsZero() {
				t.Status = StatusClosed
				t.ClosedAt = &now
				title = "Trade Closed"
			}
			if err := db.UpdateTrade(ctx, t); err != nil {
				return nil, err
			}
			trade = t

			txType := types.TxTradeProfit
			kind := notify.TypeSuccess
			if pnl.IsNegative() {
				txType = types.TxTradeLoss
				kind = notify.TypeWarning
			}

			return &ledger.Change{
				Transaction: &types.Transaction{
					Type:        txType,
					Amount:      pnl,
					ReferenceID: t.TradeID,
					Description: fmt.Sprintf("Closed %s %s @ %s", qty, t.Symbol, exitPrice),
					Metadata:    tradeMetadata(t, exitPrice, qty),
				},
				Notices: []ledger.Notice{{
					Title:   title,
					Message: fmt.Sprintf("%s %s closed with P&L $%s", qty, t.Symbol, pnl.StringFixed(2)),
					Type:    kind,
				}},
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Trade:       trade,
		Balance:     types.NewBalanceResponse(result.Wallet),
		Transaction: result.Transaction,
	}, nil
}

func (s *Service) ListTrades(ctx context.Context, userID string, accountType types.AccountType, status Status, limit int) ([]Trade, error) {
	if accountType != "" && !accountType.Valid() {
		return nil, apperr.ErrInvalidAccountType
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.db.ListTrades(ctx, userID, accountType, status, limit)
}

func (s *Service) GetTrade(ctx context.Context, userID, tradeID string) (*Trade, error) {
	return s.db.GetTrade(ctx, userID, tradeID)
}

func tradeMetadata(t *Trade, price, quantity decimal.Decimal) string {
	b, _ := json.Marshal(map[string]string{
		"symbol":      t.Symbol,
		"side":        string(t.Side),
		"entry_price": t.EntryPrice.String(),
		"price":       price.String(),
		"quantity":    quantity.String(),
	})
	return string(b)
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// OpenTradeHandler handles POST /api/trades.
// An optional Idempotency-Key header makes the request safe to retry.
func (h *GinHandlers) OpenTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OpenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.OpenTrade(c.Request.Context(), middleware.UserID(c), req, c.GetHeader("Idempotency-Key"))
		response.HandleCreated(c, result, err)
	}
}

// ListTradesHandler handles GET /api/trades?accountType=&status=&limit=
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		trades, err := h.service.ListTrades(c.Request.Context(), middleware.UserID(c),
			types.AccountType(c.Query("accountType")), Status(c.Query("status")), limit)
		response.Handle(c, trades, err)
	}
}

// GetTradeHandler handles GET /api/trades/:trade_id
func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trade, err := h.service.GetTrade(c.Request.Context(), middleware.UserID(c), c.Param("trade_id"))
		response.Handle(c, trade, err)
	}
}

// CloseTradeHandler handles POST /api/trades/:trade_id/close
func (h *GinHandlers) CloseTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeID := c.Param("trade_id")
		if tradeID == "" {
			response.BadRequest(c, "Trade ID is required")
			return
		}

		var req CloseRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, err.Error())
				return
			}
		}

		result, err := h.service.CloseTrade(c.Request.Context(), middleware.UserID(c), tradeID, req)
		response.Handle(c, result, err)
	}
}
