package bots

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
	"github.com/ksred/klear-ledger/internal/config"
	"github.com/ksred/klear-ledger/internal/exchange"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/notify"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/pkg/middleware"
	"github.com/ksred/klear-ledger/pkg/response"
)

var hundred = decimal.NewFromInt(100)

func isShortStrategy(strategy string) bool {
	return strings.Contains(strings.ToLower(strategy), "short")
}

// Sizing is the outcome of applying a bot config to a bot balance
type Sizing struct {
	RiskAmount   decimal.Decimal
	PositionSize decimal.Decimal
}

// Service allocates bot_trading_balance to trading bots and settles them when stopped
type Service struct {
	db             *Database
	ledger         *ledger.Ledger
	feed           exchange.PriceFeed
	cfg            config.BotsConfig
	defaultAccount types.AccountType
}

func NewService(gormDB *gorm.DB, l *ledger.Ledger, feed exchange.PriceFeed, cfg config.BotsConfig, defaultAccount types.AccountType) *Service {
	return &Service{
		db:             NewDatabase(gormDB),
		ledger:         l,
		feed:           feed,
		cfg:            cfg,
		defaultAccount: defaultAccount,
	}
}

// withDefaults fills risk and leverage from configuration and validates the result
func (s *Service) withDefaults(c Config) (Config, error) {
	if c.RiskPercent.IsZero() {
		c.RiskPercent = s.cfg.DefaultRiskPercent
	}
	if c.Leverage.IsZero() {
		c.Leverage = s.cfg.DefaultLeverage
	}
	if !c.RiskPercent.IsPositive() || c.RiskPercent.GreaterThan(hundred) {
		return c, apperr.Validation("riskPercent must be in (0, 100]")
	}
	if !c.Leverage.IsPositive() {
		return c, apperr.Validation("leverage must be greater than zero")
	}
	if c.TakeProfit.IsNegative() || c.StopLoss.IsNegative() {
		return c, apperr.Validation("takeProfit and stopLoss cannot be negative")
	}
	return c, nil
}

// Size computes the position for a bot balance:
// risk = balance * riskPercent / 100, position = risk * leverage.
func (s *Service) Size(botBalance decimal.Decimal, c Config) (Sizing, error) {
	if !botBalance.IsPositive() {
		return Sizing{}, apperr.ErrInsufficientBotBalance
	}

	risk := botBalance.Mul(c.RiskPercent).Div(hundred).Round(8)
	position := risk.Mul(c.Leverage).Round(8)

	if limit := botBalance.Mul(s.cfg.MaxPositionRatio); position.GreaterThan(limit) {
		return Sizing{}, apperr.ErrPositionTooLarge.Withf("position %s exceeds %s", position, limit)
	}
	if position.LessThan(s.cfg.MinPosition) {
		return Sizing{}, apperr.ErrPositionTooSmall.Withf("position %s is below the minimum of %s", position, s.cfg.MinPosition)
	}

	return Sizing{RiskAmount: risk, PositionSize: position}, nil
}

// StartBot sizes a position from the bot balance and allocates it to a new bot trade.
// The trade row and the wallet debit commit together or not at all.
func (s *Service) StartBot(ctx context.Context, userID string, req StartRequest) (*Result, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		return nil, apperr.Validation("symbol is required")
	}
	if strings.TrimSpace(req.Strategy) == "" {
		return nil, apperr.Validation("strategy is required")
	}
	botConfig, err := s.withDefaults(req.Config)
	if err != nil {
		return nil, err
	}
	accountType, err := types.ParseAccountType(string(req.AccountType), s.defaultAccount)
	if err != nil {
		return nil, apperr.ErrInvalidAccountType
	}

	entryPrice, err := s.feed.Price(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	var trade *BotTrade
	result, err := s.ledger.Mutate(ctx, ledger.Mutation{
		Op:          "bot_start",
		UserID:      userID,
		AccountType: accountType,
		Apply: func(tx *gorm.DB, w *types.Wallet) (*ledger.Change, error) {
			sizing, err := s.Size(w.BotTradingBalance, botConfig)
			if err != nil {
				return nil, err
			}

			trade = &BotTrade{
				TradeID:         uuid.New().String(),
				UserID:          userID,
				AccountType:     accountType,
				Symbol:          req.Symbol,
				Category:        req.Category,
				Strategy:        req.Strategy,
				Config:          botConfig,
				EntryPrice:      entryPrice,
				CurrentPrice:    entryPrice,
				AllocatedAmount: sizing.PositionSize,
				RiskAmount:      sizing.RiskAmount,
				Status:          StatusActive,
				ProfitLoss:      decimal.Zero,
			}
			if err := s.db.WithTx(tx).CreateBotTrade(ctx, trade); err != nil {
				return nil, err
			}

			w.BotTradingBalance = w.BotTradingBalance.Sub(sizing.PositionSize)

			metadata, _ := json.Marshal(map[string]interface{}{
				"symbol":   trade.Symbol,
				"strategy": trade.Strategy,
				"config":   botConfig,
			})
			return &ledger.Change{
				Transaction: &types.Transaction{
					Type:        types.TxBotAllocation,
					Amount:      sizing.PositionSize.Neg(),
					ReferenceID: trade.TradeID,
					Description: fmt.Sprintf("%s bot on %s", trade.Strategy, trade.Symbol),
					Metadata:    string(metadata),
				},
				Notices: []ledger.Notice{{
					Title:   "Bot Started",
					Message: fmt.Sprintf("Your %s bot on %s is running with $%s", trade.Strategy, trade.Symbol, sizing.PositionSize.StringFixed(2)),
					Type:    notify.TypeInfo,
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

// BotPnL returns allocated*(exit-entry)/entry, inverted for short strategies and never
// worse than losing the whole allocation.
func BotPnL(trade *BotTrade, exitPrice decimal.Decimal) decimal.Decimal {
	move := exitPrice.Sub(trade.EntryPrice)
	if trade.IsShort() {
		move = move.Neg()
	}
	pnl := trade.AllocatedAmount.Mul(move).Div(trade.EntryPrice).Round(8)
	return decimal.Max(pnl, trade.AllocatedAmount.Neg())
}

// exitStatus is completed when a take-profit or stop-loss threshold was reached
func exitStatus(trade *BotTrade, pnl decimal.Decimal) Status {
	if !trade.AllocatedAmount.IsPositive() {
		return StatusStopped
	}
	pct := pnl.Div(trade.AllocatedAmount).Mul(hundred)
	if tp := trade.Config.TakeProfit; tp.IsPositive() && pct.GreaterThanOrEqual(tp) {
		return StatusCompleted
	}
	if sl := trade.Config.StopLoss; sl.IsPositive() && pct.LessThanOrEqual(sl.Neg()) {
		return StatusCompleted
	}
	return StatusStopped
}

// StopBot settles an active bot trade at the feed price and returns allocation plus P&L to the bot balance
func (s *Service) StopBot(ctx context.Context, userID, tradeID string) (*Result, error) {
	existing, err := s.db.GetBotTrade(ctx, userID, tradeID)
	if err != nil {
		return nil, err
	}
	if existing.Status != StatusActive {
		return nil, apperr.ErrAlreadyStopped
	}

	exitPrice, err := s.feed.Price(ctx, existing.Symbol)
	if err != nil {
		return nil, err
	}

	var trade *BotTrade
	result, err := s.ledger.Mutate(ctx, ledger.Mutation{
		Op:          "bot_stop",
		UserID:      userID,
		AccountType: existing.AccountType,
		Apply: func(tx *gorm.DB, w *types.Wallet) (*ledger.Change, error) {
			db := s.db.WithTx(tx)
			t, err := db.GetBotTrade(ctx, userID, tradeID)
			if err != nil {
				return nil, err
			}
			if t.Status != StatusActive {
				return nil, apperr.ErrAlreadyStopped
			}

			pnl := BotPnL(t, exitPrice)
			w.BotTradingBalance = w.BotTradingBalance.Add(t.AllocatedAmount).Add(pnl)
			ledger.RealizePnL(w, pnl, s.ledger.PnLMode())

			now := time.Now()
			t.Status = exitStatus(t, pnl)
			t.ProfitLoss = pnl
			t.CurrentPrice = exitPrice
			t.StoppedAt = &now
			if err := db.FinishBotTrade(ctx, t); err != nil {
				return nil, err
			}
			trade = t

			txType := types.TxBotProfit
			kind := notify.TypeSuccess
			if pnl.IsNegative() {
				txType = types.TxBotLoss
				kind = notify.TypeWarning
			}

			return &ledger.Change{
				Transaction: &types.Transaction{
					Type:        txType,
					Amount:      pnl,
					ReferenceID: t.TradeID,
					Description: fmt.Sprintf("%s bot on %s stopped @ %s", t.Strategy, t.Symbol, exitPrice),
				},
				Notices: []ledger.Notice{{
					Title:   "Bot Stopped",
					Message: fmt.Sprintf("Your %s bot on %s finished with P&L $%s", t.Strategy, t.Symbol, pnl.StringFixed(2)),
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

func (s *Service) ListBots(ctx context.Context, userID string, accountType types.AccountType, status Status, limit int) ([]BotTrade, error) {
	if accountType != "" && !accountType.Valid() {
		return nil, apperr.ErrInvalidAccountType
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.db.ListBotTrades(ctx, userID, accountType, status, limit)
}

// GinHandlers contains HTTP handlers for bot endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// StartBotHandler handles POST /api/bots
func (h *GinHandlers) StartBotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req StartRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.StartBot(c.Request.Context(), middleware.UserID(c), req)
		response.HandleCreated(c, result, err)
	}
}

// ListBotsHandler handles GET /api/bots?accountType=&status=&limit=
func (h *GinHandlers) ListBotsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		trades, err := h.service.ListBots(c.Request.Context(), middleware.UserID(c),
			types.AccountType(c.Query("accountType")), Status(c.Query("status")), limit)
		response.Handle(c, trades, err)
	}
}

// StopBotHandler handles POST /api/bots/:trade_id/stop
func (h *GinHandlers) StopBotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.StopBot(c.Request.Context(), middleware.UserID(c), c.Param("trade_id"))
		response.Handle(c, result, err)
	}
}
