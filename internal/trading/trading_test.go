package trading

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-ledger/internal/apperr"
	"github.com/ksred/klear-ledger/internal/config"
	"github.com/ksred/klear-ledger/internal/exchange"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/testutil"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/pkg/middleware"
)

var dec = testutil.Dec

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	service  *Service
	db       *gorm.DB
	feed     *exchange.StaticFeed
	notifier *testutil.RecordingNotifier
}

func newFixture(t *testing.T, pnlMode string) *fixture {
	t.Helper()
	db := testutil.NewDB(t, &Trade{}, &ledger.IdempotencyRecord{})
	notifier := &testutil.RecordingNotifier{}
	cfg := config.Defaults().Ledger
	cfg.RetryBackoff = time.Millisecond
	cfg.PnLMode = pnlMode
	feed := exchange.NewStaticFeed(map[string]decimal.Decimal{"BTCUSD": dec("100")})
	return &fixture{
		service:  NewService(db, ledger.New(db, cfg, nil, notifier), feed, types.AccountLive),
		db:       db,
		feed:     feed,
		notifier: notifier,
	}
}

func (f *fixture) reconciled(t *testing.T, userID string) {
	t.Helper()
	result, err := f.service.ledger.Reconcile(context.Background(), userID, types.AccountLive)
	require.NoError(t, err)
	assert.True(t, result.Balanced, "ledger out of balance: %+v", result.Fields)
}

func limitBuy(symbol, qty, price string) OpenRequest {
	return OpenRequest{Symbol: symbol, Side: SideBuy, OrderType: OrderLimit, Quantity: dec(qty), Price: dec(price)}
}

func TestCloseLongInProfit(t *testing.T) {
	f := newFixture(t, config.PnLModeSymmetric)
	testutil.SeedWallet(t, f.db, "u1", types.AccountLive, "0", "1000", "0", "0")
	ctx := context.Background()

	opened, err := f.service.OpenTrade(ctx, "u1", limitBuy("BTCUSD", "5", "100"), "")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, opened.Trade.Status)
	assert.True(t, opened.Balance.TradingBalance.Equal(dec("500")))
	assert.Equal(t, types.TxTradeBuy, opened.Transaction.Type)
	assert.True(t, opened.Transaction.Amount.Equal(dec("-500")))

	f.feed.SetPrice("BTCUSD", dec("110"))
	closed, err := f.service.CloseTrade(ctx, "u1", opened.Trade.TradeID, CloseRequest{})
	require.NoError(t, err)

	assert.Equal(t, StatusClosed, closed.Trade.Status)
	assert.True(t, closed.Trade.ProfitLoss.Equal(dec("50")))
	assert.True(t, closed.Trade.Quantity.IsZero())
	assert.NotNil(t, closed.Trade.ClosedAt)
	assert.Equal(t, types.TxTradeProfit, closed.Transaction.Type)
	assert.True(t, closed.Transaction.Amount.Equal(dec("50")))
	assert.True(t, closed.Transaction.TradingDelta.Equal(dec("550")))
	assert.True(t, closed.Balance.TradingBalance.Equal(dec("1050")))
	assert.True(t, closed.Balance.TotalBalance.Equal(dec("50")))

	assert.Equal(t, []string{"Trade Opened", "Trade Closed"}, f.notifier.Titles())
	f.reconciled(t, "u1")
}

func TestLossAffectsTotalByMode(t *testing.T) {
	tests := []struct {
		mode      string
		wantTotal string
	}{
		{config.PnLModeSymmetric, "70"},
		{config.PnLModeParity, "100"},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			f := newFixture(t, tt.mode)
			testutil.SeedWallet(t, f.db, "u1", types.AccountLive, "100", "1000", "0", "0")
			ctx := context.Background()

			opened, err := f.service.OpenTrade(ctx, "u1", limitBuy("BTCUSD", "3", "100"), "")
			require.NoError(t, err)

			f.feed.SetPrice("BTCUSD", dec("90"))
			closed, err := f.service.CloseTrade(ctx, "u1", opened.Trade.TradeID, CloseRequest{})
			require.NoError(t, err)

			assert.Equal(t, types.TxTradeLoss, closed.Transaction.Type)
			assert.True(t, closed.Transaction.Amount.Equal(dec("-30")))
			assert.True(t, closed.Balance.TradingBalance.Equal(dec("970")))
			assert.True(t, closed.Balance.TotalBalance.Equal(dec(tt.wantTotal)), "total %s", closed.Balance.TotalBalance)
			f.reconciled(t, "u1")
		})
	}
}

func TestSymmetricLossFloorsTotalAtZero(t *testing.T) {
	f := newFixture(t, config.PnLModeSymmetric)
	testutil.SeedWallet(t, f.db, "u1", types.AccountLive, "10", "1000", "0", "0")
	ctx := context.Background()

	opened, err := f.service.OpenTrade(ctx, "u1", limitBuy("BTCUSD", "1", "100"), "")
	require.NoError(t, err)

	f.feed.SetPrice("BTCUSD", dec("50"))
	closed, err := f.service.CloseTrade(ctx, "u1", opened.Trade.TradeID, CloseRequest{})
	require.NoError(t, err)
	assert.True(t, closed.Balance.TotalBalance.IsZero())
	assert.True(t, closed.Transaction.TotalDelta.Equal(dec("-10")))
	f.reconciled(t, "u1")
}

func TestPartialClose(t *testing.T) {
	f := newFixture(t, config.PnLModeSymmetric)
	testutil.SeedWallet(t, f.db, "u1", types.AccountLive, "0", "1000", "0", "0")
	ctx := context.Background()

	opened, err := f.service.OpenTrade(ctx, "u1", limitBuy("BTCUSD", "4", "100"), "")
	require.NoError(t, err)
	id := opened.Trade.TradeID

	f.feed.SetPrice("BTCUSD", dec("120"))
	partial, err := f.service.CloseTrade(ctx, "u1", id, CloseRequest{Quantity: dec("1")})
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyClosed, partial.Trade.Status)
	assert.True(t, partial.Trade.Quantity.Equal(dec("3")))
	assert.True(t, partial.Trade.ClosedQuantity.Equal(dec("1")))
	assert.True(t, partial.Trade.AllocatedAmount.Equal(dec("300")))
	assert.True(t, partial.Trade.ProfitLoss.Equal(dec("20")))

	_, err = f.service.CloseTrade(ctx, "u1", id, CloseRequest{Quantity: dec("5")})
	assert.ErrorIs(t, err, apperr.ErrInvalidQuantity)

	f.feed.SetPrice("BTCUSD", dec("110"))
	rest, err := f.service.CloseTrade(ctx, "u1", id, CloseRequest{})
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, rest.Trade.Status)
	assert.True(t, rest.Trade.ProfitLoss.Equal(dec("50")))

	_, err = f.service.CloseTrade(ctx, "u1", id, CloseRequest{})
	assert.ErrorIs(t, err, apperr.ErrAlreadyClosed)
	f.reconciled(t, "u1")
}

func TestShortUsesMarketPrice(t *testing.T) {
	f := newFixture(t, config.PnLModeSymmetric)
	testutil.SeedWallet(t, f.db, "u1", types.AccountLive, "0", "1000", "0", "0")
	ctx := context.Background()

	opened, err := f.service.OpenTrade(ctx, "u1", OpenRequest{Symbol: "btcusd", Side: SideSell, Quantity: dec("2")}, "")
	require.NoError(t, err)
	assert.Equal(t, OrderMarket, opened.Trade.OrderType)
	assert.Equal(t, "BTCUSD", opened.Trade.Symbol)
	assert.True(t, opened.Trade.EntryPrice.Equal(dec("100")))
	assert.Equal(t, types.TxTradeSell, opened.Transaction.Type)
	assert.True(t, opened.Balance.TradingBalance.Equal(dec("1200")))

	f.feed.SetPrice("BTCUSD", dec("80"))
	closed, err := f.service.CloseTrade(ctx, "u1", opened.Trade.TradeID, CloseRequest{})
	require.NoError(t, err)

	assert.True(t, closed.Trade.ProfitLoss.Equal(dec("40")))
	assert.True(t, closed.Balance.TradingBalance.Equal(dec("1040")))
	assert.True(t, closed.Balance.TotalBalance.Equal(dec("40")))
	f.reconciled(t, "u1")
}

func TestOpenRejections(t *testing.T) {
	f := newFixture(t, config.PnLModeSymmetric)
	testutil.SeedWallet(t, f.db, "u1", types.AccountLive, "0", "100", "0", "0")
	ctx := context.Background()

	tests := []struct {
		name string
		req  OpenRequest
		want error
	}{
		{"notional over balance", limitBuy("BTCUSD", "2", "100"), apperr.ErrInsufficientBalance},
		{"amount over balance", OpenRequest{Symbol: "BTCUSD", Side: SideBuy, Quantity: dec("0.1"), Amount: dec("500")}, apperr.ErrInsufficientBalance},
		{"zero quantity", limitBuy("BTCUSD", "0", "100"), apperr.ErrInvalidQuantity},
		{"limit without price", OpenRequest{Symbol: "BTCUSD", Side: SideBuy, OrderType: OrderLimit, Quantity: dec("1")}, apperr.ErrInvalidPrice},
		{"limit buy below market", limitBuy("BTCUSD", "1", "99"), apperr.ErrLimitNotReached},
		{"limit sell above market", OpenRequest{Symbol: "BTCUSD", Side: SideSell, OrderType: OrderLimit, Quantity: dec("1"), Price: dec("101")}, apperr.ErrLimitNotReached},
		{"unknown market symbol", OpenRequest{Symbol: "DOGEUSD", Side: SideBuy, Quantity: dec("1")}, apperr.ErrUnknownSymbol},
		{"bad side", OpenRequest{Symbol: "BTCUSD", Side: "hold", Quantity: dec("1")}, apperr.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.OpenTrade(ctx, "u1", tt.req, "")
			assert.ErrorIs(t, err, tt.want)
		})
	}

	var count int64
	require.NoError(t, f.db.Model(&Trade{}).Count(&count).Error)
	assert.Zero(t, count, "rejected opens leave no trade rows")
}

func TestLimitOrdersFillAtFeedPrice(t *testing.T) {
	f := newFixture(t, config.PnLModeSymmetric)
	testutil.SeedWallet(t, f.db, "u1", types.AccountLive, "0", "1000", "0", "0")
	ctx := context.Background()

	bought, err := f.service.OpenTrade(ctx, "u1", limitBuy("BTCUSD", "2", "150"), "")
	require.NoError(t, err)
	assert.True(t, bought.Trade.EntryPrice.Equal(dec("100")))
	assert.True(t, bought.Balance.TradingBalance.Equal(dec("800")))

	sold, err := f.service.OpenTrade(ctx, "u1", OpenRequest{Symbol: "BTCUSD", Side: SideSell, OrderType: OrderLimit, Quantity: dec("1"), Price: dec("80")}, "")
	require.NoError(t, err)
	assert.True(t, sold.Trade.EntryPrice.Equal(dec("100")))
	assert.True(t, sold.Balance.TradingBalance.Equal(dec("900")))
	f.reconciled(t, "u1")
}

func TestClientPriceCannotInflateProfit(t *testing.T) {
	f := newFixture(t, config.PnLModeSymmetric)
	testutil.SeedWallet(t, f.db, "u1", types.AccountLive, "0", "10", "0", "0")
	ctx := context.Background()

	_, err := f.service.OpenTrade(ctx, "u1", limitBuy("BTCUSD", "10", "1"), "")
	assert.ErrorIs(t, err, apperr.ErrLimitNotReached)

	w := testutil.LoadWallet(t, f.db, "u1", types.AccountLive)
	assert.True(t, w.TradingBalance.Equal(dec("10")))
	assert.True(t, w.TotalBalance.IsZero())

	var count int64
	require.NoError(t, f.db.Model(&Trade{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestOpenWithIdempotencyKeyReturnsSameTrade(t *testing.T) {
	f := newFixture(t, config.PnLModeSymmetric)
	testutil.SeedWallet(t, f.db, "u1", types.AccountLive, "0", "1000", "0", "0")
	ctx := context.Background()

	first, err := f.service.OpenTrade(ctx, "u1", limitBuy("BTCUSD", "1", "100"), "open-1")
	require.NoError(t, err)
	second, err := f.service.OpenTrade(ctx, "u1", limitBuy("BTCUSD", "1", "100"), "open-1")
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Trade.TradeID, second.Trade.TradeID)
	assert.True(t, second.Balance.TradingBalance.Equal(dec("900")))

	_, err = f.service.OpenTrade(ctx, "u1", limitBuy("BTCUSD", "3", "100"), "open-1")
	assert.ErrorIs(t, err, apperr.ErrDuplicateRequest)

	trades, err := f.service.ListTrades(ctx, "u1", "", "", 0)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestTradesAreScopedToOwner(t *testing.T) {
	f := newFixture(t, config.PnLModeSymmetric)
	testutil.SeedWallet(t, f.db, "u1", types.AccountLive, "0", "1000", "0", "0")
	testutil.SeedWallet(t, f.db, "u2", types.AccountLive, "0", "1000", "0", "0")
	ctx := context.Background()

	opened, err := f.service.OpenTrade(ctx, "u1", limitBuy("BTCUSD", "1", "100"), "")
	require.NoError(t, err)

	_, err = f.service.CloseTrade(ctx, "u2", opened.Trade.TradeID, CloseRequest{})
	assert.ErrorIs(t, err, apperr.ErrTradeNotFound)
}

func TestTradeHandlers(t *testing.T) {
	f := newFixture(t, config.PnLModeSymmetric)
	testutil.SeedWallet(t, f.db, "u1", types.AccountLive, "0", "1000", "0", "0")
	h := NewGinHandlers(f.service)

	r := gin.New()
	g := r.Group("/api/trades", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, "u1")
		c.Next()
	})
	g.POST("", h.OpenTradeHandler())
	g.GET("", h.ListTradesHandler())
	g.GET("/:trade_id", h.GetTradeHandler())
	g.POST("/:trade_id/close", h.CloseTradeHandler())

	body, _ := json.Marshal(map[string]interface{}{"symbol": "BTCUSD", "side": "buy", "quantity": "2"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/trades", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Data Result `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotNil(t, created.Data.Trade)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/trades/"+created.Data.Trade.TradeID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var fetched struct {
		Data Trade `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fetched))
	assert.Equal(t, created.Data.Trade.TradeID, fetched.Data.TradeID)

	// an exit price in the body is ignored, the close settles at the feed price
	closeBody := []byte(`{"exitPrice":"1000000"}`)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/trades/"+created.Data.Trade.TradeID+"/close", bytes.NewReader(closeBody)))
	require.Equal(t, http.StatusOK, w.Code)
	var closed struct {
		Data Result `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &closed))
	assert.True(t, closed.Data.Trade.ProfitLoss.IsZero(), "pnl %s", closed.Data.Trade.ProfitLoss)
	assert.True(t, closed.Data.Balance.TradingBalance.Equal(dec("1000")))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/trades/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/trades/missing/close", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/trades?status=closed", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Data []Trade `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Len(t, listed.Data, 1)
}
