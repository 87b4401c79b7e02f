package exchange

import (
	"context"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-ledger/internal/apperr"
	"github.com/ksred/klear-ledger/internal/config"
)

var prices = map[string]decimal.Decimal{
	"BTCUSD": decimal.NewFromInt(65000),
	"aapl":   decimal.NewFromInt(190),
}

func TestStaticFeed(t *testing.T) {
	f := NewStaticFeed(prices)
	ctx := context.Background()

	p, err := f.Price(ctx, "btcusd")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(65000)))

	p, err = f.Price(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(190)))

	_, err = f.Price(ctx, "DOGE")
	assert.ErrorIs(t, err, apperr.ErrUnknownSymbol)

	f.SetPrice("DOGE", decimal.RequireFromString("0.15"))
	p, err = f.Price(ctx, "doge")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.RequireFromString("0.15")))
}

func TestSimulatedFeedStaysWithinVarianceBand(t *testing.T) {
	f := NewSimulatedFeed(prices, rand.New(rand.NewSource(42)))
	reference := decimal.NewFromInt(65000)
	low := reference.Mul(decimal.RequireFromString("0.98"))
	high := reference.Mul(decimal.RequireFromString("1.02"))

	for i := 0; i < 200; i++ {
		p, err := f.Price(context.Background(), "BTCUSD")
		require.NoError(t, err)
		assert.True(t, p.GreaterThanOrEqual(low) && p.LessThanOrEqual(high), "price %s out of band", p)
	}
}

func TestSimulatedFeedUnknownSymbol(t *testing.T) {
	f := NewSimulatedFeed(prices, rand.New(rand.NewSource(1)))
	_, err := f.Price(context.Background(), "NOPE")
	assert.ErrorIs(t, err, apperr.ErrUnknownSymbol)
}

func TestNewFeed(t *testing.T) {
	cfg := config.Defaults().Market
	assert.IsType(t, &SimulatedFeed{}, NewFeed(cfg))

	cfg.Feed = "static"
	assert.IsType(t, &StaticFeed{}, NewFeed(cfg))
	assert.Len(t, Venues(), 4)
}
