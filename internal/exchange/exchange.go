package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-ledger/internal/apperr"
	"github.com/ksred/klear-ledger/internal/config"
)

// PriceFeed resolves the execution price of a symbol
type PriceFeed interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Venue represents a mock trading venue quoting around the reference price
type Venue struct {
	ID              string
	Name            string
	LiquidityFactor float64 // 0-1, represents available liquidity
	SuccessRate     float64 // 0-1, probability of returning a quote
	MaxVariance     float64 // maximum relative deviation from the reference price
}

var mockVenues = []*Venue{
	{
		ID:              "EXCH1",
		Name:            "Primary Exchange",
		LiquidityFactor: 0.9,
		SuccessRate:     0.95,
		MaxVariance:     0.005,
	},
	{
		ID:              "EXCH2",
		Name:            "Secondary Exchange",
		LiquidityFactor: 0.7,
		SuccessRate:     0.90,
		MaxVariance:     0.01,
	},
	{
		ID:              "EXCH3",
		Name:            "Regional Exchange",
		LiquidityFactor: 0.5,
		SuccessRate:     0.85,
		MaxVariance:     0.015,
	},
	{
		ID:              "EXCH4",
		Name:            "Dark Pool",
		LiquidityFactor: 0.3,
		SuccessRate:     0.75,
		MaxVariance:     0.02,
	},
}

// NewFeed builds the feed selected in configuration
func NewFeed(cfg config.MarketConfig) PriceFeed {
	if cfg.Feed == "static" {
		return NewStaticFeed(cfg.Prices)
	}
	return NewSimulatedFeed(cfg.Prices, rand.New(rand.NewSource(rand.Int63())))
}

func normalise(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// StaticFeed always quotes the configured reference price
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

func NewStaticFeed(prices map[string]decimal.Decimal) *StaticFeed {
	f := &StaticFeed{prices: make(map[string]decimal.Decimal, len(prices))}
	for symbol, price := range prices {
		f.prices[normalise(symbol)] = price
	}
	return f
}

// SetPrice moves the quote of a symbol
func (f *StaticFeed) SetPrice(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[normalise(symbol)] = price
}

func (f *StaticFeed) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.prices[normalise(symbol)]
	if !ok || !price.IsPositive() {
		return decimal.Zero, apperr.ErrUnknownSymbol.Withf("no market price for %s", symbol)
	}
	return price, nil
}

// SimulatedFeed routes a quote request to a weighted random venue which prices
// the symbol within its variance band around the reference price.
type SimulatedFeed struct {
	reference *StaticFeed

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSimulatedFeed(prices map[string]decimal.Decimal, rnd *rand.Rand) *SimulatedFeed {
	return &SimulatedFeed{
		reference: NewStaticFeed(prices),
		rnd:       rnd,
	}
}

func (f *SimulatedFeed) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	reference, err := f.reference.Price(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	logger := log.With().Str("component", "price_feed").Str("symbol", normalise(symbol)).Logger()

	// a few venues may decline to quote; fall back to the reference price after three tries
	for i := 0; i < 3; i++ {
		venue := f.bestVenue()
		f.mu.Lock()
		quoted := f.rnd.Float64() <= venue.SuccessRate
		variance := f.rnd.Float64()*2*venue.MaxVariance - venue.MaxVariance
		f.mu.Unlock()

		if !quoted {
			logger.Debug().Str("venue_id", venue.ID).Msg("venue declined to quote")
			continue
		}

		price := reference.Mul(decimal.NewFromFloat(1 + variance)).Round(8)
		logger.Debug().
			Str("venue_id", venue.ID).
			Str("reference_price", reference.String()).
			Str("price", price.String()).
			Msg("price quoted")
		return price, nil
	}

	logger.Warn().Msg("no venue quoted, using reference price")
	return reference, nil
}

// bestVenue selects a venue weighted by liquidity and success rate
func (f *SimulatedFeed) bestVenue() *Venue {
	totalWeight := 0.0
	for _, v := range mockVenues {
		totalWeight += v.LiquidityFactor * v.SuccessRate
	}

	f.mu.Lock()
	choice := f.rnd.Float64() * totalWeight
	f.mu.Unlock()

	currentWeight := 0.0
	for _, v := range mockVenues {
		currentWeight += v.LiquidityFactor * v.SuccessRate
		if currentWeight >= choice {
			return v
		}
	}

	return mockVenues[0]
}

// Venues lists the simulated venues, mainly for diagnostics
func Venues() []string {
	names := make([]string, 0, len(mockVenues))
	for _, v := range mockVenues {
		names = append(names, fmt.Sprintf("%s (%s)", v.Name, v.ID))
	}
	return names
}
