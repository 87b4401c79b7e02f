package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-ledger/internal/config"
	"github.com/ksred/klear-ledger/internal/types"
)

// RealizePnL applies a realized profit or loss to total_balance and returns the delta applied.
// Profits are always added. In parity mode losses leave total_balance untouched; in symmetric
// mode they are subtracted, floored at zero.
func RealizePnL(w *types.Wallet, pnl decimal.Decimal, mode string) decimal.Decimal {
	if pnl.IsPositive() {
		w.TotalBalance = w.TotalBalance.Add(pnl)
		return pnl
	}
	if pnl.IsZero() || mode == config.PnLModeParity {
		return decimal.Zero
	}

	loss := decimal.Min(pnl.Neg(), w.TotalBalance)
	w.TotalBalance = w.TotalBalance.Sub(loss)
	return loss.Neg()
}
