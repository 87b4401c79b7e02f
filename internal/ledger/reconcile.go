package ledger

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-ledger/internal/types"
)

var balanceFields = []types.BalanceField{
	types.BalanceTotal,
	types.BalanceTrading,
	types.BalanceBotTrading,
	types.BalanceBonus,
}

// Reconcile sums every transaction delta of a wallet and compares it with the stored balances
func (l *Ledger) Reconcile(ctx context.Context, userID string, accountType types.AccountType) (*types.ReconciliationResult, error) {
	wallet, err := l.db.GetWallet(ctx, userID, accountType)
	if err != nil {
		return nil, err
	}

	txns, err := l.db.AllTransactions(ctx, userID, accountType)
	if err != nil {
		return nil, err
	}

	sums := make(map[types.BalanceField]decimal.Decimal, len(balanceFields))
	for _, txn := range txns {
		for _, f := range balanceFields {
			sums[f] = sums[f].Add(txn.Delta(f))
		}
	}

	result := &types.ReconciliationResult{
		UserID:      userID,
		AccountType: accountType,
		Balanced:    true,
		Fields:      make(map[types.BalanceField]types.FieldComparison, len(balanceFields)),
	}

	for _, f := range balanceFields {
		stored := wallet.Balance(f)
		diff := stored.Sub(sums[f])
		result.Fields[f] = types.FieldComparison{
			Stored:     stored,
			Calculated: sums[f],
			Difference: diff,
		}
		if !diff.IsZero() {
			result.Balanced = false
		}
	}

	if !result.Balanced {
		log.Warn().
			Str("user_id", userID).
			Str("account_type", string(accountType)).
			Int("transactions", len(txns)).
			Msg("wallet does not reconcile with transaction log")
	}

	return result, nil
}
