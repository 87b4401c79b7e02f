package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-ledger/internal/apperr"
	"github.com/ksred/klear-ledger/internal/config"
	"github.com/ksred/klear-ledger/internal/testutil"
	"github.com/ksred/klear-ledger/internal/types"
)

var dec = testutil.Dec

type sideRow struct {
	gorm.Model
	Label string
}

func newTestLedger(t *testing.T) (*Ledger, *gorm.DB, *testutil.RecordingNotifier) {
	t.Helper()
	db := testutil.NewDB(t, &IdempotencyRecord{}, &sideRow{})
	notifier := &testutil.RecordingNotifier{}
	cfg := config.Defaults().Ledger
	cfg.RetryBackoff = time.Millisecond
	return New(db, cfg, nil, notifier), db, notifier
}

func creditMutation(userID string, amount decimal.Decimal) Mutation {
	return Mutation{
		Op:          "credit",
		UserID:      userID,
		AccountType: types.AccountLive,
		Fingerprint: Fingerprint(amount.String()),
		Apply: func(_ *gorm.DB, w *types.Wallet) (*Change, error) {
			w.TotalBalance = w.TotalBalance.Add(amount)
			return &Change{
				Transaction: &types.Transaction{Type: types.TxAdminCredit, Amount: amount},
				Notices:     []Notice{{Title: "Account Credited", Message: amount.String(), Type: "success"}},
			}, nil
		},
	}
}

func TestMutateCommitsWalletAndTransaction(t *testing.T) {
	l, db, notifier := newTestLedger(t)
	testutil.SeedWallet(t, db, "u1", types.AccountLive, "100", "0", "0", "0")

	result, err := l.Mutate(context.Background(), creditMutation("u1", dec("25.5")))
	require.NoError(t, err)

	assert.True(t, result.Wallet.TotalBalance.Equal(dec("125.5")))
	assert.Equal(t, int64(2), result.Wallet.Version)
	assert.Equal(t, types.TxCompleted, result.Transaction.Status)
	assert.True(t, result.Transaction.TotalDelta.Equal(dec("25.5")))
	assert.True(t, result.Transaction.TradingDelta.IsZero())
	assert.NotEmpty(t, result.Transaction.TransactionID)

	stored := testutil.LoadWallet(t, db, "u1", types.AccountLive)
	assert.True(t, stored.TotalBalance.Equal(dec("125.5")))
	assert.Equal(t, []string{"Account Credited"}, notifier.Titles())
}

func TestMutateRejectionLeavesWalletUntouched(t *testing.T) {
	l, db, notifier := newTestLedger(t)
	testutil.SeedWallet(t, db, "u1", types.AccountLive, "100", "0", "0", "0")

	_, err := l.Mutate(context.Background(), Mutation{
		Op:          "withdraw",
		UserID:      "u1",
		AccountType: types.AccountLive,
		Apply: func(tx *gorm.DB, w *types.Wallet) (*Change, error) {
			require.NoError(t, tx.Create(&sideRow{Label: "written before failure"}).Error)
			w.TotalBalance = w.TotalBalance.Sub(dec("500"))
			return nil, apperr.ErrInsufficientBalance
		},
	})
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	stored := testutil.LoadWallet(t, db, "u1", types.AccountLive)
	assert.True(t, stored.TotalBalance.Equal(dec("100")))
	assert.Equal(t, int64(1), stored.Version)

	var rows int64
	db.Model(&sideRow{}).Count(&rows)
	assert.Zero(t, rows, "rows written inside a failed mutation must be rolled back")
	assert.Empty(t, notifier.Titles())
}

func TestMutateGuardsNegativeBalances(t *testing.T) {
	l, db, _ := newTestLedger(t)
	testutil.SeedWallet(t, db, "u1", types.AccountLive, "10", "0", "0", "0")

	_, err := l.Mutate(context.Background(), creditMutation("u1", dec("-20")))
	assert.ErrorIs(t, err, apperr.ErrNegativeBalance)

	stored := testutil.LoadWallet(t, db, "u1", types.AccountLive)
	assert.True(t, stored.TotalBalance.Equal(dec("10")))
}

func TestMutateWalletNotFound(t *testing.T) {
	l, _, _ := newTestLedger(t)

	_, err := l.Mutate(context.Background(), creditMutation("ghost", dec("1")))
	assert.ErrorIs(t, err, apperr.ErrWalletNotFound)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateWalletDetectsStaleVersion(t *testing.T) {
	_, db, _ := newTestLedger(t)
	w := testutil.SeedWallet(t, db, "u1", types.AccountLive, "100", "0", "0", "0")
	store := NewDatabase(db)
	ctx := context.Background()

	first := *w
	first.TotalBalance = dec("150")
	require.NoError(t, store.UpdateWallet(ctx, &first, 1))

	second := *w
	second.TotalBalance = dec("80")
	err := store.UpdateWallet(ctx, &second, 1)
	assert.ErrorIs(t, err, apperr.ErrConcurrentModification)

	stored := testutil.LoadWallet(t, db, "u1", types.AccountLive)
	assert.True(t, stored.TotalBalance.Equal(dec("150")), "the second writer must not overwrite the first")
	assert.Equal(t, int64(2), stored.Version)
}

func TestMutateRetriesOnConcurrentModification(t *testing.T) {
	l, db, _ := newTestLedger(t)
	testutil.SeedWallet(t, db, "u1", types.AccountLive, "100", "0", "0", "0")

	attempts := 0
	result, err := l.Mutate(context.Background(), Mutation{
		Op:          "credit",
		UserID:      "u1",
		AccountType: types.AccountLive,
		Apply: func(tx *gorm.DB, w *types.Wallet) (*Change, error) {
			attempts++
			if attempts == 1 {
				// another writer sneaks in between our read and write
				require.NoError(t, tx.Model(&types.Wallet{}).Where("id = ?", w.ID).
					Update("version", gorm.Expr("version + 1")).Error)
			}
			w.TotalBalance = w.TotalBalance.Add(dec("5"))
			return &Change{Transaction: &types.Transaction{Type: types.TxAdminCredit, Amount: dec("5")}}, nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, attempts)
	assert.True(t, result.Wallet.TotalBalance.Equal(dec("105")))

	var count int64
	db.Model(&types.Transaction{}).Where("type = ?", types.TxAdminCredit).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestMutateGivesUpAfterMaxRetries(t *testing.T) {
	l, db, _ := newTestLedger(t)
	testutil.SeedWallet(t, db, "u1", types.AccountLive, "100", "0", "0", "0")

	attempts := 0
	_, err := l.Mutate(context.Background(), Mutation{
		Op:          "credit",
		UserID:      "u1",
		AccountType: types.AccountLive,
		Apply: func(tx *gorm.DB, w *types.Wallet) (*Change, error) {
			attempts++
			require.NoError(t, tx.Model(&types.Wallet{}).Where("id = ?", w.ID).
				Update("version", gorm.Expr("version + 1")).Error)
			w.TotalBalance = w.TotalBalance.Add(dec("5"))
			return &Change{Transaction: &types.Transaction{Type: types.TxAdminCredit, Amount: dec("5")}}, nil
		},
	})

	assert.ErrorIs(t, err, apperr.ErrConcurrentModification)
	assert.Equal(t, l.maxRetries, attempts)
	stored := testutil.LoadWallet(t, db, "u1", types.AccountLive)
	assert.True(t, stored.TotalBalance.Equal(dec("100")))
}

func TestMutateIdempotencyKeyReplays(t *testing.T) {
	l, db, notifier := newTestLedger(t)
	testutil.SeedWallet(t, db, "u1", types.AccountLive, "100", "0", "0", "0")
	ctx := context.Background()

	m := creditMutation("u1", dec("10"))
	m.IdempotencyKey = "credit-abc"

	first, err := l.Mutate(ctx, m)
	require.NoError(t, err)
	second, err := l.Mutate(ctx, m)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.TransactionID, second.Transaction.TransactionID)
	assert.True(t, second.Wallet.TotalBalance.Equal(dec("110")))
	assert.Len(t, notifier.Titles(), 1)

	// keys belong to the wallet owner, another user may pick the same one
	other := creditMutation("u2", dec("10"))
	other.IdempotencyKey = "credit-abc"
	testutil.SeedWallet(t, db, "u2", types.AccountLive, "0", "0", "0", "0")
	result, err := l.Mutate(ctx, other)
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.True(t, result.Wallet.TotalBalance.Equal(dec("10")))
}

func TestMutateIdempotencyKeyRejectsChangedRequest(t *testing.T) {
	l, db, _ := newTestLedger(t)
	testutil.SeedWallet(t, db, "u1", types.AccountLive, "100", "0", "0", "0")
	ctx := context.Background()

	m := creditMutation("u1", dec("10"))
	m.IdempotencyKey = "credit-xyz"
	_, err := l.Mutate(ctx, m)
	require.NoError(t, err)

	changed := creditMutation("u1", dec("1000"))
	changed.IdempotencyKey = "credit-xyz"
	_, err = l.Mutate(ctx, changed)
	assert.ErrorIs(t, err, apperr.ErrDuplicateRequest)

	stored := testutil.LoadWallet(t, db, "u1", types.AccountLive)
	assert.True(t, stored.TotalBalance.Equal(dec("110")), "a reused key must not credit a different amount")
}

func TestFingerprintIsStable(t *testing.T) {
	assert.Equal(t, Fingerprint("10", types.AccountLive), Fingerprint("10", types.AccountLive))
	assert.NotEqual(t, Fingerprint("10", types.AccountLive), Fingerprint("10", types.AccountDemo))
	assert.Len(t, Fingerprint(), 64)
}

func TestMutateExpiredIdempotencyKeyRunsAgain(t *testing.T) {
	l, db, _ := newTestLedger(t)
	testutil.SeedWallet(t, db, "u1", types.AccountLive, "100", "0", "0", "0")
	ctx := context.Background()

	m := creditMutation("u1", dec("10"))
	m.IdempotencyKey = "credit-old"
	_, err := l.Mutate(ctx, m)
	require.NoError(t, err)

	require.NoError(t, db.Model(&IdempotencyRecord{}).Where("idempotency_key = ?", "credit-old").
		Update("expires_at", time.Now().Add(-time.Hour)).Error)

	result, err := l.Mutate(ctx, m)
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.True(t, result.Wallet.TotalBalance.Equal(dec("120")))
}

func TestMutateWrapsStoreFailuresAsDependency(t *testing.T) {
	l, db, _ := newTestLedger(t)
	testutil.SeedWallet(t, db, "u1", types.AccountLive, "100", "0", "0", "0")

	_, err := l.Mutate(context.Background(), Mutation{
		Op:          "credit",
		UserID:      "u1",
		AccountType: types.AccountLive,
		Apply: func(tx *gorm.DB, w *types.Wallet) (*Change, error) {
			return nil, errors.New("disk on fire")
		},
	})
	assert.ErrorIs(t, err, apperr.ErrDependency)
}

func TestMutateValidatesInput(t *testing.T) {
	l, _, _ := newTestLedger(t)

	m := creditMutation("u1", dec("1"))
	m.AccountType = "paper"
	_, err := l.Mutate(context.Background(), m)
	assert.ErrorIs(t, err, apperr.ErrInvalidAccountType)

	m = creditMutation("", dec("1"))
	_, err = l.Mutate(context.Background(), m)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestReconcile(t *testing.T) {
	l, db, _ := newTestLedger(t)
	testutil.SeedWallet(t, db, "u1", types.AccountLive, "100", "20", "0", "5")
	ctx := context.Background()

	_, err := l.Mutate(ctx, Mutation{
		Op:          "transfer",
		UserID:      "u1",
		AccountType: types.AccountLive,
		Apply: func(_ *gorm.DB, w *types.Wallet) (*Change, error) {
			w.TotalBalance = w.TotalBalance.Sub(dec("40"))
			w.TradingBalance = w.TradingBalance.Add(dec("40"))
			return &Change{Transaction: &types.Transaction{Type: types.TxTransfer, Amount: dec("40")}}, nil
		},
	})
	require.NoError(t, err)

	result, err := l.Reconcile(ctx, "u1", types.AccountLive)
	require.NoError(t, err)
	assert.True(t, result.Balanced)
	assert.True(t, result.Fields[types.BalanceTrading].Calculated.Equal(dec("60")))

	// an out-of-band correction shows up as a difference
	require.NoError(t, db.Model(&types.Wallet{}).Where("user_id = ?", "u1").Update("bonus_balance", dec("7")).Error)
	result, err = l.Reconcile(ctx, "u1", types.AccountLive)
	require.NoError(t, err)
	assert.False(t, result.Balanced)
	assert.True(t, result.Fields[types.BalanceBonus].Difference.Equal(dec("2")))
}

func TestRealizePnL(t *testing.T) {
	tests := []struct {
		name      string
		mode      string
		total     string
		pnl       string
		wantTotal string
		wantDelta string
	}{
		{"profit symmetric", config.PnLModeSymmetric, "100", "50", "150", "50"},
		{"profit parity", config.PnLModeParity, "100", "50", "150", "50"},
		{"loss parity leaves total", config.PnLModeParity, "100", "-30", "100", "0"},
		{"loss symmetric", config.PnLModeSymmetric, "100", "-30", "70", "-30"},
		{"loss symmetric floored", config.PnLModeSymmetric, "20", "-30", "0", "-20"},
		{"flat", config.PnLModeSymmetric, "100", "0", "100", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &types.Wallet{TotalBalance: dec(tt.total)}
			delta := RealizePnL(w, dec(tt.pnl), tt.mode)
			assert.True(t, w.TotalBalance.Equal(dec(tt.wantTotal)), "total %s", w.TotalBalance)
			assert.True(t, delta.Equal(dec(tt.wantDelta)), "delta %s", delta)
		})
	}
}
