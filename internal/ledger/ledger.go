package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"gorm.io/gorm"

	"github.com/ksred/klear-ledger/internal/apperr"
	"github.com/ksred/klear-ledger/internal/config"
	"github.com/ksred/klear-ledger/internal/lock"
	"github.com/ksred/klear-ledger/internal/types"
)

const idempotencyTTL = 24 * time.Hour

// Notifier delivers best-effort user notifications. Implementations must not fail the caller.
type Notifier interface {
	Notify(ctx context.Context, userID, title, message, kind string)
}

// Notice is a notification emitted once a mutation has committed
type Notice struct {
	Title   string
	Message string
	Type    string
}

// Change is what a mutation produces: exactly one ledger entry plus notifications
type Change struct {
	Transaction *types.Transaction
	Notices     []Notice
}

// Mutation describes one balance-changing operation on a single wallet.
// Apply receives the freshly read wallet and the open DB transaction; it mutates the
// wallet in place and may write its own rows through tx. Returning an error rolls
// back every write made during the attempt.
type Mutation struct {
	Op             string
	UserID         string
	AccountType    types.AccountType
	IdempotencyKey string
	// Fingerprint identifies the request behind IdempotencyKey; reusing the key
	// with a different fingerprint is rejected
	Fingerprint string
	Apply       func(tx *gorm.DB, w *types.Wallet) (*Change, error)
}

// Fingerprint hashes the parts of a request that an idempotency key must keep stable
func Fingerprint(parts ...interface{}) string {
	b, err := json.Marshal(parts)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Result of a committed (or replayed) mutation
type Result struct {
	Wallet      *types.Wallet
	Transaction *types.Transaction
	Replayed    bool
}

// Ledger runs balance mutations atomically against the wallet store
type Ledger struct {
	db           *Database
	locker       lock.Locker
	notifier     Notifier
	breaker      *gobreaker.CircuitBreaker
	maxRetries   int
	retryBackoff time.Duration
	pnlMode      string
}

func New(db *gorm.DB, cfg config.LedgerConfig, locker lock.Locker, notifier Notifier) *Ledger {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	pnlMode := cfg.PnLMode
	if pnlMode == "" {
		pnlMode = config.PnLModeSymmetric
	}

	return &Ledger{
		db:           NewDatabase(db),
		locker:       locker,
		notifier:     notifier,
		breaker:      newBreaker("ledger-store"),
		maxRetries:   maxRetries,
		retryBackoff: cfg.RetryBackoff,
		pnlMode:      pnlMode,
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// business and validation failures say nothing about store health
		IsSuccessful: func(err error) bool {
			return !apperr.IsDependency(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			breakerState.Set(float64(to))
		},
	})
}

// Store returns the wallet store and transaction log behind the ledger
func (l *Ledger) Store() *Database {
	return l.db
}

func (l *Ledger) PnLMode() string {
	return l.pnlMode
}

// WalletKey identifies the single writer slot of a wallet
func WalletKey(userID string, accountType types.AccountType) string {
	return userID + ":" + string(accountType)
}

// Wallet reads the current wallet state
func (l *Ledger) Wallet(ctx context.Context, userID string, accountType types.AccountType) (*types.Wallet, error) {
	return l.db.GetWallet(ctx, userID, accountType)
}

// Mutate runs m under the wallet lock inside one DB transaction, retrying when the
// optimistic version check detects a concurrent writer.
func (l *Ledger) Mutate(ctx context.Context, m Mutation) (*Result, error) {
	logger := log.With().
		Str("component", "ledger").
		Str("op", m.Op).
		Str("user_id", m.UserID).
		Str("account_type", string(m.AccountType)).
		Logger()

	start := time.Now()
	result, err := l.mutate(ctx, m)
	observeMutation(m.Op, err, time.Since(start))

	if err != nil {
		if apperr.IsDependency(err) {
			logger.Error().Err(err).Msg("ledger mutation failed")
		} else {
			logger.Info().Err(err).Msg("ledger mutation rejected")
		}
		return nil, err
	}

	if result.Replayed {
		logger.Info().Str("transaction_id", result.Transaction.TransactionID).Msg("replayed idempotent mutation")
		return result, nil
	}

	logger.Info().
		Str("transaction_id", result.Transaction.TransactionID).
		Str("amount", result.Transaction.Amount.String()).
		Int64("version", result.Wallet.Version).
		Msg("ledger mutation committed")

	return result, nil
}

func (l *Ledger) mutate(ctx context.Context, m Mutation) (*Result, error) {
	if m.UserID == "" {
		return nil, apperr.Validation("user id is required")
	}
	if !m.AccountType.Valid() {
		return nil, apperr.ErrInvalidAccountType
	}
	if m.Apply == nil {
		return nil, apperr.Validation("mutation %s has nothing to apply", m.Op)
	}

	if m.IdempotencyKey != "" {
		replayed, err := l.replay(ctx, m)
		if err != nil || replayed != nil {
			return replayed, err
		}
	}

	unlock, err := l.locker.Lock(ctx, WalletKey(m.UserID, m.AccountType))
	if err != nil {
		return nil, apperr.Dependency(err, "failed to lock wallet")
	}
	defer unlock()

	var (
		result *Result
		change *Change
	)
	for attempt := 1; ; attempt++ {
		result, change, err = l.attempt(ctx, m)
		if err == nil {
			break
		}

		if errors.Is(err, apperr.ErrDuplicateRequest) && m.IdempotencyKey != "" {
			// lost the race against a request with the same key
			replayed, replayErr := l.replay(ctx, m)
			if replayErr != nil {
				return nil, replayErr
			}
			if replayed != nil {
				return replayed, nil
			}
			return nil, err
		}

		if !errors.Is(err, apperr.ErrConcurrentModification) || attempt >= l.maxRetries {
			return nil, err
		}

		conflictsTotal.WithLabelValues(m.Op).Inc()
		log.Debug().Str("op", m.Op).Int("attempt", attempt).Msg("concurrent wallet modification, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryBackoff * time.Duration(attempt)):
		}
	}

	l.notify(ctx, m.UserID, change.Notices)

	return result, nil
}

// attempt performs one read-compute-write cycle inside a DB transaction
func (l *Ledger) attempt(ctx context.Context, m Mutation) (*Result, *Change, error) {
	var (
		wallet *types.Wallet
		change *Change
	)

	_, err := l.breaker.Execute(func() (interface{}, error) {
		return nil, l.db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			store := l.db.WithTx(tx)

			w, err := store.GetWallet(ctx, m.UserID, m.AccountType)
			if err != nil {
				return err
			}
			before := *w

			change, err = m.Apply(tx, w)
			if err != nil {
				return err
			}
			if change == nil || change.Transaction == nil {
				return apperr.Validation("mutation %s produced no transaction", m.Op)
			}

			if field, negative := w.NegativeField(); negative {
				return apperr.ErrNegativeBalance.Withf("%s balance would become %s", field, w.Balance(field))
			}

			if err := store.UpdateWallet(ctx, w, before.Version); err != nil {
				return err
			}

			txn := change.Transaction
			if txn.TransactionID == "" {
				txn.TransactionID = uuid.New().String()
			}
			if txn.Status == "" {
				txn.Status = types.TxCompleted
			}
			txn.UserID = m.UserID
			txn.AccountType = m.AccountType
			txn.TotalDelta = w.TotalBalance.Sub(before.TotalBalance)
			txn.TradingDelta = w.TradingBalance.Sub(before.TradingBalance)
			txn.BotTradingDelta = w.BotTradingBalance.Sub(before.BotTradingBalance)
			txn.BonusDelta = w.BonusBalance.Sub(before.BonusBalance)

			if err := store.CreateTransaction(ctx, txn); err != nil {
				return err
			}

			if m.IdempotencyKey != "" {
				record := &IdempotencyRecord{
					IdempotencyKey: m.IdempotencyKey,
					UserID:         m.UserID,
					RequestHash:    m.Fingerprint,
					ResourceID:     txn.TransactionID,
					ResourceType:   m.Op,
					ExpiresAt:      time.Now().Add(idempotencyTTL),
				}
				if err := store.CreateIdempotencyRecord(ctx, record); err != nil {
					return err
				}
			}

			wallet = w
			return nil
		})
	})

	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, nil, apperr.Dependency(err, "wallet store unavailable")
		case apperr.KindOf(err) == nil:
			return nil, nil, apperr.Dependency(err, "ledger mutation failed")
		}
		return nil, nil, err
	}

	return &Result{Wallet: wallet, Transaction: change.Transaction}, change, nil
}

// replay returns the stored result of an earlier mutation with the same idempotency key
func (l *Ledger) replay(ctx context.Context, m Mutation) (*Result, error) {
	record, err := l.db.GetIdempotencyRecord(ctx, m.UserID, m.IdempotencyKey)
	if err != nil || record == nil {
		return nil, err
	}

	if record.ExpiresAt.Before(time.Now()) {
		if err := l.db.DeleteIdempotencyRecord(ctx, record); err != nil {
			return nil, apperr.Dependency(err, "failed to expire idempotency record")
		}
		return nil, nil
	}

	if record.ResourceType != m.Op || record.RequestHash != m.Fingerprint {
		return nil, apperr.ErrDuplicateRequest.Withf("idempotency key %s was used for a different request", m.IdempotencyKey)
	}

	txn, err := l.db.GetTransaction(ctx, record.ResourceID)
	if err != nil {
		return nil, err
	}
	wallet, err := l.db.GetWallet(ctx, m.UserID, txn.AccountType)
	if err != nil {
		return nil, err
	}

	replaysTotal.WithLabelValues(m.Op).Inc()
	return &Result{Wallet: wallet, Transaction: txn, Replayed: true}, nil
}

func (l *Ledger) notify(ctx context.Context, userID string, notices []Notice) {
	if l.notifier == nil {
		return
	}
	for _, n := range notices {
		l.notifier.Notify(ctx, userID, n.Title, n.Message, n.Type)
	}
}

// Notify sends notices outside of a mutation, e.g. after a status-only workflow step
func (l *Ledger) Notify(ctx context.Context, userID string, notices ...Notice) {
	l.notify(ctx, userID, notices)
}
