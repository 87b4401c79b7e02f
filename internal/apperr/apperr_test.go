package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelMatchesCategory(t *testing.T) {
	assert.True(t, errors.Is(ErrInsufficientBalance, ErrBusiness))
	assert.True(t, errors.Is(ErrWalletNotFound, ErrNotFound))
	assert.False(t, errors.Is(ErrWalletNotFound, ErrBusiness))
	assert.False(t, errors.Is(ErrInsufficientBalance, ErrInsufficientBotBalance))
}

func TestWithfKeepsIdentity(t *testing.T) {
	err := ErrInsufficientBalance.Withf("available %s, requested %s", "10", "20")

	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	assert.True(t, errors.Is(err, ErrBusiness))
	assert.Equal(t, "INSUFFICIENT_BALANCE", err.Code)
	assert.Equal(t, "available 10, requested 20", err.Error())

	again := err.Withf("other")
	assert.True(t, errors.Is(again, ErrInsufficientBalance))
}

func TestWrappedErrorsKeepKind(t *testing.T) {
	err := fmt.Errorf("close trade: %w", ErrAlreadyClosed)

	assert.Equal(t, ErrBusiness, KindOf(err))
	assert.Equal(t, "TRADE_ALREADY_CLOSED", CodeOf(err))
	assert.False(t, IsDependency(err))
}

func TestDependency(t *testing.T) {
	cause := errors.New("connection refused")
	err := Dependency(cause, "failed to load wallet")

	assert.True(t, errors.Is(err, ErrDependency))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "failed to load wallet: connection refused", err.Error())
	assert.True(t, IsDependency(err))
	assert.True(t, IsDependency(errors.New("raw")))
	assert.False(t, IsDependency(nil))
}
