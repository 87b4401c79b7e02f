// Package apperr defines the error taxonomy shared by the ledger services.
// Every error carries a category so the HTTP layer can map it to a status code
// without knowing about individual failures.
package apperr

import (
	"errors"
	"fmt"
)

// Error categories
var (
	ErrValidation = errors.New("validation error")
	ErrAuth       = errors.New("authentication error")
	ErrForbidden  = errors.New("forbidden")
	ErrNotFound   = errors.New("not found")
	ErrBusiness   = errors.New("business rule violation")
	ErrConflict   = errors.New("conflict")
	ErrDependency = errors.New("dependency error")
)

// Error is a categorised error with a stable machine readable code
type Error struct {
	Kind    error
	Code    string
	Message string

	base  *Error
	cause error
}

// New creates a sentinel error in the given category
func New(kind error, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches the error category and, for derived errors, the sentinel they came from
func (e *Error) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	if e.base != nil && target == e.base {
		return true
	}
	return false
}

// Withf returns a copy of the sentinel with a more specific message.
// errors.Is still matches the original sentinel.
func (e *Error) Withf(format string, args ...interface{}) *Error {
	root := e
	if e.base != nil {
		root = e.base
	}
	return &Error{
		Kind:    e.Kind,
		Code:    e.Code,
		Message: fmt.Sprintf(format, args...),
		base:    root,
		cause:   e.cause,
	}
}

// Validation builds a one-off validation error
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrValidation, Code: "VALIDATION_FAILED", Message: fmt.Sprintf(format, args...)}
}

// Dependency wraps a storage or collaborator failure
func Dependency(cause error, message string) *Error {
	return &Error{Kind: ErrDependency, Code: "DEPENDENCY_ERROR", Message: message, cause: cause}
}

// KindOf returns the category of err, or nil for errors outside the taxonomy
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

// CodeOf returns the machine readable code of err, or an empty string
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsDependency reports whether err is a storage failure or outside the taxonomy
func IsDependency(err error) bool {
	if err == nil {
		return false
	}
	kind := KindOf(err)
	return kind == nil || kind == ErrDependency
}

// Ledger errors
var (
	ErrInvalidAmount          = New(ErrValidation, "INVALID_AMOUNT", "amount must be greater than zero")
	ErrInvalidAccountType     = New(ErrValidation, "INVALID_ACCOUNT_TYPE", "account type must be demo or live")
	ErrInvalidBalanceField    = New(ErrValidation, "INVALID_BALANCE_FIELD", "unknown balance field")
	ErrSameBalanceField       = New(ErrValidation, "SAME_BALANCE_FIELD", "source and destination balances must differ")
	ErrInvalidQuantity        = New(ErrValidation, "INVALID_QUANTITY", "invalid quantity")
	ErrInvalidPrice           = New(ErrValidation, "INVALID_PRICE", "price must be greater than zero")
	ErrUnknownSymbol          = New(ErrValidation, "UNKNOWN_SYMBOL", "no market price for symbol")
	ErrWalletNotFound         = New(ErrNotFound, "WALLET_NOT_FOUND", "wallet not found")
	ErrInsufficientBalance    = New(ErrBusiness, "INSUFFICIENT_BALANCE", "insufficient balance")
	ErrInsufficientBotBalance = New(ErrBusiness, "INSUFFICIENT_BOT_BALANCE", "insufficient bot trading balance")
	ErrNegativeBalance        = New(ErrBusiness, "NEGATIVE_BALANCE", "balance cannot become negative")
	ErrConcurrentModification = New(ErrConflict, "CONCURRENT_MODIFICATION", "wallet was modified concurrently")
	ErrDuplicateRequest       = New(ErrConflict, "DUPLICATE_REQUEST", "request already processed")
)

// Trading errors
var (
	ErrTradeNotFound    = New(ErrNotFound, "TRADE_NOT_FOUND", "trade not found")
	ErrAlreadyClosed    = New(ErrBusiness, "TRADE_ALREADY_CLOSED", "trade is already closed")
	ErrAlreadyStopped   = New(ErrBusiness, "BOT_ALREADY_STOPPED", "bot trade is already stopped")
	ErrPositionTooLarge = New(ErrBusiness, "POSITION_TOO_LARGE", "position size exceeds the allowed share of the bot balance")
	ErrPositionTooSmall = New(ErrBusiness, "POSITION_TOO_SMALL", "position size is below the minimum")
	ErrLimitNotReached  = New(ErrBusiness, "LIMIT_NOT_REACHED", "market price has not reached the limit price")
)

// Plan and withdrawal errors
var (
	ErrInvalidPlan         = New(ErrValidation, "INVALID_PLAN", "unknown plan")
	ErrAlreadyPending      = New(ErrBusiness, "REQUEST_ALREADY_PENDING", "a plan upgrade request is already pending")
	ErrAlreadyOnPlan       = New(ErrBusiness, "ALREADY_ON_PLAN", "user is already on this plan")
	ErrRequestNotFound     = New(ErrNotFound, "REQUEST_NOT_FOUND", "plan request not found")
	ErrWithdrawalNotFound  = New(ErrNotFound, "WITHDRAWAL_NOT_FOUND", "withdrawal not found")
	ErrAlreadyProcessed    = New(ErrBusiness, "ALREADY_PROCESSED", "request has already been processed")
	ErrNotificationMissing = New(ErrNotFound, "NOTIFICATION_NOT_FOUND", "notification not found")
)

// Auth errors
var (
	ErrInvalidCredentials = New(ErrAuth, "INVALID_CREDENTIALS", "invalid email or password")
	ErrEmailTaken         = New(ErrConflict, "EMAIL_TAKEN", "an account with this email already exists")
	ErrUserNotFound       = New(ErrNotFound, "USER_NOT_FOUND", "user not found")
	ErrAdminRequired      = New(ErrForbidden, "ADMIN_REQUIRED", "admin role required")
)
