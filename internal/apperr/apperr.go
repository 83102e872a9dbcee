// Package apperr defines the typed errors the core returns to the request
// layer. Each error carries a Kind (the taxonomy a client branches on) and a
// stable machine code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// Kind classifies an error for propagation and wire mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindClosed
	KindValidation
	KindInsufficientFunds
	KindConflict
	KindUnauthorized
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindClosed:
		return "closed"
	case KindValidation:
		return "validation"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindConflict:
		return "conflict"
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// HTTPStatus maps a kind to its response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindClosed, KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Stable error codes.
const (
	CodeMarketNotFound        = "MARKET_NOT_FOUND"
	CodeUserNotFound          = "USER_NOT_FOUND"
	CodeMarketClosed          = "MARKET_CLOSED"
	CodeInvalidAmount         = "INVALID_AMOUNT"
	CodeInvalidSide           = "INVALID_SIDE"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodePositionLimit         = "POSITION_LIMIT"
	CodeInsufficientBalance   = "INSUFFICIENT_BALANCE"
	CodeInsufficientHoldings  = "INSUFFICIENT_HOLDINGS"
	CodeInsufficientLiquidity = "INSUFFICIENT_LIQUIDITY"
	CodeTradeConflict         = "TRADE_CONFLICT"
	CodeOutcomeMissing        = "OUTCOME_MISSING"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeAlreadyExists         = "ALREADY_EXISTS"
	CodeRateLimited           = "RATE_LIMITED"
	CodeInternal              = "INTERNAL_ERROR"
)

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Shortfall is set on InsufficientHoldings: how much |amount| exceeds
	// the position's current value.
	Shortfall decimal.Decimal
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so wrapped instances compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the caller may simply resubmit.
func (e *Error) Retryable() bool { return e.Kind == KindConflict }

// New builds an Error.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Wrap builds an Error around a cause.
func Wrap(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

// Internal wraps an infrastructure failure.
func Internal(msg string, err error) *Error {
	return Wrap(KindInternal, CodeInternal, msg, err)
}

// Sentinels. Use errors.Is against these; construct detailed instances with
// the helpers below.
var (
	ErrMarketNotFound        = New(KindNotFound, CodeMarketNotFound, "market not found")
	ErrUserNotFound          = New(KindNotFound, CodeUserNotFound, "user not found")
	ErrMarketClosed          = New(KindClosed, CodeMarketClosed, "market is closed for trading")
	ErrInvalidAmount         = New(KindValidation, CodeInvalidAmount, "amount must be a non-zero number")
	ErrInvalidSide           = New(KindValidation, CodeInvalidSide, "side must be YES or NO")
	ErrInsufficientBalance   = New(KindInsufficientFunds, CodeInsufficientBalance, "insufficient balance")
	ErrInsufficientHoldings  = New(KindInsufficientFunds, CodeInsufficientHoldings, "insufficient holdings")
	ErrInsufficientLiquidity = New(KindInsufficientFunds, CodeInsufficientLiquidity, "market pool cannot cover sell")
	ErrTradeConflict         = New(KindConflict, CodeTradeConflict, "concurrent trade conflict, retry")
	ErrOutcomeMissing        = New(KindValidation, CodeOutcomeMissing, "market outcome has not been declared")
	ErrUnauthorized          = New(KindUnauthorized, CodeUnauthorized, "unauthorized")
	ErrAlreadyExists         = New(KindConflict, CodeAlreadyExists, "already exists")
	ErrRateLimited           = New(KindRateLimited, CodeRateLimited, "too many requests, slow down")
)

// InsufficientHoldings reports a sell larger than the position's value.
func InsufficientHoldings(value, requested decimal.Decimal) *Error {
	shortfall := requested.Sub(value)
	return &Error{
		Kind:      KindInsufficientFunds,
		Code:      CodeInsufficientHoldings,
		Message:   fmt.Sprintf("insufficient holdings: position worth %s, requested %s (short %s)", value.StringFixed(2), requested.StringFixed(2), shortfall.StringFixed(2)),
		Shortfall: shortfall,
	}
}

// Validation builds a request validation error.
func Validation(code, msg string) *Error {
	return New(KindValidation, code, msg)
}

// KindOf classifies any error; unclassified errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code of err.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
