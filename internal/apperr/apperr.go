package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the machine-readable error code returned to callers.
// The UI branches on these values, so they are part of the wire contract.
type Code string

const (
	// Input validation
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeInvalidAmount    Code = "INVALID_AMOUNT"
	CodeUnsupportedAsset Code = "UNSUPPORTED_ASSET"
	CodeUnsupportedFiat  Code = "UNSUPPORTED_FIAT"

	// Feasibility
	CodeNoMatch               Code = "NO_MATCH"
	CodeLimitTooLow           Code = "LIMIT_TOO_LOW"
	CodeLimitTooHigh          Code = "LIMIT_TOO_HIGH"
	CodeInsufficientLiquidity Code = "INSUFFICIENT_LIQUIDITY"
	CodeOfferInactive         Code = "OFFER_INACTIVE"
	CodeOfferNotFound         Code = "OFFER_NOT_FOUND"
	CodePaymentMethod         Code = "PAYMENT_METHOD_NOT_ACCEPTED"
	CodeVerificationRequired  Code = "VERIFICATION_REQUIRED"
	CodeQuoteExpired          Code = "QUOTE_EXPIRED"
	CodePriceMismatch         Code = "PRICE_MISMATCH"
	CodeSelfTrade             Code = "SELF_TRADE"

	// State machine
	CodeInvalidTransition Code = "INVALID_STATE_TRANSITION"
	CodeTradeExpired      Code = "TRADE_EXPIRED"
	CodeTradeNotFound     Code = "TRADE_NOT_FOUND"
	CodeForbidden         Code = "FORBIDDEN"
	CodeProfileNotFound   Code = "SELLER_PROFILE_NOT_FOUND"

	// Idempotency conflicts
	CodeIdempotencyKeyReused Code = "IDEMPOTENCY_KEY_REUSED"
	CodeIdempotencyPending   Code = "IDEMPOTENCY_IN_PROGRESS"

	// Infrastructure
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeInternal         Code = "INTERNAL"
)

// Category groups codes by how a client should react to them.
type Category int

const (
	CategoryValidation Category = iota
	CategoryFeasibility
	CategoryState
	CategoryConflict
	CategoryInfrastructure
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryFeasibility:
		return "feasibility"
	case CategoryState:
		return "state"
	case CategoryConflict:
		return "conflict"
	case CategoryInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

var categories = map[Code]Category{
	CodeInvalidRequest:        CategoryValidation,
	CodeInvalidAmount:         CategoryValidation,
	CodeUnsupportedAsset:      CategoryValidation,
	CodeUnsupportedFiat:       CategoryValidation,
	CodeNoMatch:               CategoryFeasibility,
	CodeLimitTooLow:           CategoryFeasibility,
	CodeLimitTooHigh:          CategoryFeasibility,
	CodeInsufficientLiquidity: CategoryFeasibility,
	CodeOfferInactive:         CategoryFeasibility,
	CodeOfferNotFound:         CategoryFeasibility,
	CodePaymentMethod:         CategoryFeasibility,
	CodeVerificationRequired:  CategoryFeasibility,
	CodeQuoteExpired:          CategoryFeasibility,
	CodePriceMismatch:         CategoryFeasibility,
	CodeSelfTrade:             CategoryFeasibility,
	CodeInvalidTransition:     CategoryState,
	CodeTradeExpired:          CategoryState,
	CodeTradeNotFound:         CategoryState,
	CodeForbidden:             CategoryState,
	CodeProfileNotFound:       CategoryState,
	CodeIdempotencyKeyReused:  CategoryConflict,
	CodeIdempotencyPending:    CategoryConflict,
	CodeRateLimited:           CategoryInfrastructure,
	CodeStoreUnavailable:      CategoryInfrastructure,
	CodeInternal:              CategoryInfrastructure,
}

// Error is the typed error surfaced by the engine.
type Error struct {
	Code   Code
	Reason string
	Err    error
}

// New creates an error with a human-readable reason.
func New(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// Newf creates an error with a formatted reason.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code so callers can write
// errors.Is(err, apperr.New(apperr.CodeNoMatch, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Category returns the taxonomy bucket for the code.
func (e *Error) Category() Category {
	if c, ok := categories[e.Code]; ok {
		return c
	}
	return CategoryInfrastructure
}

// Retryable reports whether a blind retry may succeed.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeStoreUnavailable, CodeIdempotencyPending, CodeRateLimited:
		return true
	}
	return false
}

// HTTPStatus maps the code onto a response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeNoMatch, CodeOfferNotFound, CodeTradeNotFound, CodeProfileNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeInternal:
		return http.StatusInternalServerError
	}
	switch e.Category() {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryFeasibility:
		return http.StatusUnprocessableEntity
	case CategoryState, CategoryConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

// CodeOf extracts the code from err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// From returns err as *Error, wrapping untyped errors as CodeInternal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, "internal error", err)
}
