/**
 * @description
 * Typed errors surfaced by the ledger core. Every rejection carries a stable
 * machine-readable code plus a human-readable message; the HTTP layer maps
 * codes to status codes and never sees storage internals.
 */

package domain

import "errors"

// ErrorCode is the stable machine-readable reason attached to a rejection.
type ErrorCode string

const (
	CodeValidation        ErrorCode = "VALIDATION"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeUnauthenticated   ErrorCode = "UNAUTHENTICATED"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"
	CodeLimitExceeded     ErrorCode = "LIMIT_EXCEEDED"
	CodeAccountNotActive  ErrorCode = "ACCOUNT_NOT_ACTIVE"
	CodeCurrencyMismatch  ErrorCode = "CURRENCY_MISMATCH"
	CodeSelfTransfer      ErrorCode = "SELF_TRANSFER"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeStoreFailure      ErrorCode = "STORE_FAILURE"
)

// Error is a business rejection or request failure. Rejections never change
// state; StoreFailure means the operation was rolled back in full.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

// NewError builds a typed error with a stable code and caller-facing message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError attaches an underlying cause without leaking it into the message.
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches two typed errors by code, so callers can test categories with
// errors.Is against a sentinel such as NewError(CodeNotFound, "").
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the ErrorCode from err, or CodeStoreFailure when err is
// not a typed ledger error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStoreFailure
}
