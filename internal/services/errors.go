package services

import (
	"errors"
	"net/http"
)

// Sentinel errors for every failure the mutation pipeline can surface.
// Callers branch with errors.Is; persistence errors wrap the driver error
// so the root cause stays reachable.
var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrPersistence       = errors.New("persistence failure")
	ErrVersionConflict   = errors.New("account version conflict")

	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	ErrInvalidSignature = errors.New("invalid QR signature")
	ErrExpiredCode      = errors.New("code expired")
	ErrScanLimitReached = errors.New("scan limit reached")
	ErrSessionClosed    = errors.New("cash session closed")
	ErrCodeConsumed     = errors.New("code already consumed")

	ErrVaultLocked = errors.New("vault locked until deadline")
	ErrVaultClosed = errors.New("vault closed")

	ErrRateLimited = errors.New("rate limit exceeded")
)

// HTTPStatus maps a service error to its response code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrExpiredCode),
		errors.Is(err, ErrScanLimitReached),
		errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrCodeConsumed),
		errors.Is(err, ErrVaultLocked),
		errors.Is(err, ErrVaultClosed):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
