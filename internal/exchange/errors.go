package exchange

import "errors"

// Sentinel errors adapters map venue error codes onto. Callers branch on
// these instead of venue-specific codes.
var (
	ErrRateLimited        = errors.New("exchange: rate limited")
	ErrInsufficientMargin = errors.New("exchange: insufficient margin")
	ErrOrderNotFound      = errors.New("exchange: order not found")
	ErrInvalidLeverage    = errors.New("exchange: invalid leverage")
	ErrOrderRejected      = errors.New("exchange: order rejected")
	ErrSymbolNotFound     = errors.New("exchange: unknown symbol")
)

// Retryable reports whether the error is worth retrying through the
// bounded backoff policy.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInsufficientMargin),
		errors.Is(err, ErrInvalidLeverage),
		errors.Is(err, ErrOrderRejected),
		errors.Is(err, ErrSymbolNotFound):
		return false
	case errors.Is(err, ErrOrderNotFound):
		return false
	}
	return true
}
