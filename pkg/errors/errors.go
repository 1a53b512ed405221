package apperrors

import "errors"

// Standardized venue errors
var (
	ErrVenueUnavailable      = errors.New("venue unavailable")
	ErrSymbolUnknown         = errors.New("symbol unknown")
	ErrSymbolUnsupported     = errors.New("symbol unsupported")
	ErrPostOnlyRejected      = errors.New("post-only order rejected")
	ErrInsufficientMargin    = errors.New("insufficient margin")
	ErrOrderRejected         = errors.New("order rejected")
	ErrOrderNotFound         = errors.New("order not found")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
)

// Lifecycle and persistence errors
var (
	ErrPartialFillLeftExposed = errors.New("partial fill left exposed")
	ErrPersistence            = errors.New("persistence failure")
	ErrDuplicatePosition      = errors.New("duplicate open position")
	ErrPositionNotFound       = errors.New("position not found")
	ErrInvalidTransition      = errors.New("invalid position status transition")
	ErrOpensHalted            = errors.New("new opens halted")
)

// IsTransient reports whether the error should be retried by the venue
// client with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrVenueUnavailable)
}

// IsVenueRejection reports whether the error is a terminal per-order venue
// rejection. The executor converts these into leg failures.
func IsVenueRejection(err error) bool {
	return errors.Is(err, ErrOrderRejected) ||
		errors.Is(err, ErrPostOnlyRejected) ||
		errors.Is(err, ErrInsufficientMargin)
}

// IsCritical reports whether the error must halt new opens and page an
// operator. Existing positions are preserved.
func IsCritical(err error) bool {
	return errors.Is(err, ErrPartialFillLeftExposed)
}

// IsInsufficientLiquidity reports a pre-flight depth refusal. The strategy
// skips the opportunity and moves on.
func IsInsufficientLiquidity(err error) bool {
	return errors.Is(err, ErrInsufficientLiquidity)
}
