package domain

import "errors"

var (
	ErrConflict           = errors.New("concurrent update conflict")
	ErrRetriesExhausted   = errors.New("reservation retries exhausted")
	ErrStoreUnavailable   = errors.New("quota store unavailable")
	ErrInvalidPolicy      = errors.New("invalid policy")
	ErrLimiterClosed      = errors.New("rate limiter closed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrUnknownOperation   = errors.New("unknown operation")
	ErrInvalidReservation = errors.New("actor and resource are required")
)
