package domain

import "errors"

// Error kinds surfaced across the control plane. Transient dependency
// failures are recovered locally (fallback tier or bounded retry); the rest
// surface to the caller and the audit log.
var (
	ErrCircuitOpen        = errors.New("circuit open")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrRateLimited        = errors.New("rate limited")
	ErrSafetyViolation    = errors.New("safety violation")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrSagaFailed         = errors.New("saga failed")
	ErrEscalated          = errors.New("escalated to human review")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrAuthRequired       = errors.New("authentication required")
	ErrForbidden          = errors.New("authorization denied")
	ErrSecondFactor       = errors.New("second factor required")
	ErrEmergencyStopped   = errors.New("agents halted by emergency stop")
)
