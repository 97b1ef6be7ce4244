package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Challenge errors
	ErrNotEnrolled         = errors.New("identity not enrolled for method")
	ErrProviderUnavailable = errors.New("challenge provider unavailable")
	ErrChallengeExpired    = errors.New("challenge expired")
	ErrChallengeConsumed   = errors.New("challenge already consumed")
	ErrCodeMismatch        = errors.New("challenge code mismatch")
	ErrChallengeNotFound   = errors.New("challenge not found")

	// Session errors
	ErrSessionExpired   = errors.New("session expired")
	ErrSessionRevoked   = errors.New("session revoked")
	ErrSessionNotFound  = errors.New("session not found")
	ErrRiskRejected     = errors.New("session rejected by risk policy")
	ErrConcurrencyLimit = errors.New("session concurrency limit exceeded")

	// Lockout errors
	ErrLocked = errors.New("account is temporarily locked")

	// Store and delivery errors
	ErrStoreUnavailable = errors.New("backing store unavailable")
	ErrAuditWrite       = errors.New("audit event write failed")
	ErrDeliveryFailed   = errors.New("message delivery failed")
)
