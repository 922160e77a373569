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

	// MFA lifecycle errors
	ErrValidation         = errors.New("malformed input")
	ErrVerificationFailed = errors.New("verification failed")
	ErrIntegrity          = errors.New("secret integrity check failed")
	ErrStateConflict      = errors.New("illegal enrollment state transition")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenConsumed      = errors.New("token already used")
	ErrTokenScope         = errors.New("token not valid for this operation")
	ErrDependency         = errors.New("dependency unavailable")

	// Account state errors
	ErrAccountDisabled = errors.New("account is disabled")
	ErrTooManyAttempts = errors.New("too many verification attempts")
)
