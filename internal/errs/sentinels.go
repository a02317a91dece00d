// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates rejected authentication: bad credentials, a bad, expired or
	// revoked token, or a bad second-factor code. It never carries the underlying cause.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSecondFactorRequired is returned by login when the password matched but the
	// account has 2FA enabled and no code was supplied.
	ErrSecondFactorRequired = errors.New("second factor required")

	// ErrForbidden indicates an authenticated principal lacks the privilege.
	ErrForbidden = errors.New("forbidden")

	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrPersistence indicates the store rejected a security-state-changing write.
	ErrPersistence = errors.New("persistence failure")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")
)
