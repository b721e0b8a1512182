package token

import (
	"errors"
	"fmt"
)

// Sentinel errors for token lifecycle operations.
var (
	// ErrTokenExpired indicates that the token has expired.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked indicates that the token has been revoked.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrTokenTypeMismatch indicates that the token is of the wrong type.
	ErrTokenTypeMismatch = errors.New("token type mismatch")

	// ErrTokenMalformed indicates that the token could not be parsed or its
	// signature did not verify.
	ErrTokenMalformed = errors.New("token malformed")

	// ErrRefreshTokenInvalid indicates that the refresh token is invalid or
	// has already been consumed.
	ErrRefreshTokenInvalid = errors.New("refresh token invalid")

	// ErrRefreshTokenExpired indicates that the refresh token has expired.
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// ErrRefreshReuseDetected indicates that a refresh token was presented
	// whose rotation link is missing or points at a different access token.
	// Treated as possible theft; the whole token family is revoked. Wraps
	// ErrRefreshTokenInvalid so callers that only care about validity can
	// match on that.
	ErrRefreshReuseDetected = fmt.Errorf("%w: reuse detected", ErrRefreshTokenInvalid)
)
