package auth

import (
	"errors"
	"fmt"
)

// Sentinel errors for the authentication flow.
var (
	// ErrAuthenticationFailed is the base class for credential failures.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrInvalidCredentials indicates the username/password pair did not
	// verify. Unknown users and wrong passwords are never distinguished.
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", ErrAuthenticationFailed)

	// ErrPermissionDenied indicates the principal lacks a required role or
	// permission.
	ErrPermissionDenied = errors.New("permission denied")
)
