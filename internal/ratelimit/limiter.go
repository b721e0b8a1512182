// Package ratelimit provides fixed-window rate limiting with escalating
// lockout for brute-force defense. State lives in the shared state store;
// cross-replica counter consistency is the store's concern.
package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// Profile is a named rate limit configuration.
type Profile struct {
	// Requests is the maximum number of requests allowed per window.
	Requests int `yaml:"requests"`

	// Window is the fixed window duration.
	Window time.Duration `yaml:"window"`

	// LockoutThreshold is the number of failed attempts within a full window
	// that triggers a lockout. Zero disables lockout.
	LockoutThreshold int `yaml:"lockoutThreshold"`

	// LockoutDuration is the base lockout duration.
	LockoutDuration time.Duration `yaml:"lockoutDuration"`

	// ProgressiveLockout scales the lockout duration with accumulated
	// consecutive failures, capped at 4x the base duration.
	ProgressiveLockout bool `yaml:"progressiveLockout"`
}

// DefaultProfile returns the fallback profile used when a named profile is
// not configured.
func DefaultProfile() Profile {
	return Profile{
		Requests: 100,
		Window:   time.Minute,
	}
}

// Validate validates the profile.
func (p *Profile) Validate() error {
	if p.Requests < 1 {
		return fmt.Errorf("requests must be positive, got %d", p.Requests)
	}
	if p.Window < time.Second {
		return fmt.Errorf("window must be at least one second, got %s", p.Window)
	}
	if p.LockoutThreshold > 0 && p.LockoutDuration <= 0 {
		return fmt.Errorf("lockout duration required when lockout threshold is set")
	}
	return nil
}

// Result is the outcome of a rate limit check.
type Result struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Remaining is the number of requests left in the current window.
	Remaining int

	// RetryAfter is how long to wait before retrying (when not allowed).
	RetryAfter time.Duration

	// Locked indicates the rejection comes from an active lockout rather
	// than window exhaustion.
	Locked bool
}

// Sentinel errors for rate limit rejections.
var (
	// ErrRateLimited indicates the window limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrLocked indicates an active lockout is blocking all traffic.
	ErrLocked = errors.New("temporarily locked out")
)

// RateLimitedError carries the retry-after hint for a window rejection.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}

// Is reports equivalence to ErrRateLimited.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// LockedError carries the remaining lockout time.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("locked out, retry after %s", e.RetryAfter.Round(time.Second))
}

// Is reports equivalence to ErrLocked.
func (e *LockedError) Is(target error) bool {
	return target == ErrLocked
}

// RejectionError converts a rejected Result into the matching typed error,
// or nil if the result was allowed.
func (r *Result) RejectionError() error {
	if r.Allowed {
		return nil
	}
	if r.Locked {
		return &LockedError{RetryAfter: r.RetryAfter}
	}
	return &RateLimitedError{RetryAfter: r.RetryAfter}
}
