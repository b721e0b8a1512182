package circuitbreaker

import (
	"fmt"
	"time"
)

// Profile is a named circuit breaker configuration.
type Profile struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state that opens the circuit.
	FailureThreshold int `yaml:"failureThreshold"`

	// RecoveryTimeout is how long the circuit stays open before the next
	// check is admitted as a half-open trial.
	RecoveryTimeout time.Duration `yaml:"recoveryTimeout"`

	// MaxFailures is the number of failures tolerated in the half-open state
	// before the circuit reopens.
	MaxFailures int `yaml:"maxFailures"`
}

// DefaultProfile returns the fallback profile used when a named profile is
// not configured.
func DefaultProfile() Profile {
	return Profile{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		MaxFailures:      1,
	}
}

// Validate validates the profile.
func (p *Profile) Validate() error {
	if p.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be positive, got %d", p.FailureThreshold)
	}
	if p.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery timeout must be positive, got %s", p.RecoveryTimeout)
	}
	if p.MaxFailures < 1 {
		return fmt.Errorf("max failures must be positive, got %d", p.MaxFailures)
	}
	return nil
}
