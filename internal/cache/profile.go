package cache

import (
	"fmt"
	"time"
)

// Profile is a named cache configuration.
type Profile struct {
	// TTL is how long a stored response stays fresh. Zero disables caching
	// for endpoints using this profile.
	TTL time.Duration `yaml:"ttl"`

	// MaxSizeKB is the largest response body, in kilobytes, that will be
	// cached. Zero means no size limit.
	MaxSizeKB int `yaml:"maxSizeKB"`

	// VaryByUser partitions cached responses per user. Takes precedence
	// over VaryByRole.
	VaryByUser bool `yaml:"varyByUser"`

	// VaryByRole partitions cached responses per primary role.
	VaryByRole bool `yaml:"varyByRole"`
}

// DefaultProfile returns the fallback profile used when a named profile is
// not configured.
func DefaultProfile() Profile {
	return Profile{
		TTL:       time.Minute,
		MaxSizeKB: 256,
	}
}

// Validate validates the profile.
func (p *Profile) Validate() error {
	if p.TTL < 0 {
		return fmt.Errorf("ttl must not be negative, got %s", p.TTL)
	}
	if p.MaxSizeKB < 0 {
		return fmt.Errorf("max size must not be negative, got %d", p.MaxSizeKB)
	}
	return nil
}
