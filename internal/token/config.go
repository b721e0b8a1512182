// Package token implements the bearer token lifecycle: issuance, verification,
// rotation and revocation. Tokens are signed JWTs carrying the principal
// snapshot; revocation goes through a store-backed blacklist keyed by token id.
package token

import (
	"fmt"
	"time"
)

// Token types carried in the "typ" claim.
const (
	// TypeAccess marks short-lived bearer tokens granting API access.
	TypeAccess = "access"

	// TypeRefresh marks single-use tokens exchanged for a new token pair.
	TypeRefresh = "refresh"
)

// Config holds configuration for the token manager.
type Config struct {
	// SigningKey is the HMAC secret used to sign and verify tokens.
	SigningKey []byte `yaml:"-"`

	// Issuer is the iss claim stamped on every token.
	Issuer string `yaml:"issuer"`

	// AccessTokenTTL is the default access token lifetime.
	AccessTokenTTL time.Duration `yaml:"accessTokenTTL"`

	// RefreshTokenTTL is the refresh token lifetime.
	RefreshTokenTTL time.Duration `yaml:"refreshTokenTTL"`

	// ClockSkew is the tolerance applied to expiry checks.
	ClockSkew time.Duration `yaml:"clockSkew"`

	// RevocationFailClosed rejects tokens when the revocation blacklist
	// cannot be reached. Off, a blacklist outage falls back to signature
	// and expiry checks alone, so a revoked token verifies until the
	// store recovers.
	RevocationFailClosed bool `yaml:"revocationFailClosed"`
}

// DefaultConfig returns a Config with default values. The signing key must
// still be provided by the caller.
func DefaultConfig() *Config {
	return &Config{
		Issuer:          "avauthgw",
		AccessTokenTTL:  30 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
		ClockSkew:       time.Second,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.SigningKey) < 32 {
		return fmt.Errorf("signing key must be at least 32 bytes, got %d", len(c.SigningKey))
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = 30 * time.Minute
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if c.ClockSkew < 0 {
		c.ClockSkew = 0
	}
	return nil
}
