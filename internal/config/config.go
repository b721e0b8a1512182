// Package config defines the gateway admission core's configuration surface
// and its YAML loader. Profiles are named; every lookup falls back to the
// "default" profile so endpoints never run unprotected just because a name
// is missing.
package config

import (
	"fmt"
	"time"

	"github.com/vyrodovalexey/avauthgw/internal/cache"
	"github.com/vyrodovalexey/avauthgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/avauthgw/internal/observability"
	"github.com/vyrodovalexey/avauthgw/internal/ratelimit"
)

// DefaultProfileName is the fallback profile name.
const DefaultProfileName = "default"

// Store types.
const (
	StoreTypeMemory = "memory"
	StoreTypeRedis  = "redis"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig             `yaml:"server"`
	Logging  observability.LogConfig  `yaml:"logging"`
	Store    StoreConfig              `yaml:"store"`
	Token    TokenConfig              `yaml:"token"`
	Auth     AuthConfig               `yaml:"auth"`
	Profiles ProfilesConfig           `yaml:"profiles"`
}

// ServerConfig configures the HTTP surface of the demo binary.
type ServerConfig struct {
	// Addr is the listen address for the admission API.
	Addr string `yaml:"addr"`

	// MetricsAddr is the listen address for Prometheus metrics.
	MetricsAddr string `yaml:"metricsAddr"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// StoreConfig selects and configures the shared state store.
type StoreConfig struct {
	// Type is either "memory" or "redis".
	Type string `yaml:"type"`

	// Prefix namespaces all keys in a shared Redis deployment.
	Prefix string `yaml:"prefix"`

	Redis      RedisConfig      `yaml:"redis"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ResilienceConfig configures the protection circuit wrapped around every
// store call.
type ResilienceConfig struct {
	OperationTimeout Duration `yaml:"operationTimeout"`
	FailureThreshold uint32   `yaml:"failureThreshold"`
	RecoveryTimeout  Duration `yaml:"recoveryTimeout"`
}

// TokenConfig configures the token lifecycle manager. The signing key is
// read from the environment, never from the config file.
type TokenConfig struct {
	Issuer          string   `yaml:"issuer"`
	AccessTokenTTL  Duration `yaml:"accessTokenTTL"`
	RefreshTokenTTL Duration `yaml:"refreshTokenTTL"`
	ClockSkew       Duration `yaml:"clockSkew"`

	// RevocationFailClosed rejects tokens when the revocation blacklist is
	// unreachable, trading availability for revocation precision. Off by
	// default: a store outage falls back to signature and expiry checks.
	RevocationFailClosed bool `yaml:"revocationFailClosed"`
}

// AuthConfig configures the authentication flow. The rate limit dimensions
// reference named profiles; an empty name disables that dimension.
type AuthConfig struct {
	NegativeCacheTTL Duration `yaml:"negativeCacheTTL"`
	IPProfile        string   `yaml:"ipProfile"`
	UsernameProfile  string   `yaml:"usernameProfile"`
	TOTPIssuer       string   `yaml:"totpIssuer"`
}

// ProfilesConfig holds the named protection profiles.
type ProfilesConfig struct {
	RateLimit      map[string]RateLimitProfile      `yaml:"rateLimit"`
	CircuitBreaker map[string]CircuitBreakerProfile `yaml:"circuitBreaker"`
	Cache          map[string]CacheProfile          `yaml:"cache"`
}

// RateLimitProfile is the YAML shape of a rate limit profile.
type RateLimitProfile struct {
	Requests           int      `yaml:"requests"`
	Window             Duration `yaml:"window"`
	LockoutThreshold   int      `yaml:"lockoutThreshold"`
	LockoutDuration    Duration `yaml:"lockoutDuration"`
	ProgressiveLockout bool     `yaml:"progressiveLockout"`
}

// Profile converts to the rate limiter's domain type.
func (p RateLimitProfile) Profile() ratelimit.Profile {
	return ratelimit.Profile{
		Requests:           p.Requests,
		Window:             p.Window.Duration(),
		LockoutThreshold:   p.LockoutThreshold,
		LockoutDuration:    p.LockoutDuration.Duration(),
		ProgressiveLockout: p.ProgressiveLockout,
	}
}

// CircuitBreakerProfile is the YAML shape of a circuit breaker profile.
type CircuitBreakerProfile struct {
	FailureThreshold int      `yaml:"failureThreshold"`
	RecoveryTimeout  Duration `yaml:"recoveryTimeout"`
	MaxFailures      int      `yaml:"maxFailures"`
}

// Profile converts to the circuit breaker's domain type.
func (p CircuitBreakerProfile) Profile() circuitbreaker.Profile {
	return circuitbreaker.Profile{
		FailureThreshold: p.FailureThreshold,
		RecoveryTimeout:  p.RecoveryTimeout.Duration(),
		MaxFailures:      p.MaxFailures,
	}
}

// CacheProfile is the YAML shape of a cache profile.
type CacheProfile struct {
	TTL        Duration `yaml:"ttl"`
	MaxSizeKB  int      `yaml:"maxSizeKB"`
	VaryByUser bool     `yaml:"varyByUser"`
	VaryByRole bool     `yaml:"varyByRole"`
}

// Profile converts to the cache's domain type.
func (p CacheProfile) Profile() cache.Profile {
	return cache.Profile{
		TTL:        p.TTL.Duration(),
		MaxSizeKB:  p.MaxSizeKB,
		VaryByUser: p.VaryByUser,
		VaryByRole: p.VaryByRole,
	}
}

// RateLimitProfile resolves a named rate limit profile, falling back to the
// configured "default" and then to the built-in default.
func (c *Config) RateLimitProfile(name string) ratelimit.Profile {
	if p, ok := c.Profiles.RateLimit[name]; ok {
		return p.Profile()
	}
	if p, ok := c.Profiles.RateLimit[DefaultProfileName]; ok {
		return p.Profile()
	}
	return ratelimit.DefaultProfile()
}

// CircuitBreakerProfile resolves a named circuit breaker profile with the
// same fallback chain.
func (c *Config) CircuitBreakerProfile(name string) circuitbreaker.Profile {
	if p, ok := c.Profiles.CircuitBreaker[name]; ok {
		return p.Profile()
	}
	if p, ok := c.Profiles.CircuitBreaker[DefaultProfileName]; ok {
		return p.Profile()
	}
	return circuitbreaker.DefaultProfile()
}

// CacheProfile resolves a named cache profile with the same fallback chain.
func (c *Config) CacheProfile(name string) cache.Profile {
	if p, ok := c.Profiles.Cache[name]; ok {
		return p.Profile()
	}
	if p, ok := c.Profiles.Cache[DefaultProfileName]; ok {
		return p.Profile()
	}
	return cache.DefaultProfile()
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MetricsAddr:     ":9090",
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Logging: observability.DefaultLogConfig(),
		Store: StoreConfig{
			Type:   StoreTypeMemory,
			Prefix: "avauthgw:",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
			Resilience: ResilienceConfig{
				OperationTimeout: Duration(2 * time.Second),
				FailureThreshold: 5,
				RecoveryTimeout:  Duration(15 * time.Second),
			},
		},
		Token: TokenConfig{
			Issuer:          "avauthgw",
			AccessTokenTTL:  Duration(30 * time.Minute),
			RefreshTokenTTL: Duration(7 * 24 * time.Hour),
			ClockSkew:       Duration(time.Second),
		},
		Auth: AuthConfig{
			NegativeCacheTTL: Duration(30 * time.Second),
			IPProfile:        "login_ip",
			UsernameProfile:  "login_user",
			TOTPIssuer:       "avauthgw",
		},
		Profiles: ProfilesConfig{
			RateLimit: map[string]RateLimitProfile{
				DefaultProfileName: {
					Requests: 100,
					Window:   Duration(time.Minute),
				},
				"login_ip": {
					Requests: 30,
					Window:   Duration(time.Minute),
				},
				"login_user": {
					Requests:           5,
					Window:             Duration(time.Minute),
					LockoutThreshold:   5,
					LockoutDuration:    Duration(15 * time.Minute),
					ProgressiveLockout: true,
				},
			},
			CircuitBreaker: map[string]CircuitBreakerProfile{
				DefaultProfileName: {
					FailureThreshold: 5,
					RecoveryTimeout:  Duration(30 * time.Second),
					MaxFailures:      1,
				},
			},
			Cache: map[string]CacheProfile{
				DefaultProfileName: {
					TTL:       Duration(time.Minute),
					MaxSizeKB: 256,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server addr is required")
	}

	switch c.Store.Type {
	case StoreTypeMemory:
	case StoreTypeRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for store type %q", StoreTypeRedis)
		}
	default:
		return fmt.Errorf("unknown store type: %q", c.Store.Type)
	}

	if c.Token.AccessTokenTTL.Duration() <= 0 {
		return fmt.Errorf("access token ttl must be positive")
	}
	if c.Token.RefreshTokenTTL.Duration() <= c.Token.AccessTokenTTL.Duration() {
		return fmt.Errorf("refresh token ttl must exceed access token ttl")
	}

	for name, p := range c.Profiles.RateLimit {
		profile := p.Profile()
		if err := profile.Validate(); err != nil {
			return fmt.Errorf("rate limit profile %q: %w", name, err)
		}
	}
	for name, p := range c.Profiles.CircuitBreaker {
		profile := p.Profile()
		if err := profile.Validate(); err != nil {
			return fmt.Errorf("circuit breaker profile %q: %w", name, err)
		}
	}
	for name, p := range c.Profiles.Cache {
		profile := p.Profile()
		if err := profile.Validate(); err != nil {
			return fmt.Errorf("cache profile %q: %w", name, err)
		}
	}

	for dimension, name := range map[string]string{
		"auth.ipProfile":       c.Auth.IPProfile,
		"auth.usernameProfile": c.Auth.UsernameProfile,
	} {
		if name == "" {
			continue
		}
		if _, ok := c.Profiles.RateLimit[name]; !ok {
			return fmt.Errorf("%s references unknown rate limit profile %q", dimension, name)
		}
	}

	return nil
}
