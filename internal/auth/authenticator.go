// Package auth orchestrates the login flow: credential verification,
// brute-force defense through the rate limiter, negative-result caching,
// and TOTP-based MFA.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avauthgw/internal/auth/identity"
	"github.com/vyrodovalexey/avauthgw/internal/observability"
	"github.com/vyrodovalexey/avauthgw/internal/ratelimit"
	"github.com/vyrodovalexey/avauthgw/internal/store"
)

// Key namespaces for the two rate limit dimensions and the negative cache.
const (
	loginIPPrefix   = "login:ip:"
	loginUserPrefix = "login:user:"
	mfaIPPrefix     = "mfa:ip:"
	mfaUserPrefix   = "mfa:user:"

	negativeCachePrefix = "auth:negative:"
)

// Config configures the authentication flow.
type Config struct {
	// NegativeCacheTTL is how long a failed login for a username
	// short-circuits subsequent attempts. Zero disables the cache.
	NegativeCacheTTL time.Duration `yaml:"negativeCacheTTL"`

	// IPRateLimit is the profile applied per client IP. Nil disables the
	// IP dimension.
	IPRateLimit *ratelimit.Profile `yaml:"ipRateLimit"`

	// UsernameRateLimit is the profile applied per username. Nil disables
	// the username dimension.
	UsernameRateLimit *ratelimit.Profile `yaml:"usernameRateLimit"`

	// TOTPIssuer is the issuer name embedded in MFA provisioning URLs.
	TOTPIssuer string `yaml:"totpIssuer"`
}

// DefaultConfig returns the default authentication configuration.
func DefaultConfig() *Config {
	ipProfile := ratelimit.Profile{
		Requests: 30,
		Window:   time.Minute,
	}
	userProfile := ratelimit.Profile{
		Requests:           5,
		Window:             time.Minute,
		LockoutThreshold:   5,
		LockoutDuration:    15 * time.Minute,
		ProgressiveLockout: true,
	}

	return &Config{
		NegativeCacheTTL:  30 * time.Second,
		IPRateLimit:       &ipProfile,
		UsernameRateLimit: &userProfile,
		TOTPIssuer:        "avauthgw",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.NegativeCacheTTL < 0 {
		return fmt.Errorf("negative cache ttl must not be negative, got %s", c.NegativeCacheTTL)
	}
	if c.IPRateLimit != nil {
		if err := c.IPRateLimit.Validate(); err != nil {
			return fmt.Errorf("ip rate limit: %w", err)
		}
	}
	if c.UsernameRateLimit != nil {
		if err := c.UsernameRateLimit.Validate(); err != nil {
			return fmt.Errorf("username rate limit: %w", err)
		}
	}
	return nil
}

// Authenticator runs the login and MFA flows.
type Authenticator struct {
	config   *Config
	identity identity.Store
	limiter  *ratelimit.Limiter
	store    store.Store
	logger   observability.Logger
}

// AuthenticatorOption is a functional option for the Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithAuthLogger sets the logger.
func WithAuthLogger(logger observability.Logger) AuthenticatorOption {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(cfg *Config, ids identity.Store, limiter *ratelimit.Limiter, s store.Store, opts ...AuthenticatorOption) (*Authenticator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}
	if ids == nil {
		return nil, fmt.Errorf("identity store is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if s == nil {
		return nil, fmt.Errorf("state store is required")
	}

	a := &Authenticator{
		config:   cfg,
		identity: ids,
		limiter:  limiter,
		store:    s,
		logger:   observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// Authenticate verifies the username/password pair under brute-force
// protection. A recent failure for the same username short-circuits without
// touching the identity store; successes are always re-verified. Both the
// client IP and the username are rate limited independently, and a lockout
// on either dimension rejects the attempt with the remaining time.
func (a *Authenticator) Authenticate(ctx context.Context, username, password, clientIP string) (*identity.Principal, error) {
	if cached := a.negativeCached(ctx, username); cached {
		attemptsTotal.WithLabelValues("negative_cache").Inc()
		return nil, ErrInvalidCredentials
	}

	if err := a.checkLimits(ctx, loginIPPrefix+clientIP, loginUserPrefix+username); err != nil {
		return nil, err
	}

	principal, ok, err := a.identity.VerifyCredentials(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("credential verification: %w", err)
	}

	if !ok {
		a.recordLogin(ctx, username, clientIP, false)
		a.cacheNegative(ctx, username)
		attemptsTotal.WithLabelValues("invalid_credentials").Inc()

		a.logger.Info("login failed",
			observability.String("username", username),
			observability.String("clientIp", clientIP),
		)
		return nil, ErrInvalidCredentials
	}

	a.recordLogin(ctx, username, clientIP, true)
	attemptsTotal.WithLabelValues("success").Inc()

	a.logger.Info("login succeeded",
		observability.String("username", username),
		observability.Bool("mfaRequired", principal.MFAEnabled),
	)

	return principal, nil
}

// checkLimits runs the two rate limit dimensions. Either dimension can be
// disabled by configuration.
func (a *Authenticator) checkLimits(ctx context.Context, ipKey, userKey string) error {
	if a.config.IPRateLimit != nil {
		result, err := a.limiter.Check(ctx, ipKey, *a.config.IPRateLimit)
		if err != nil {
			return err
		}
		if !result.Allowed {
			a.countRejection(result)
			return result.RejectionError()
		}
	}

	if a.config.UsernameRateLimit != nil {
		result, err := a.limiter.Check(ctx, userKey, *a.config.UsernameRateLimit)
		if err != nil {
			return err
		}
		if !result.Allowed {
			a.countRejection(result)
			return result.RejectionError()
		}
	}

	return nil
}

func (a *Authenticator) countRejection(result *ratelimit.Result) {
	if result.Locked {
		attemptsTotal.WithLabelValues("locked").Inc()
	} else {
		attemptsTotal.WithLabelValues("rate_limited").Inc()
	}
}

// recordLogin records the attempt outcome on both dimensions.
func (a *Authenticator) recordLogin(ctx context.Context, username, clientIP string, success bool) {
	if a.config.IPRateLimit != nil {
		if err := a.limiter.Record(ctx, loginIPPrefix+clientIP, success, *a.config.IPRateLimit); err != nil {
			a.logger.Warn("failed to record login outcome", observability.Error(err))
		}
	}
	if a.config.UsernameRateLimit != nil {
		if err := a.limiter.Record(ctx, loginUserPrefix+username, success, *a.config.UsernameRateLimit); err != nil {
			a.logger.Warn("failed to record login outcome", observability.Error(err))
		}
	}
}

// negativeCached reports whether a failed login for the username is still
// cached. Cache errors are ignored; the flow falls through to a full check.
func (a *Authenticator) negativeCached(ctx context.Context, username string) bool {
	if a.config.NegativeCacheTTL <= 0 {
		return false
	}

	exists, err := a.store.Exists(ctx, negativeCachePrefix+username)
	if err != nil {
		return false
	}
	return exists
}

func (a *Authenticator) cacheNegative(ctx context.Context, username string) {
	if a.config.NegativeCacheTTL <= 0 {
		return
	}

	if err := a.store.Set(ctx, negativeCachePrefix+username, []byte("1"), a.config.NegativeCacheTTL); err != nil {
		a.logger.Warn("failed to cache negative login result",
			observability.String("username", username),
			observability.Error(err),
		)
	}
}
