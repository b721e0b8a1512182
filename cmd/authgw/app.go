package main

import (
	"fmt"
	"sync/atomic"

	"github.com/vyrodovalexey/avauthgw/internal/auth"
	"github.com/vyrodovalexey/avauthgw/internal/auth/identity"
	"github.com/vyrodovalexey/avauthgw/internal/cache"
	"github.com/vyrodovalexey/avauthgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/avauthgw/internal/config"
	"github.com/vyrodovalexey/avauthgw/internal/health"
	"github.com/vyrodovalexey/avauthgw/internal/observability"
	"github.com/vyrodovalexey/avauthgw/internal/ratelimit"
	"github.com/vyrodovalexey/avauthgw/internal/store"
	"github.com/vyrodovalexey/avauthgw/internal/token"
)

// application wires the admission core components together.
type application struct {
	cfg    atomic.Pointer[config.Config]
	logger observability.Logger

	store    store.Store
	tokens   *token.Manager
	limiter  *ratelimit.Limiter
	breaker  *circuitbreaker.Breaker
	cache    *cache.Cache
	identity *identity.MemoryStore
	auth     *auth.Authenticator
	health   *health.Checker
}

// newApplication builds all components from the configuration.
func newApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{logger: logger}
	app.cfg.Store(cfg)

	st, err := buildStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	app.store = st

	signingKey, err := config.SigningKey()
	if err != nil {
		return nil, err
	}

	tokenCfg := &token.Config{
		SigningKey:           signingKey,
		Issuer:               cfg.Token.Issuer,
		AccessTokenTTL:       cfg.Token.AccessTokenTTL.Duration(),
		RefreshTokenTTL:      cfg.Token.RefreshTokenTTL.Duration(),
		ClockSkew:            cfg.Token.ClockSkew.Duration(),
		RevocationFailClosed: cfg.Token.RevocationFailClosed,
	}
	app.tokens, err = token.NewManager(tokenCfg, st, token.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("token manager: %w", err)
	}

	app.limiter = ratelimit.NewLimiter(st, ratelimit.WithLimiterLogger(logger))
	app.breaker = circuitbreaker.NewBreaker(st, circuitbreaker.WithBreakerLogger(logger))
	app.cache = cache.New(st, cache.WithCacheLogger(logger))

	app.identity = identity.NewMemoryStore()

	authCfg := buildAuthConfig(cfg)
	app.auth, err = auth.NewAuthenticator(authCfg, app.identity, app.limiter, st,
		auth.WithAuthLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("authenticator: %w", err)
	}

	app.health = health.NewChecker(version)
	app.health.Register("store", health.StoreCheck(st))

	return app, nil
}

// buildStore selects the state store backend.
func buildStore(cfg *config.Config, logger observability.Logger) (store.Store, error) {
	var backing store.Store

	switch cfg.Store.Type {
	case config.StoreTypeRedis:
		rs, err := store.NewRedisStore(&store.RedisConfig{
			Address:  cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Prefix,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		backing = rs
	default:
		backing = store.NewMemoryStore()
	}

	return store.NewResilientStore(backing, &store.ResilientConfig{
		Name:             cfg.Store.Type,
		OperationTimeout: cfg.Store.Resilience.OperationTimeout.Duration(),
		FailureThreshold: cfg.Store.Resilience.FailureThreshold,
		RecoveryTimeout:  cfg.Store.Resilience.RecoveryTimeout.Duration(),
		Logger:           logger,
	}), nil
}

// buildAuthConfig resolves the auth flow's named rate limit profiles.
func buildAuthConfig(cfg *config.Config) *auth.Config {
	authCfg := &auth.Config{
		NegativeCacheTTL: cfg.Auth.NegativeCacheTTL.Duration(),
		TOTPIssuer:       cfg.Auth.TOTPIssuer,
	}

	if cfg.Auth.IPProfile != "" {
		p := cfg.RateLimitProfile(cfg.Auth.IPProfile)
		authCfg.IPRateLimit = &p
	}
	if cfg.Auth.UsernameProfile != "" {
		p := cfg.RateLimitProfile(cfg.Auth.UsernameProfile)
		authCfg.UsernameRateLimit = &p
	}

	return authCfg
}

// config returns the current configuration snapshot.
func (a *application) config() *config.Config {
	return a.cfg.Load()
}

// applyConfig publishes a reloaded configuration. Profile lookups pick up
// the new values on the next request; component wiring is not rebuilt.
func (a *application) applyConfig(cfg *config.Config) {
	a.cfg.Store(cfg)
	a.logger.Info("configuration applied",
		observability.Int("rateLimitProfiles", len(cfg.Profiles.RateLimit)),
		observability.Int("circuitProfiles", len(cfg.Profiles.CircuitBreaker)),
		observability.Int("cacheProfiles", len(cfg.Profiles.Cache)),
	)
}

// close shuts down background tasks and the store connection.
func (a *application) close() {
	_ = a.limiter.Close()
	_ = a.breaker.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", observability.Error(err))
	}
}
