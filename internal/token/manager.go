package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avauthgw/internal/auth/identity"
	"github.com/vyrodovalexey/avauthgw/internal/observability"
	"github.com/vyrodovalexey/avauthgw/internal/store"
)

// tokenTracerName is the OpenTelemetry tracer name for token operations.
const tokenTracerName = "avauthgw/token"

// Private claim names.
const (
	claimType        = "typ"
	claimRoles       = "roles"
	claimPermissions = "permissions"
	claimUsername    = "username"
	claimMFAEnabled  = "mfa_enabled"
	claimMFAMethods  = "mfa_methods"
	claimAPIVersions = "api_versions"
	claimParentJTI   = "parent_jti"
)

// Store key prefixes. Every record self-expires with the token it describes.
const (
	blacklistPrefix = "token:blacklist:"
	userIndexRoot   = "token:user:"
	refreshRoot     = "token:refresh:"
)

// Pair is the result of token issuance: an access token and, optionally, a
// linked refresh token.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// indexEntry records a live token id in the per-user index.
type indexEntry struct {
	Type      string    `json:"type"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// refreshLink binds a refresh token to the access token it was issued with.
// The link is deleted on first use; a refresh presented without its link is
// treated as reuse.
type refreshLink struct {
	AccessID  string    `json:"accessId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Manager implements the token lifecycle.
type Manager struct {
	config *Config
	store  store.Store
	logger observability.Logger
}

// ManagerOption is a functional option for the Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a new token manager.
func NewManager(config *Config, s store.Store, opts ...ManagerOption) (*Manager, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("store is required")
	}

	m := &Manager{
		config: config,
		store:  s,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// IssueOption customizes token issuance.
type IssueOption func(*issueOptions)

type issueOptions struct {
	ttl            time.Duration
	includeRefresh bool
	extraClaims    map[string]interface{}
}

// WithTTL overrides the default access token lifetime.
func WithTTL(ttl time.Duration) IssueOption {
	return func(o *issueOptions) {
		o.ttl = ttl
	}
}

// WithoutRefresh issues an access token with no linked refresh token.
func WithoutRefresh() IssueOption {
	return func(o *issueOptions) {
		o.includeRefresh = false
	}
}

// WithExtraClaims adds custom claims to the access token.
func WithExtraClaims(claims map[string]interface{}) IssueOption {
	return func(o *issueOptions) {
		o.extraClaims = claims
	}
}

// Issue creates a signed access token embedding the principal snapshot and,
// unless disabled, a linked single-use refresh token.
func (m *Manager) Issue(ctx context.Context, principal *identity.Principal, opts ...IssueOption) (*Pair, error) {
	o := &issueOptions{
		ttl:            m.config.AccessTokenTTL,
		includeRefresh: true,
	}
	for _, opt := range opts {
		opt(o)
	}

	start := time.Now()
	pair, err := m.issue(ctx, principal, o)
	if err != nil {
		recordOperation("issue", "error", time.Since(start))
		return nil, err
	}

	recordOperation("issue", "success", time.Since(start))
	m.logger.Debug("token pair issued",
		observability.String("subject", principal.UserID),
		observability.Bool("refresh", o.includeRefresh),
	)

	return pair, nil
}

func (m *Manager) issue(ctx context.Context, principal *identity.Principal, o *issueOptions) (*Pair, error) {
	now := time.Now()
	accessID := uuid.NewString()
	accessExpiry := now.Add(o.ttl)

	accessToken, err := m.signToken(principal, TypeAccess, accessID, now, accessExpiry, "", o.extraClaims)
	if err != nil {
		return nil, err
	}

	indexValue, err := json.Marshal(indexEntry{Type: TypeAccess, ExpiresAt: accessExpiry})
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(ctx, userIndexKey(principal.UserID, accessID), indexValue, o.ttl); err != nil {
		return nil, fmt.Errorf("failed to index token: %w", err)
	}

	pair := &Pair{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(o.ttl / time.Second),
	}

	if !o.includeRefresh {
		return pair, nil
	}

	refreshID := uuid.NewString()
	refreshExpiry := now.Add(m.config.RefreshTokenTTL)

	refreshToken, err := m.signToken(principal, TypeRefresh, refreshID, now, refreshExpiry, accessID, nil)
	if err != nil {
		return nil, err
	}

	linkValue, err := json.Marshal(refreshLink{AccessID: accessID, ExpiresAt: refreshExpiry})
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(ctx, refreshKey(principal.UserID, refreshID), linkValue, m.config.RefreshTokenTTL); err != nil {
		return nil, fmt.Errorf("failed to store refresh link: %w", err)
	}

	pair.RefreshToken = refreshToken
	return pair, nil
}

// signToken builds and signs a JWT for the principal. The principal snapshot
// rides on both token types so that rotation can reissue a pair without a
// trip to the identity store.
func (m *Manager) signToken(
	principal *identity.Principal,
	tokenType, id string,
	issuedAt, expiry time.Time,
	parentID string,
	extra map[string]interface{},
) (string, error) {
	builder := jwt.NewBuilder().
		Issuer(m.config.Issuer).
		Subject(principal.UserID).
		JwtID(id).
		IssuedAt(issuedAt).
		Expiration(expiry).
		Claim(claimType, tokenType).
		Claim(claimUsername, principal.Username)

	if len(principal.Roles) > 0 {
		builder.Claim(claimRoles, principal.Roles)
	}
	if len(principal.Permissions) > 0 {
		builder.Claim(claimPermissions, principal.Permissions)
	}
	if principal.MFAEnabled {
		builder.Claim(claimMFAEnabled, true)
		builder.Claim(claimMFAMethods, principal.MFAMethods)
	}
	if len(principal.AllowedAPIVersions) > 0 {
		builder.Claim(claimAPIVersions, principal.AllowedAPIVersions)
	}
	if parentID != "" {
		builder.Claim(claimParentJTI, parentID)
	}
	for name, value := range extra {
		builder.Claim(name, value)
	}

	tok, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, m.config.SigningKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return string(signed), nil
}

// Verify checks the token against the blacklist, verifies its signature and
// expiry, enforces the expected type and returns the embedded principal.
func (m *Manager) Verify(ctx context.Context, raw, expectedType string) (*identity.Principal, error) {
	ctx, span := otel.Tracer(tokenTracerName).Start(ctx, "token.Verify",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("token.expected_type", expectedType)),
	)
	defer span.End()

	start := time.Now()
	tok, err := m.verifyToken(ctx, raw, expectedType)
	if err != nil {
		recordOperation("verify", "error", time.Since(start))
		span.SetAttributes(attribute.Bool("token.valid", false))
		return nil, err
	}

	recordOperation("verify", "success", time.Since(start))
	span.SetAttributes(attribute.Bool("token.valid", true))

	return principalFromToken(tok), nil
}

// verifyToken performs blacklist, signature, expiry and type checks, in that
// order. The blacklist lookup uses only the cheaply extracted token id so a
// revoked token is rejected before any signature work.
func (m *Manager) verifyToken(ctx context.Context, raw, expectedType string) (jwt.Token, error) {
	unverified, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return nil, ErrTokenMalformed
	}

	revoked, err := m.isBlacklisted(ctx, unverified.JwtID())
	if err != nil {
		if m.config.RevocationFailClosed {
			m.logger.Warn("blacklist check unavailable, rejecting",
				observability.Error(err),
			)
			return nil, fmt.Errorf("revocation check: %w", err)
		}
		// A store outage must not wedge every authenticated request. Fall
		// back to signature and expiry checks until the store recovers.
		m.logger.Warn("blacklist check unavailable, continuing",
			observability.Error(err),
		)
	} else if revoked {
		return nil, ErrTokenRevoked
	}

	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, m.config.SigningKey),
		jwt.WithValidate(false),
	)
	if err != nil {
		return nil, ErrTokenMalformed
	}

	if err := jwt.Validate(tok, jwt.WithAcceptableSkew(m.config.ClockSkew)); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			if expectedType == TypeRefresh {
				return nil, ErrRefreshTokenExpired
			}
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenMalformed
	}

	if tokenType(tok) != expectedType {
		return nil, ErrTokenTypeMismatch
	}

	return tok, nil
}

// Refresh rotates a refresh token: it validates the token, confirms the
// stored rotation link matches the parent claim, consumes the link and issues
// a brand new access+refresh pair. A missing or mismatched link is treated as
// reuse of a stolen token and revokes every outstanding token for the user.
func (m *Manager) Refresh(ctx context.Context, rawRefresh string) (*Pair, error) {
	start := time.Now()

	pair, err := m.refresh(ctx, rawRefresh)
	if err != nil {
		recordOperation("refresh", "error", time.Since(start))
		return nil, err
	}

	recordOperation("refresh", "success", time.Since(start))
	return pair, nil
}

func (m *Manager) refresh(ctx context.Context, rawRefresh string) (*Pair, error) {
	tok, err := m.verifyToken(ctx, rawRefresh, TypeRefresh)
	if err != nil {
		switch {
		case errors.Is(err, ErrRefreshTokenExpired):
			return nil, err
		case errors.Is(err, ErrTokenRevoked):
			return nil, ErrRefreshTokenInvalid
		default:
			return nil, ErrRefreshTokenInvalid
		}
	}

	userID := tok.Subject()
	refreshID := tok.JwtID()
	parentID, _ := stringClaim(tok, claimParentJTI)

	linkValue, err := m.store.Get(ctx, refreshKey(userID, refreshID))
	if err != nil {
		if store.IsKeyNotFound(err) {
			m.handleReuse(ctx, userID, refreshID)
			return nil, ErrRefreshReuseDetected
		}
		return nil, fmt.Errorf("failed to load refresh link: %w", err)
	}

	var link refreshLink
	if err := json.Unmarshal(linkValue, &link); err != nil {
		return nil, ErrRefreshTokenInvalid
	}

	if link.AccessID != parentID {
		m.handleReuse(ctx, userID, refreshID)
		return nil, ErrRefreshReuseDetected
	}

	// Single-use enforcement: consume the link before issuing the new pair.
	if err := m.store.Delete(ctx, refreshKey(userID, refreshID)); err != nil {
		return nil, fmt.Errorf("failed to consume refresh link: %w", err)
	}

	return m.Issue(ctx, principalFromToken(tok))
}

// handleReuse revokes the whole token family after detected refresh reuse.
func (m *Manager) handleReuse(ctx context.Context, userID, refreshID string) {
	m.logger.Warn("refresh token reuse detected, revoking token family",
		observability.String("subject", userID),
		observability.String("jti", refreshID),
	)
	reuseDetectedTotal.Inc()

	if err := m.RevokeAllForUser(ctx, userID); err != nil {
		m.logger.Error("failed to revoke token family after reuse",
			observability.String("subject", userID),
			observability.Error(err),
		)
	}
}

// Revoke blacklists the given token for its remaining lifetime. The token's
// signature must verify but expiry is ignored, so expired tokens revoke as a
// no-op. Revoking an access token cascades to its linked refresh tokens.
func (m *Manager) Revoke(ctx context.Context, raw string) error {
	start := time.Now()

	err := m.revoke(ctx, raw)
	if err != nil {
		recordOperation("revoke", "error", time.Since(start))
		return err
	}

	recordOperation("revoke", "success", time.Since(start))
	return nil
}

func (m *Manager) revoke(ctx context.Context, raw string) error {
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, m.config.SigningKey),
		jwt.WithValidate(false),
	)
	if err != nil {
		return ErrTokenMalformed
	}

	jti := tok.JwtID()
	userID := tok.Subject()
	remaining := time.Until(tok.Expiration()) + m.config.ClockSkew

	if remaining > 0 {
		if err := m.blacklist(ctx, jti, remaining); err != nil {
			return err
		}
	}

	if tokenType(tok) == TypeAccess {
		if err := m.revokeLinkedRefresh(ctx, userID, jti); err != nil {
			return err
		}
	}

	m.logger.Info("token revoked",
		observability.String("subject", userID),
		observability.String("jti", jti),
	)

	return nil
}

// revokeLinkedRefresh blacklists and deletes every refresh link pointing at
// the given access token id.
func (m *Manager) revokeLinkedRefresh(ctx context.Context, userID, accessID string) error {
	keys, err := m.store.Scan(ctx, refreshRoot+userID+":")
	if err != nil {
		return fmt.Errorf("failed to scan refresh links: %w", err)
	}

	for _, key := range keys {
		value, err := m.store.Get(ctx, key)
		if err != nil {
			continue // expired or concurrently removed
		}

		var link refreshLink
		if err := json.Unmarshal(value, &link); err != nil || link.AccessID != accessID {
			continue
		}

		refreshID := strings.TrimPrefix(key, refreshRoot+userID+":")
		if remaining := time.Until(link.ExpiresAt); remaining > 0 {
			if err := m.blacklist(ctx, refreshID, remaining); err != nil {
				return err
			}
		}
		_ = m.store.Delete(ctx, key)
	}

	return nil
}

// RevokeAllForUser blacklists every live token in the user's index and
// deletes all of the user's refresh links. Unknown or already revoked tokens
// are no-ops, making the operation idempotent.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID string) error {
	start := time.Now()

	indexKeys, err := m.store.Scan(ctx, userIndexRoot+userID+":")
	if err != nil {
		recordOperation("revoke_all", "error", time.Since(start))
		return fmt.Errorf("failed to scan user token index: %w", err)
	}

	for _, key := range indexKeys {
		value, err := m.store.Get(ctx, key)
		if err != nil {
			continue
		}

		var e indexEntry
		if err := json.Unmarshal(value, &e); err != nil {
			continue
		}

		jti := strings.TrimPrefix(key, userIndexRoot+userID+":")
		if remaining := time.Until(e.ExpiresAt); remaining > 0 {
			if err := m.blacklist(ctx, jti, remaining); err != nil {
				recordOperation("revoke_all", "error", time.Since(start))
				return err
			}
		}
		_ = m.store.Delete(ctx, key)
	}

	refreshKeys, err := m.store.Scan(ctx, refreshRoot+userID+":")
	if err != nil {
		recordOperation("revoke_all", "error", time.Since(start))
		return fmt.Errorf("failed to scan refresh links: %w", err)
	}

	for _, key := range refreshKeys {
		value, err := m.store.Get(ctx, key)
		if err == nil {
			var link refreshLink
			if json.Unmarshal(value, &link) == nil {
				refreshID := strings.TrimPrefix(key, refreshRoot+userID+":")
				if remaining := time.Until(link.ExpiresAt); remaining > 0 {
					_ = m.blacklist(ctx, refreshID, remaining)
				}
			}
		}
		_ = m.store.Delete(ctx, key)
	}

	m.logger.Info("all tokens revoked for user",
		observability.String("subject", userID),
		observability.Int("tokens", len(indexKeys)),
		observability.Int("refreshLinks", len(refreshKeys)),
	)

	recordOperation("revoke_all", "success", time.Since(start))
	return nil
}

// blacklist inserts a revocation marker that expires with the token itself,
// keeping the blacklist bounded.
func (m *Manager) blacklist(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return nil
	}
	if err := m.store.Set(ctx, blacklistPrefix+jti, []byte("revoked"), ttl); err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

func (m *Manager) isBlacklisted(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	return m.store.Exists(ctx, blacklistPrefix+jti)
}

func userIndexKey(userID, jti string) string {
	return userIndexRoot + userID + ":" + jti
}

func refreshKey(userID, jti string) string {
	return refreshRoot + userID + ":" + jti
}

// tokenType returns the typ claim, or an empty string.
func tokenType(tok jwt.Token) string {
	typ, _ := stringClaim(tok, claimType)
	return typ
}

func stringClaim(tok jwt.Token, name string) (string, bool) {
	value, ok := tok.Get(name)
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

func stringSliceClaim(tok jwt.Token, name string) []string {
	value, ok := tok.Get(name)
	if !ok {
		return nil
	}

	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func boolClaim(tok jwt.Token, name string) bool {
	value, ok := tok.Get(name)
	if !ok {
		return false
	}
	b, _ := value.(bool)
	return b
}

// principalFromToken rebuilds the principal snapshot embedded in a token.
func principalFromToken(tok jwt.Token) *identity.Principal {
	username, _ := stringClaim(tok, claimUsername)

	return &identity.Principal{
		UserID:             tok.Subject(),
		Username:           username,
		Roles:              stringSliceClaim(tok, claimRoles),
		Permissions:        stringSliceClaim(tok, claimPermissions),
		MFAEnabled:         boolClaim(tok, claimMFAEnabled),
		MFAMethods:         stringSliceClaim(tok, claimMFAMethods),
		AllowedAPIVersions: stringSliceClaim(tok, claimAPIVersions),
	}
}
