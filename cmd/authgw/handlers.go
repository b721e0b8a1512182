package main

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/avauthgw/internal/auth"
	"github.com/vyrodovalexey/avauthgw/internal/auth/identity"
	"github.com/vyrodovalexey/avauthgw/internal/cache"
	"github.com/vyrodovalexey/avauthgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/avauthgw/internal/observability"
	"github.com/vyrodovalexey/avauthgw/internal/ratelimit"
	"github.com/vyrodovalexey/avauthgw/internal/token"
)

// mfaPendingTTL bounds the window between password and MFA verification.
const mfaPendingTTL = 5 * time.Minute

// mfaPendingClaim marks a token issued for the MFA challenge step only.
const mfaPendingClaim = "mfa"

// routes builds the admission API mux.
func (a *application) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	mux.HandleFunc("POST /v1/auth/mfa/verify", a.handleMFAVerify)
	mux.HandleFunc("POST /v1/auth/mfa/enroll", a.handleMFAEnroll)
	mux.HandleFunc("GET /v1/authz/check", a.handleAuthzCheck)

	mux.HandleFunc("POST /v1/token/refresh", a.handleRefresh)
	mux.HandleFunc("POST /v1/token/revoke", a.handleRevoke)
	mux.HandleFunc("GET /v1/token/introspect", a.handleIntrospect)

	mux.HandleFunc("POST /v1/ratelimit/check", a.handleRateLimitCheck)
	mux.HandleFunc("POST /v1/circuit/check", a.handleCircuitCheck)
	mux.HandleFunc("POST /v1/circuit/record", a.handleCircuitRecord)
	mux.HandleFunc("POST /v1/cache/invalidate", a.handleCacheInvalidate)

	mux.HandleFunc("GET /healthz", a.health.LivenessHandler())
	mux.HandleFunc("GET /readyz", a.health.ReadinessHandler())

	return mux
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type mfaChallengeResponse struct {
	MFARequired bool   `json:"mfaRequired"`
	MFAToken    string `json:"mfaToken"`
}

func (a *application) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.decode(w, r, &req) {
		return
	}

	principal, err := a.auth.Authenticate(r.Context(), req.Username, req.Password, clientIP(r))
	if err != nil {
		a.writeError(w, err)
		return
	}

	// MFA-enabled accounts get a challenge token instead of a full pair.
	if principal.MFAEnabled {
		pending, err := a.tokens.Issue(r.Context(), principal,
			token.WithTTL(mfaPendingTTL),
			token.WithoutRefresh(),
			token.WithExtraClaims(map[string]interface{}{mfaPendingClaim: "pending"}),
		)
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, mfaChallengeResponse{
			MFARequired: true,
			MFAToken:    pending.AccessToken,
		})
		return
	}

	pair, err := a.tokens.Issue(r.Context(), principal)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, pair)
}

type mfaVerifyRequest struct {
	MFAToken string `json:"mfaToken"`
	Code     string `json:"code"`
}

func (a *application) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	var req mfaVerifyRequest
	if !a.decode(w, r, &req) {
		return
	}

	principal, err := a.tokens.Verify(r.Context(), req.MFAToken, token.TypeAccess)
	if err != nil {
		a.writeError(w, err)
		return
	}

	// Only challenge tokens are accepted here; a full access token must not
	// be exchangeable for a fresh pair through the MFA endpoint.
	if !hasPendingClaim(req.MFAToken) {
		a.writeError(w, token.ErrTokenTypeMismatch)
		return
	}

	if !a.auth.VerifyMFA(r.Context(), principal.UserID, req.Code, clientIP(r)) {
		a.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "mfa verification failed"})
		return
	}

	// The challenge token is single purpose; revoke it on success.
	if err := a.tokens.Revoke(r.Context(), req.MFAToken); err != nil {
		a.logger.Warn("failed to revoke challenge token", observability.Error(err))
	}

	pair, err := a.tokens.Issue(r.Context(), principal)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, pair)
}

func (a *application) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.bearerPrincipal(w, r)
	if !ok {
		return
	}

	enrollment, err := a.auth.EnrollMFA(r.Context(), principal.UserID, principal.Username)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, enrollment)
}

func (a *application) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.bearerPrincipal(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	roles := query["role"]
	permissions := query["permission"]

	if !auth.CheckPermissions(principal, roles, permissions) {
		a.writeJSON(w, http.StatusForbidden, map[string]string{"error": auth.ErrPermissionDenied.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (a *application) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !a.decode(w, r, &req) {
		return
	}

	pair, err := a.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, pair)
}

type revokeRequest struct {
	Token string `json:"token"`
}

func (a *application) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !a.decode(w, r, &req) {
		return
	}

	if err := a.tokens.Revoke(r.Context(), req.Token); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *application) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.bearerPrincipal(w, r)
	if !ok {
		return
	}
	a.writeJSON(w, http.StatusOK, principal)
}

type rateLimitCheckRequest struct {
	Key     string `json:"key"`
	Profile string `json:"profile"`
}

type rateLimitCheckResponse struct {
	Allowed    bool  `json:"allowed"`
	Remaining  int   `json:"remaining"`
	RetryAfter int64 `json:"retryAfterSeconds,omitempty"`
	Locked     bool  `json:"locked,omitempty"`
}

func (a *application) handleRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	var req rateLimitCheckRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Key == "" {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "key is required"})
		return
	}

	profile := a.config().RateLimitProfile(req.Profile)
	result, err := a.limiter.Check(r.Context(), req.Key, profile)
	if err != nil {
		a.writeError(w, err)
		return
	}

	resp := rateLimitCheckResponse{
		Allowed:    result.Allowed,
		Remaining:  result.Remaining,
		RetryAfter: int64(result.RetryAfter.Seconds()),
		Locked:     result.Locked,
	}

	status := http.StatusOK
	if !result.Allowed {
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfter, 10))
	}
	a.writeJSON(w, status, resp)
}

type circuitRequest struct {
	Service string `json:"service"`
	Profile string `json:"profile"`
	Success bool   `json:"success"`
}

func (a *application) handleCircuitCheck(w http.ResponseWriter, r *http.Request) {
	var req circuitRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Service == "" {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "service is required"})
		return
	}

	profile := a.config().CircuitBreakerProfile(req.Profile)
	if err := a.breaker.Check(r.Context(), req.Service, profile); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *application) handleCircuitRecord(w http.ResponseWriter, r *http.Request) {
	var req circuitRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Service == "" {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "service is required"})
		return
	}

	profile := a.config().CircuitBreakerProfile(req.Profile)

	var err error
	if req.Success {
		err = a.breaker.RecordSuccess(r.Context(), req.Service, profile)
	} else {
		err = a.breaker.RecordFailure(r.Context(), req.Service, profile)
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type invalidateRequest struct {
	Pattern string `json:"pattern"`
}

func (a *application) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Pattern == "" {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pattern is required"})
		return
	}

	removed, err := a.cache.Invalidate(r.Context(), req.Pattern)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// bearerPrincipal verifies the Authorization header and rejects MFA
// challenge tokens.
func (a *application) bearerPrincipal(w http.ResponseWriter, r *http.Request) (*identity.Principal, bool) {
	raw := bearerToken(r)
	if raw == "" {
		a.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		return nil, false
	}

	p, err := a.tokens.Verify(r.Context(), raw, token.TypeAccess)
	if err != nil {
		a.writeError(w, err)
		return nil, false
	}

	if hasPendingClaim(raw) {
		a.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "mfa verification required"})
		return nil, false
	}

	return p, true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// hasPendingClaim reports whether the token carries the MFA challenge
// marker. The signature was already checked by Verify.
func hasPendingClaim(raw string) bool {
	tok, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return false
	}
	v, ok := tok.Get(mfaPendingClaim)
	return ok && v == "pending"
}

// clientIP extracts the caller address, honoring X-Forwarded-For from the
// fronting load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *application) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (a *application) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to encode response", observability.Error(err))
	}
}

// writeError maps domain errors to HTTP statuses.
func (a *application) writeError(w http.ResponseWriter, err error) {
	var (
		rateLimited *ratelimit.RateLimitedError
		locked      *ratelimit.LockedError
		circuitOpen *circuitbreaker.CircuitOpenError
	)

	switch {
	case errors.As(err, &locked):
		w.Header().Set("Retry-After", strconv.Itoa(int(locked.RetryAfter.Seconds())))
		a.writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":      "temporarily locked out",
			"retryAfter": locked.RetryAfter.Round(time.Second).String(),
		})

	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(int(rateLimited.RetryAfter.Seconds())))
		a.writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":      "rate limit exceeded",
			"retryAfter": rateLimited.RetryAfter.Round(time.Second).String(),
		})

	case errors.As(err, &circuitOpen):
		w.Header().Set("Retry-After", strconv.Itoa(int(circuitOpen.RetryAfter.Seconds())))
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":      "circuit open",
			"retryAfter": circuitOpen.RetryAfter.Round(time.Second).String(),
		})

	case errors.Is(err, auth.ErrAuthenticationFailed),
		errors.Is(err, token.ErrTokenExpired),
		errors.Is(err, token.ErrTokenRevoked),
		errors.Is(err, token.ErrTokenTypeMismatch),
		errors.Is(err, token.ErrTokenMalformed),
		errors.Is(err, token.ErrRefreshTokenInvalid),
		errors.Is(err, token.ErrRefreshTokenExpired):
		a.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})

	case errors.Is(err, cache.ErrCacheUnavailable):
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "cache unavailable"})

	default:
		a.logger.Error("request failed", observability.Error(err))
		a.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
