package auth

import (
	"context"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/vyrodovalexey/avauthgw/internal/observability"
)

// Enrollment is the result of provisioning a new TOTP secret.
type Enrollment struct {
	// Secret is the base32-encoded shared secret.
	Secret string

	// URL is the otpauth:// provisioning URL for authenticator apps.
	URL string
}

// EnrollMFA generates a TOTP secret for the user and stores it unverified.
// The enrollment becomes verified on the first successful VerifyMFA.
func (a *Authenticator) EnrollMFA(ctx context.Context, userID, username string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      a.config.TOTPIssuer,
		AccountName: username,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}

	if err := a.identity.SetMFASecret(ctx, userID, key.Secret()); err != nil {
		return nil, err
	}

	a.logger.Info("mfa enrollment started",
		observability.String("userId", userID),
	)

	return &Enrollment{
		Secret: key.Secret(),
		URL:    key.URL(),
	}, nil
}

// VerifyMFA checks a TOTP code for the user under the same dual-dimension
// rate limiting as login. Every failure path returns plain false: rate limit
// exceed, missing secret, infrastructure trouble and a wrong code are all
// indistinguishable to the caller, so the response shape leaks nothing about
// user existence or enrollment.
func (a *Authenticator) VerifyMFA(ctx context.Context, userID, code, clientIP string) bool {
	if err := a.checkLimits(ctx, mfaIPPrefix+clientIP, mfaUserPrefix+userID); err != nil {
		mfaVerificationsTotal.WithLabelValues("rate_limited").Inc()
		return false
	}

	secret, verified, err := a.identity.MFASecret(ctx, userID)
	if err != nil || secret == "" {
		a.recordMFA(ctx, userID, clientIP, false)
		mfaVerificationsTotal.WithLabelValues("failure").Inc()
		return false
	}

	if !totp.Validate(code, secret) {
		a.recordMFA(ctx, userID, clientIP, false)
		mfaVerificationsTotal.WithLabelValues("failure").Inc()

		a.logger.Info("mfa verification failed",
			observability.String("userId", userID),
			observability.String("clientIp", clientIP),
		)
		return false
	}

	a.recordMFA(ctx, userID, clientIP, true)
	mfaVerificationsTotal.WithLabelValues("success").Inc()

	if !verified {
		if err := a.identity.MarkMFAVerified(ctx, userID); err != nil {
			a.logger.Warn("failed to mark mfa enrollment verified",
				observability.String("userId", userID),
				observability.Error(err),
			)
		} else {
			a.logger.Info("mfa enrollment verified",
				observability.String("userId", userID),
			)
		}
	}

	return true
}

func (a *Authenticator) recordMFA(ctx context.Context, userID, clientIP string, success bool) {
	if a.config.IPRateLimit != nil {
		if err := a.limiter.Record(ctx, mfaIPPrefix+clientIP, success, *a.config.IPRateLimit); err != nil {
			a.logger.Warn("failed to record mfa outcome", observability.Error(err))
		}
	}
	if a.config.UsernameRateLimit != nil {
		if err := a.limiter.Record(ctx, mfaUserPrefix+userID, success, *a.config.UsernameRateLimit); err != nil {
			a.logger.Warn("failed to record mfa outcome", observability.Error(err))
		}
	}
}
