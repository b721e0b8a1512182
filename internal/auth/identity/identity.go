// Package identity defines the authenticated principal and the identity
// store abstraction used for credential verification.
package identity

import "context"

// Principal is the snapshot of an authenticated caller. It is produced by the
// authentication flow and embedded into issued tokens; it is never persisted
// by the admission core itself.
type Principal struct {
	UserID      string   `json:"userId"`
	Username    string   `json:"username"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`

	MFAEnabled bool     `json:"mfaEnabled,omitempty"`
	MFAMethods []string `json:"mfaMethods,omitempty"`

	AllowedAPIVersions []string `json:"allowedApiVersions,omitempty"`
}

// HasRole returns true if the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission returns true if the principal carries the given permission.
func (p *Principal) HasPermission(permission string) bool {
	for _, perm := range p.Permissions {
		if perm == permission {
			return true
		}
	}
	return false
}

// PrimaryRole returns the first listed role, or an empty string.
func (p *Principal) PrimaryRole() string {
	if len(p.Roles) == 0 {
		return ""
	}
	return p.Roles[0]
}

// Store verifies credentials against the backing identity system and returns
// the caller's role and permission snapshot. Implementations are external to
// the admission core; a password mismatch and an unknown user are both
// reported as a verification failure, never distinguished.
type Store interface {
	// VerifyCredentials checks username/password and returns the Principal
	// on success, or (nil, false) on mismatch. The error return is reserved
	// for infrastructure failures.
	VerifyCredentials(ctx context.Context, username, password string) (*Principal, bool, error)

	// MFASecret returns the stored TOTP secret for the user and whether the
	// enrollment has been verified.
	MFASecret(ctx context.Context, userID string) (secret string, verified bool, err error)

	// SetMFASecret stores a TOTP secret for the user, initially unverified.
	SetMFASecret(ctx context.Context, userID, secret string) error

	// MarkMFAVerified marks the user's MFA enrollment as verified.
	MarkMFAVerified(ctx context.Context, userID string) error
}
