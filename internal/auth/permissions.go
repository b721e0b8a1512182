package auth

import "github.com/vyrodovalexey/avauthgw/internal/auth/identity"

// adminRole short-circuits every permission check.
const adminRole = "admin"

// wildcardPermission grants everything.
const wildcardPermission = "*"

// CheckPermissions reports whether the principal satisfies the required
// roles and permissions. An admin role or a wildcard permission grants
// everything. Otherwise the principal must hold at least one of the
// required roles (when any are listed) and every required permission.
func CheckPermissions(p *identity.Principal, requiredRoles, requiredPermissions []string) bool {
	if p == nil {
		return false
	}

	if p.HasRole(adminRole) || p.HasPermission(wildcardPermission) {
		return true
	}

	if len(requiredRoles) > 0 {
		matched := false
		for _, role := range requiredRoles {
			if p.HasRole(role) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, perm := range requiredPermissions {
		if !p.HasPermission(perm) {
			return false
		}
	}

	return true
}
