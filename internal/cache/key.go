package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/vyrodovalexey/avauthgw/internal/auth/identity"
)

// GenerateKey builds a deterministic cache key of the form
// service:endpoint:method[:user:<id>|:role:<role>][:params:<hash>].
// VaryByUser takes precedence over VaryByRole; both are skipped when no
// principal is present. Query parameters are sorted before hashing so key
// generation is order independent.
func GenerateKey(service, endpoint, method string, queryParams map[string]string, principal *identity.Principal, profile Profile) string {
	parts := []string{service, endpoint, strings.ToUpper(method)}

	if principal != nil {
		switch {
		case profile.VaryByUser:
			parts = append(parts, "user", principal.UserID)
		case profile.VaryByRole:
			parts = append(parts, "role", principal.PrimaryRole())
		}
	}

	if len(queryParams) > 0 {
		parts = append(parts, "params", hashParams(queryParams))
	}

	return strings.Join(parts, ":")
}

// hashParams hashes sorted key=value pairs to a short hex digest.
func hashParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}

	sum := sha256.Sum256([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(sum[:8])
}
