package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vyrodovalexey/avauthgw/internal/auth/identity"
)

func TestGenerateKey_Basic(t *testing.T) {
	key := GenerateKey("users", "/v1/users", "GET", nil, nil, Profile{})
	assert.Equal(t, "users:/v1/users:GET", key)
}

func TestGenerateKey_MethodUppercased(t *testing.T) {
	key := GenerateKey("users", "/v1/users", "get", nil, nil, Profile{})
	assert.Equal(t, "users:/v1/users:GET", key)
}

func TestGenerateKey_VaryByUser(t *testing.T) {
	p := &identity.Principal{UserID: "u-42", Roles: []string{"editor"}}

	key := GenerateKey("users", "/v1/me", "GET", nil, p, Profile{VaryByUser: true})
	assert.Equal(t, "users:/v1/me:GET:user:u-42", key)
}

func TestGenerateKey_VaryByRole(t *testing.T) {
	p := &identity.Principal{UserID: "u-42", Roles: []string{"editor", "viewer"}}

	key := GenerateKey("users", "/v1/reports", "GET", nil, p, Profile{VaryByRole: true})
	assert.Equal(t, "users:/v1/reports:GET:role:editor", key)
}

func TestGenerateKey_VaryByUserTakesPrecedence(t *testing.T) {
	p := &identity.Principal{UserID: "u-42", Roles: []string{"editor"}}

	key := GenerateKey("users", "/v1/me", "GET", nil, p,
		Profile{VaryByUser: true, VaryByRole: true})
	assert.Equal(t, "users:/v1/me:GET:user:u-42", key)
}

func TestGenerateKey_NoPrincipalSkipsVary(t *testing.T) {
	key := GenerateKey("users", "/v1/users", "GET", nil, nil,
		Profile{VaryByUser: true, VaryByRole: true})
	assert.Equal(t, "users:/v1/users:GET", key)
}

func TestGenerateKey_ParamsOrderIndependent(t *testing.T) {
	a := GenerateKey("users", "/v1/users", "GET",
		map[string]string{"page": "2", "limit": "50"}, nil, Profile{})
	b := GenerateKey("users", "/v1/users", "GET",
		map[string]string{"limit": "50", "page": "2"}, nil, Profile{})

	assert.Equal(t, a, b)
	assert.Contains(t, a, ":params:")
}

func TestGenerateKey_DifferentParamsDifferentKeys(t *testing.T) {
	a := GenerateKey("users", "/v1/users", "GET",
		map[string]string{"page": "1"}, nil, Profile{})
	b := GenerateKey("users", "/v1/users", "GET",
		map[string]string{"page": "2"}, nil, Profile{})

	assert.NotEqual(t, a, b)
}
