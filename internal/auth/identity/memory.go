package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters, following OWASP recommendations.
const (
	argonMemory      = 64 * 1024
	argonIterations  = 3
	argonParallelism = 2
	argonSaltLength  = 16
	argonKeyLength   = 32
)

// ErrUserExists is returned when registering a username that is taken.
var ErrUserExists = errors.New("user already exists")

// memoryUser is an in-memory identity record.
type memoryUser struct {
	principal    Principal
	passwordHash string
	mfaSecret    string
	mfaVerified  bool
}

// MemoryStore is an in-memory identity store with argon2id password hashes.
// It backs tests and single-node demo deployments; production deployments
// plug in their own identity system behind the Store interface.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*memoryUser // keyed by username
	byID  map[string]*memoryUser
}

// NewMemoryStore creates an empty in-memory identity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*memoryUser),
		byID:  make(map[string]*memoryUser),
	}
}

// AddUser registers a user with the given password and snapshot.
func (s *MemoryStore) AddUser(principal Principal, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[principal.Username]; ok {
		return ErrUserExists
	}

	u := &memoryUser{principal: principal, passwordHash: hash}
	s.users[principal.Username] = u
	s.byID[principal.UserID] = u

	return nil
}

// VerifyCredentials implements Store.
func (s *MemoryStore) VerifyCredentials(ctx context.Context, username, password string) (*Principal, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()

	if !ok {
		// Burn comparable time for unknown users to blunt username probing.
		_ = VerifyPassword(password, unknownUserHash)
		return nil, false, nil
	}

	if !VerifyPassword(password, u.passwordHash) {
		return nil, false, nil
	}

	principal := u.principal
	return &principal, true, nil
}

// MFASecret implements Store.
func (s *MemoryStore) MFASecret(ctx context.Context, userID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[userID]
	if !ok {
		return "", false, nil
	}
	return u.mfaSecret, u.mfaVerified, nil
}

// SetMFASecret implements Store.
func (s *MemoryStore) SetMFASecret(ctx context.Context, userID, secret string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[userID]
	if !ok {
		return fmt.Errorf("unknown user: %s", userID)
	}
	u.mfaSecret = secret
	u.mfaVerified = false
	u.principal.MFAEnabled = true
	if len(u.principal.MFAMethods) == 0 {
		u.principal.MFAMethods = []string{"totp"}
	}
	return nil
}

// MarkMFAVerified implements Store.
func (s *MemoryStore) MarkMFAVerified(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[userID]
	if !ok {
		return fmt.Errorf("unknown user: %s", userID)
	}
	u.mfaVerified = true
	return nil
}

// unknownUserHash is a fixed hash compared against for unknown usernames so
// lookups take roughly the same time whether or not the user exists.
var unknownUserHash = func() string {
	h, err := HashPassword("unknown-user-placeholder")
	if err != nil {
		panic(err)
	}
	return h
}()

// HashPassword generates a PHC-format argon2id hash including salt and parameters.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)

	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory,
		argonIterations,
		argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword compares a plaintext password against a PHC-style argon2id hash.
func VerifyPassword(password, encodedHash string) bool {
	var (
		memory, iterations uint32
		parallelism        uint8
		b64Salt, b64Hash   string
	)

	n, err := fmt.Sscanf(encodedHash, "$argon2id$v=19$m=%d,t=%d,p=%d$%s",
		&memory, &iterations, &parallelism, &b64Salt)
	if err != nil || n != 4 {
		return false
	}

	// Sscanf's %s is greedy; split the trailing salt$hash pair manually.
	for i := 0; i < len(b64Salt); i++ {
		if b64Salt[i] == '$' {
			b64Hash = b64Salt[i+1:]
			b64Salt = b64Salt[:i]
			break
		}
	}
	if b64Hash == "" {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(b64Salt)
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(b64Hash)
	if err != nil {
		return false
	}

	computed := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(expected)))

	return subtle.ConstantTimeCompare(computed, expected) == 1
}
