package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Password hash algorithm tags stored next to each hash.
const (
	AlgorithmArgon2id = "argon2id"
	AlgorithmBcrypt   = "bcrypt"
)

// Argon2Params configures argon2id hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params follows the OWASP baseline for argon2id.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// CredentialStore hashes and verifies passwords. New hashes always use
// argon2id; bcrypt hashes are accepted for verification only.
type CredentialStore struct {
	params Argon2Params
	policy PasswordPolicy
}

// CredentialOption configures a CredentialStore.
type CredentialOption func(*CredentialStore)

// WithArgon2Params overrides the argon2id cost parameters.
func WithArgon2Params(p Argon2Params) CredentialOption {
	return func(c *CredentialStore) {
		if p.Memory > 0 {
			c.params.Memory = p.Memory
		}
		if p.Iterations > 0 {
			c.params.Iterations = p.Iterations
		}
		if p.Parallelism > 0 {
			c.params.Parallelism = p.Parallelism
		}
		if p.SaltLength > 0 {
			c.params.SaltLength = p.SaltLength
		}
		if p.KeyLength > 0 {
			c.params.KeyLength = p.KeyLength
		}
	}
}

// WithPasswordPolicy overrides the strength policy.
func WithPasswordPolicy(p PasswordPolicy) CredentialOption {
	return func(c *CredentialStore) {
		c.policy = p
	}
}

// NewCredentialStore builds a CredentialStore with default parameters.
func NewCredentialStore(opts ...CredentialOption) *CredentialStore {
	c := &CredentialStore{
		params: DefaultArgon2Params(),
		policy: DefaultPasswordPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Hash returns an argon2id PHC string and its algorithm tag.
func (c *CredentialStore) Hash(password string) (string, string, error) {
	if password == "" {
		return "", "", NewError(KindWeakPassword, "password is empty", nil)
	}
	salt := make([]byte, c.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, c.params.Iterations, c.params.Memory, c.params.Parallelism, c.params.KeyLength)
	encoded := fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		c.params.Memory,
		c.params.Iterations,
		c.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
	return encoded, AlgorithmArgon2id, nil
}

// Verify reports whether password matches hash. It never returns an error:
// malformed hashes and unknown algorithms simply do not match.
func (c *CredentialStore) Verify(password, hash, algorithm string) bool {
	if password == "" || hash == "" {
		return false
	}
	switch algorithm {
	case AlgorithmArgon2id:
		return verifyArgon2id(password, hash)
	case AlgorithmBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	case "":
		// Rows written before the algorithm column existed.
		if strings.HasPrefix(hash, "$argon2id$") {
			return verifyArgon2id(password, hash)
		}
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	default:
		return false
	}
}

// NeedsRehash reports whether a stored hash should be upgraded to the
// current algorithm and parameters.
func (c *CredentialStore) NeedsRehash(hash, algorithm string) bool {
	if algorithm != AlgorithmArgon2id {
		return true
	}
	p, _, _, err := decodeArgon2id(hash)
	if err != nil {
		return true
	}
	return p.Memory != c.params.Memory || p.Iterations != c.params.Iterations || p.Parallelism != c.params.Parallelism
}

func verifyArgon2id(password, encoded string) bool {
	p, salt, key, err := decodeArgon2id(encoded)
	if err != nil {
		return false
	}
	candidate := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(candidate, key) == 1
}

func decodeArgon2id(encoded string) (Argon2Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: malformed argon2id hash", ErrInvalidInput)
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: argon2id version: %v", ErrInvalidInput, err)
	}
	if version != argon2.Version {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: unsupported argon2 version %d", ErrInvalidInput, version)
	}
	var p Argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: argon2id params: %v", ErrInvalidInput, err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: argon2id salt: %v", ErrInvalidInput, err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: argon2id key", ErrInvalidInput)
	}
	p.SaltLength = uint32(len(salt))
	p.KeyLength = uint32(len(key))
	return p, salt, key, nil
}
