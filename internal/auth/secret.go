// Package auth holds the host-secret comparison performed once per
// connection at room admission time.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	secretHashIterations = 120_000
	secretHashSaltLength = 16
	secretHashKeyLength  = 32
)

// ErrSecretMismatch reports a failed host-secret comparison.
var ErrSecretMismatch = errors.New("secret mismatch")

// Secret verifies candidate host secrets. The configured value may be either
// a plain shared secret or a pbkdf2 encoding produced by HashSecret; plain
// values are compared in constant time.
type Secret struct {
	configured string
}

// NewSecret wraps the configured shared secret.
func NewSecret(configured string) Secret {
	return Secret{configured: strings.TrimSpace(configured)}
}

// Verify reports whether the candidate matches the configured secret. An
// empty configured secret never matches, so a deployment without a secret
// simply has no host.
func (s Secret) Verify(candidate string) bool {
	if s.configured == "" {
		return false
	}
	if strings.HasPrefix(s.configured, "pbkdf2$") {
		return verifySecretHash(s.configured, candidate) == nil
	}
	return subtle.ConstantTimeCompare([]byte(s.configured), []byte(candidate)) == 1
}

// HashSecret derives a salted pbkdf2-sha256 encoding of the secret, suitable
// for storing in the config file instead of the plain value.
func HashSecret(secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("secret is required")
	}
	salt := make([]byte, secretHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(secret), salt, secretHashIterations, secretHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", secretHashIterations, encodedSalt, encodedKey), nil
}

func verifySecretHash(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify secret: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify secret: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify secret: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify secret: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify secret: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrSecretMismatch
	}
	return nil
}
