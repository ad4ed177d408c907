// Package auth implements PBKDF2-HMAC-SHA256 password hashing for
// credential storage, using golang.org/x/crypto/pbkdf2 for key derivation
// and crypto/subtle for constant-time comparison against timing attacks.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	iterations = 100_000
	keyLength  = sha256.Size
)

// HashPassword generates a random salt and derives a PBKDF2-HMAC-SHA256 key
// from password, returning the storage form "base64(salt)$base64(hash)".
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	hash := pbkdf2.Key([]byte(password), salt, iterations, keyLength, sha256.New)
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

// VerifyPassword recomputes the hash of password under the salt stored in
// blob and compares it to the stored hash in constant time.
func VerifyPassword(blob, password string) (bool, error) {
	saltB64, hashB64, ok := strings.Cut(blob, "$")
	if !ok {
		return false, fmt.Errorf("auth: malformed password blob")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(hashB64)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}
	got := pbkdf2.Key([]byte(password), salt, iterations, keyLength, sha256.New)
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}
