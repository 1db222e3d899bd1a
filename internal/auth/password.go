// password.go

// Argon2id password hashing and the signup/reset password policy.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

const (
	argonSaltLen = 16
	argonTime    = uint32(3)
	argonMemory  = uint32(64 * 1024)
	argonThreads = uint8(2)
	argonKeyLen  = uint32(32)
)

var errMalformedHash = errors.New("malformed password hash")

// dummyPasswordHash is verified against when an account has no password, so that path
// costs the same as a real mismatch.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=3,p=2$YWJjZGVmZ2hpamtsbW5vcA$kC6C6jqLzC0JLlJgXhHbKMhLLpVvLJLLQw/IqT9ZYPU"

// HashPassword returns a PHC-formatted Argon2id hash of password.
// Format: $argon2id$v=19$m=65536,t=3,p=2$<base64 salt>$<base64 hash>
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword checks password against a stored Argon2id hash.
// Parameters come from the stored hash so old hashes verify after tuning changes.
func VerifyPassword(password, encodedHash string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, errMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, fmt.Errorf("%w: version %q", errMalformedHash, parts[2])
	}

	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, fmt.Errorf("%w: params: %v", errMalformedHash, err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("%w: salt: %v", errMalformedHash, err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("%w: key: %v", errMalformedHash, err)
	}

	got := argon2.IDKey([]byte(password), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// msgWeakPassword is the single message shown for any policy failure.
const msgWeakPassword = "Password must be at least 8 characters and include 1 uppercase letter."

// PasswordPolicy is applied to new passwords at signup and reset, before any side effect.
//
//	MinLength is a rune count; MaxLength is a byte count (Argon2id input cap). Zero skips either.
//	RequireUppercase gates the uppercase-letter check.
type PasswordPolicy struct {
	MinLength        int
	MaxLength        int
	RequireUppercase bool
}

// DefaultPasswordPolicy: at least 8 characters with one uppercase letter, at most 128 bytes.
var DefaultPasswordPolicy = PasswordPolicy{MinLength: 8, MaxLength: 128, RequireUppercase: true}

// Validate returns a user-facing message, or "" when password is acceptable.
func (p PasswordPolicy) Validate(password string) string {
	if p.MaxLength > 0 && len(password) > p.MaxLength {
		return fmt.Sprintf("Password must be at most %d characters.", p.MaxLength)
	}
	if p.MinLength > 0 && utf8.RuneCountInString(password) < p.MinLength {
		return msgWeakPassword
	}
	if p.RequireUppercase && !strings.ContainsFunc(password, unicode.IsUpper) {
		return msgWeakPassword
	}
	return ""
}
