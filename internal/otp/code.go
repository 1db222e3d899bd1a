// code.go -- one-time code generation and hashing.
package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"
)

// Alphabet is 32 characters with 0/1/I/O removed so codes survive being read aloud.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the number of characters in a generated code.
const CodeLength = 6

// Generate returns a random code drawn uniformly from Alphabet.
// 32 divides 256, so masking a random byte has no modulo bias.
func Generate() (string, error) {
	var buf [CodeLength]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating otp: %w", err)
	}
	out := make([]byte, CodeLength)
	for i, b := range buf {
		out[i] = Alphabet[int(b)&(len(Alphabet)-1)]
	}
	return string(out), nil
}

// Normalize trims and upper-cases a submitted code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Hash returns the SHA-256 of the normalized code. Only this hash is ever stored.
func Hash(code string) []byte {
	sum := sha256.Sum256([]byte(Normalize(code)))
	return sum[:]
}

// Matches reports whether code hashes to storedHash, in constant time.
func Matches(code string, storedHash []byte) bool {
	return subtle.ConstantTimeCompare(Hash(code), storedHash) == 1
}
