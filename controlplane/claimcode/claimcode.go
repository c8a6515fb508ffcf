// Package claimcode generates and normalizes the short pairing codes users type
// into a new device. The alphabet omits 0/O/1/I so codes survive being read
// aloud or written down.
package claimcode

import (
	"crypto/rand"
	"errors"
	"strings"
)

// Alphabet is the unambiguous code alphabet. Input is case-insensitive.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	MinLength = 6
	MaxLength = 12

	// DefaultLength covers short-lived codes; LongLength is used for claims
	// with TTLs above one hour, where the larger space offsets the longer
	// guessing window.
	DefaultLength = 6
	LongLength    = 8
)

var ErrInvalidLength = errors.New("claim code invalid length")

// Generate draws a code of n characters from the alphabet using crypto/rand.
func Generate(n int) (string, error) {
	if n < MinLength || n > MaxLength {
		return "", ErrInvalidLength
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(out), nil
}

// LengthForTTL picks a code length appropriate for the claim lifetime.
func LengthForTTL(ttlSeconds int64) int {
	if ttlSeconds > 3600 {
		return LongLength
	}
	return DefaultLength
}

// Normalize uppercases a user-entered code and strips separators.
func Normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}

// Valid reports whether a normalized code has a legal length and alphabet.
func Valid(code string) bool {
	if len(code) < MinLength || len(code) > MaxLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(Alphabet, rune(code[i])) {
			return false
		}
	}
	return true
}
