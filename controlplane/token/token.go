// Package token issues and verifies the opaque bearer tokens handed to
// instances at registration. The relay keeps only a salted hash; the cleartext
// exists once, in the register response.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/mydia/relay/internal/base64url"
)

const Prefix = "MDT1"

const (
	tokenBytes = 32
	saltBytes  = 16
)

var ErrInvalidFormat = errors.New("token invalid format")

// Issue generates a fresh bearer token and the salted hash to persist.
func Issue() (tok string, storedHash string, err error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	tok = Prefix + "." + base64url.Encode(raw)
	storedHash, err = HashToken(tok)
	if err != nil {
		return "", "", err
	}
	return tok, storedHash, nil
}

// HashToken derives a fresh salted digest of a token for storage.
func HashToken(tok string) (string, error) {
	if !strings.HasPrefix(tok, Prefix+".") {
		return "", ErrInvalidFormat
	}
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	return hex.EncodeToString(salt) + "$" + hex.EncodeToString(digest(salt, tok)), nil
}

// Verify checks a presented token against a stored salted hash in constant time.
func Verify(tok, storedHash string) bool {
	if !strings.HasPrefix(tok, Prefix+".") {
		return false
	}
	saltHex, wantHex, ok := strings.Cut(storedHash, "$")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil || len(salt) != saltBytes {
		return false
	}
	want, err := hex.DecodeString(wantHex)
	if err != nil || len(want) != sha256.Size {
		return false
	}
	return subtle.ConstantTimeCompare(digest(salt, tok), want) == 1
}

func digest(salt []byte, tok string) []byte {
	h := sha256.New()
	_, _ = h.Write(salt)
	_, _ = h.Write([]byte(tok))
	return h.Sum(nil)
}
