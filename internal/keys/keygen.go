package keys

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

const (
	// APIKeyPrefix distinguishes issued keys from provider tokens.
	APIKeyPrefix = "dbk_"

	// apiKeyBytes is the entropy carried by each key.
	apiKeyBytes = 32

	// APIKeyLen is the full length of an issued key.
	APIKeyLen = len(APIKeyPrefix) + 2*apiKeyBytes
)

// NewKey returns a fresh opaque API key.
func NewKey() string {
	return APIKeyPrefix + RandomHex(apiKeyBytes)
}

// LooksLikeKey reports whether s has the shape of an issued key. It says
// nothing about whether the key exists.
func LooksLikeKey(s string) bool {
	if len(s) != APIKeyLen || !strings.HasPrefix(s, APIKeyPrefix) {
		return false
	}

	_, err := hex.DecodeString(s[len(APIKeyPrefix):])

	return err == nil
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
