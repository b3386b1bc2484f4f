// Package signature authenticates gateway notifications using the shared-secret
// HMAC scheme: hex(HMAC-SHA512(secret, rawBody)).
package signature

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"
)

// Verify reports whether suppliedHex is the HMAC-SHA512 of rawBody under secret.
// rawBody must be the exact bytes received on the wire. The comparison runs in
// constant time and fails closed on an empty secret, empty signature or malformed hex.
func Verify(rawBody []byte, suppliedHex string, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	supplied, err := hex.DecodeString(strings.TrimSpace(suppliedHex))
	if err != nil || len(supplied) != sha512.Size {
		return false
	}
	return hmac.Equal(compute(rawBody, secret), supplied)
}

// Sign returns the lowercase hex signature for rawBody.
func Sign(rawBody []byte, secret []byte) string {
	return hex.EncodeToString(compute(rawBody, secret))
}

func compute(rawBody []byte, secret []byte) []byte {
	mac := hmac.New(sha512.New, secret)
	mac.Write(rawBody)
	return mac.Sum(nil)
}
