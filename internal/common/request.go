package common

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the caller address. Behind a proxy it relies on chi's RealIP
// middleware having already rewritten RemoteAddr.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// PayloadHash is the lowercase hex SHA-256 of the concatenated parts. Ledger rows keep
// this instead of raw gateway payloads when only identity matters.
func PayloadHash(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
