package gateway

import "strings"

// Key modes reported on the health endpoint.
const (
	ModeLive    = "live"
	ModeTest    = "test"
	ModeUnknown = "unknown"
)

// KeyMode classifies a secret key by its prefix.
func KeyMode(secret string) string {
	secret = strings.TrimSpace(secret)
	switch {
	case strings.HasPrefix(secret, "sk_live_"):
		return ModeLive
	case strings.HasPrefix(secret, "sk_test_"):
		return ModeTest
	default:
		return ModeUnknown
	}
}

// MaskKey keeps the mode prefix and the last four characters.
func MaskKey(secret string) string {
	secret = strings.TrimSpace(secret)
	if len(secret) <= 12 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:8] + "..." + secret[len(secret)-4:]
}
