package security

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Headers sets response headers for a JSON-only API. Payment responses carry
// checkout handles, so nothing is cacheable and nothing may be framed.
type Headers struct {
	// HSTS is the Strict-Transport-Security max-age; zero disables the header.
	HSTS                  time.Duration
	HSTSIncludeSubdomains bool
}

func (h Headers) Middleware(next http.Handler) http.Handler {
	hsts := ""
	if h.HSTS > 0 {
		hsts = "max-age=" + strconv.FormatInt(int64(h.HSTS/time.Second), 10)
		if h.HSTSIncludeSubdomains {
			hsts += "; includeSubDomains"
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		headers.Set("Referrer-Policy", "no-referrer")
		headers.Set("Cache-Control", "no-store")
		if hsts != "" && secure(r) {
			headers.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}

// secure reports whether the client connection was TLS, directly or at the proxy.
func secure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https")
}
