package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/noah-isme/edu-payments/internal/common"
)

var errNoToken = errors.New("auth: token missing")

// Middleware puts the token subject on the request context.
type Middleware struct {
	Verifier *Verifier
}

// Authenticate attaches the subject when a valid token is present and passes the
// request through unchanged otherwise.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := m.authenticateRequest(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth rejects requests without a valid token. With no verifier configured
// every request passes, which is how local development runs.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	if m.Verifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := m.authenticateRequest(r)
		if err != nil {
			var appErr *common.AppError
			if errors.As(err, &appErr) && !errors.Is(err, errNoToken) {
				common.JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message, nil)
				return
			}
			common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthenticated, "missing or invalid token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m Middleware) authenticateRequest(r *http.Request) (context.Context, error) {
	if m.Verifier == nil {
		return r.Context(), errors.New("auth: verifier not configured")
	}
	token := extractToken(r)
	if token == "" {
		return r.Context(), errNoToken
	}
	subject, err := m.Verifier.Subject(token)
	if err != nil {
		return r.Context(), err
	}
	return common.WithSubject(r.Context(), subject), nil
}

func extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
