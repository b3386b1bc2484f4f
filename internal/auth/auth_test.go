package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/edu-payments/internal/common"
)

const testSecret = "platform-signing-secret"

func signToken(t *testing.T, secret string, alg jwa.SignatureAlgorithm, build func(*jwt.Builder) *jwt.Builder) string {
	t.Helper()
	now := time.Now()
	b := jwt.NewBuilder().
		Issuer("edu-platform").
		Audience([]string{"payments"}).
		Subject("student-42").
		IssuedAt(now).
		Expiration(now.Add(time.Minute))
	if build != nil {
		b = build(b)
	}
	tok, err := b.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(alg, []byte(secret)))
	require.NoError(t, err)
	return string(signed)
}

func TestVerifierClaims(t *testing.T) {
	v, err := NewVerifier(testSecret, "edu-platform", "payments")
	require.NoError(t, err)
	token := signToken(t, testSecret, jwa.HS256, nil)

	v.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = v.Subject(token)
	require.Error(t, err, "expired token")

	v.now = time.Now
	_, err = v.Subject(signToken(t, testSecret, jwa.HS256, func(b *jwt.Builder) *jwt.Builder {
		return b.Issuer("someone-else")
	}))
	require.Error(t, err, "foreign issuer")

	noExpiry, err := jwt.NewBuilder().Subject("student-42").Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(noExpiry, jwt.WithKey(jwa.HS256, []byte(testSecret)))
	require.NoError(t, err)
	open, err := NewVerifier(testSecret, "", "")
	require.NoError(t, err)
	_, err = open.Subject(string(signed))
	require.Error(t, err, "token without exp")

	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, http.StatusUnauthorized, appErr.HTTPStatus)
}

func TestVerifierSubject(t *testing.T) {
	v, err := NewVerifier(testSecret, "edu-platform", "payments")
	require.NoError(t, err)

	sub, err := v.Subject(signToken(t, testSecret, jwa.HS256, nil))
	require.NoError(t, err)
	require.Equal(t, "student-42", sub)

	_, err = v.Subject(signToken(t, "another-secret", jwa.HS256, nil))
	require.Error(t, err)

	_, err = v.Subject(signToken(t, testSecret, jwa.HS512, nil))
	require.Error(t, err)

	_, err = v.Subject(signToken(t, testSecret, jwa.HS256, func(b *jwt.Builder) *jwt.Builder {
		return b.Audience([]string{"catalog"})
	}))
	require.Error(t, err)

	_, err = NewVerifier(" ", "", "")
	require.Error(t, err)
}

func TestRequireAuth(t *testing.T) {
	v, err := NewVerifier(testSecret, "edu-platform", "payments")
	require.NoError(t, err)
	var seen string
	h := Middleware{Verifier: v}.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = common.Subject(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/payments/EDU-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/payments/EDU-1", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, jwa.HS256, nil))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "student-42", seen)
}

func TestAuthenticateIsOptional(t *testing.T) {
	v, err := NewVerifier(testSecret, "", "")
	require.NoError(t, err)
	called := false
	h := Middleware{Verifier: v}.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, ok := common.Subject(r.Context())
		require.False(t, ok)
	}))
	req := httptest.NewRequest(http.MethodPost, "/payments/initiate", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.True(t, called)

	passthrough := Middleware{}.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	passthrough.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}
