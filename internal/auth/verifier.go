// Package auth verifies bearer tokens issued by the learning platform. This service
// never issues tokens itself.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/edu-payments/internal/common"
)

const clockSkew = 30 * time.Second

// Verifier checks platform tokens and returns their subject. Only HS256 with the
// shared secret is accepted; the header's alg is checked before any key is used.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewVerifier builds a verifier for tokens signed with secret. Empty issuer or
// audience disables that claim check.
func NewVerifier(secret, issuer, audience string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: secret is required")
	}
	return &Verifier{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
		now:      time.Now,
	}, nil
}

// Subject parses token and returns its "sub" claim.
func (v *Verifier) Subject(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", unauthorized(errNoToken)
	}
	alg, err := headerAlgorithm(token)
	if err != nil {
		return "", unauthorized(err)
	}
	if alg != jwa.HS256 {
		return "", unauthorized(fmt.Errorf("auth: unexpected token algorithm %s", alg))
	}
	parsed, err := jwt.ParseString(token, jwt.WithKey(jwa.HS256, v.secret), jwt.WithValidate(false))
	if err != nil {
		return "", unauthorized(err)
	}
	if err := v.validateClaims(parsed); err != nil {
		return "", unauthorized(err)
	}
	sub := strings.TrimSpace(parsed.Subject())
	if sub == "" {
		return "", unauthorized(errors.New("auth: token has no subject"))
	}
	return sub, nil
}

func (v *Verifier) validateClaims(tok jwt.Token) error {
	if tok.Expiration().IsZero() {
		return errors.New("auth: token has no expiry")
	}
	opts := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(v.now)),
		jwt.WithAcceptableSkew(clockSkew),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	return jwt.Validate(tok, opts...)
}

func unauthorized(err error) error {
	return common.NewAppError(common.CodeUnauthenticated, "invalid token", http.StatusUnauthorized, err)
}

// headerAlgorithm reads alg from the protected header of a compact JWS. Tokens with
// several signatures or alg "none" are refused outright.
func headerAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	msg, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return "", fmt.Errorf("auth: token carries %d signatures", len(sigs))
	}
	headers := sigs[0].ProtectedHeaders()
	if headers == nil {
		return "", errors.New("auth: token missing protected headers")
	}
	alg := headers.Algorithm()
	switch alg {
	case "":
		return "", errors.New("auth: token missing algorithm")
	case jwa.NoSignature:
		return "", errors.New("auth: token uses none algorithm")
	}
	return alg, nil
}
