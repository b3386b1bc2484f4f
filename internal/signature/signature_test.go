package signature_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/edu-payments/internal/signature"
)

func TestVerifyAcceptsRawBodySignature(t *testing.T) {
	body := []byte(`{"event":"charge.success","data":{"reference":"R1","amount":500000}}`)
	secret := []byte("sk_test_secret")
	sig := signature.Sign(body, secret)

	require.True(t, signature.Verify(body, sig, secret))
	require.True(t, signature.Verify(body, strings.ToUpper(sig), secret), "hex case must not matter")
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"event":"charge.success"}`)
	sig := signature.Sign(body, []byte("other-secret"))
	require.False(t, signature.Verify(body, sig, []byte("sk_test_secret")))
}

func TestVerifyRejectsAlteredBytes(t *testing.T) {
	secret := []byte("sk_test_secret")
	original := []byte(`{"event":"charge.success","data":{"amount":500000}}`)
	sig := signature.Sign(original, secret)

	reformatted := []byte(`{"event": "charge.success", "data": {"amount": 500000}}`)
	require.False(t, signature.Verify(reformatted, sig, secret), "whitespace changes the signed bytes")

	tampered := []byte(`{"event":"charge.success","data":{"amount":900000}}`)
	require.False(t, signature.Verify(tampered, sig, secret))
}

func TestVerifyFailsClosed(t *testing.T) {
	body := []byte(`{}`)
	secret := []byte("sk_test_secret")
	sig := signature.Sign(body, secret)

	require.False(t, signature.Verify(body, "", secret))
	require.False(t, signature.Verify(body, sig, nil))
	require.False(t, signature.Verify(body, "not-hex", secret))
	require.False(t, signature.Verify(body, sig[:64], secret), "truncated signature")
}
