package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"PAYSTACK_SECRET_KEY":       "sk_test_abc123",
		"PAYSTACK_PUBLIC_KEY":       "pk_test_abc123",
		"PAYSTACK_WEBHOOK_SECRET":   "",
		"PAYMENT_CALLBACK_BASE_URL": "https://learn.example",
		"DATABASE_URL":              "postgres://localhost/payments",
		"REDIS_URL":                 "redis://localhost:6379/0",
		"TEACHER_PAYOUT_RATIO":      "",
		"PAYMENT_INTENT_TTL":        "",
		"GATEWAY_TIMEOUT":           "",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadForTests(baseEnv())
	require.NoError(t, err)
	require.Equal(t, "sk_test_abc123", cfg.PaystackWebhookSecret, "webhook secret falls back to the secret key")
	require.Equal(t, "0.7", cfg.TeacherPayoutRatio.String())
	require.Equal(t, 24*time.Hour, cfg.IntentTTL)
	require.Equal(t, 10*time.Second, cfg.GatewayTimeout)
	require.Equal(t, []string{"card", "bank", "ussd", "qr"}, cfg.Channels)
	require.Equal(t, ":8080", cfg.HTTPAddr())
}

func TestLoadOverrides(t *testing.T) {
	env := baseEnv()
	env["PAYSTACK_WEBHOOK_SECRET"] = "whsec"
	env["TEACHER_PAYOUT_RATIO"] = "0.85"
	env["GATEWAY_TIMEOUT"] = "3s"
	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, "whsec", cfg.PaystackWebhookSecret)
	require.Equal(t, "0.85", cfg.TeacherPayoutRatio.String())
	require.Equal(t, 3*time.Second, cfg.GatewayTimeout)
}

func TestLoadMissingRequired(t *testing.T) {
	env := baseEnv()
	env["PAYSTACK_SECRET_KEY"] = ""
	env["REDIS_URL"] = ""
	_, err := LoadForTests(env)

	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
	require.Contains(t, cerr.Missing, "PAYSTACK_SECRET_KEY")
	require.Contains(t, cerr.Missing, "PAYSTACK_WEBHOOK_SECRET")
	require.Contains(t, cerr.Missing, "REDIS_URL")
}

func TestLoadRejectsBadRatio(t *testing.T) {
	env := baseEnv()
	env["TEACHER_PAYOUT_RATIO"] = "1.5"
	_, err := LoadForTests(env)

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, cerr.Invalid, "TEACHER_PAYOUT_RATIO")
}
