package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// ConfigError reports missing or unusable settings. It is fatal at startup.
type ConfigError struct {
	Missing []string
	Invalid map[string]string
}

func (e *ConfigError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	for key, reason := range e.Invalid {
		parts = append(parts, fmt.Sprintf("%s %s", key, reason))
	}
	return "config: " + strings.Join(parts, "; ")
}

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	AutoMigrate        bool

	PaystackSecretKey     string
	PaystackPublicKey     string
	PaystackWebhookSecret string
	GatewayBaseURL        string
	GatewayTimeout        time.Duration
	GatewayRetryAttempts  int
	GatewayRetryBackoff   time.Duration
	BreakerFailures       int
	BreakerCooldown       time.Duration

	CallbackBaseURL string
	Currency        string
	Channels        []string
	PlatformName    string
	ReferencePrefix string
	IntentTTL       time.Duration

	TeacherPayoutRatio    decimal.Decimal
	GrantRetryBase        time.Duration
	GrantRetryMaxBackoff  time.Duration
	GrantRetryMaxAttempts int
	GrantLockTTL          time.Duration
	AccessAPIURL          string
	AccessAPIToken        string

	ExpirySweepInterval time.Duration
	GrantSweepInterval  time.Duration
	SweepBatchSize      int
	WorkerConcurrency   int

	WebhookReplayTTL       time.Duration
	WebhookSignatureHeader string
	WebhookMaxBodyBytes    int64
	IdempotencyTTL         time.Duration
	RateLimit              string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	LogFormat      string
	LogLevel       string
	HTTPBuckets    string
	OTelExporter   string
	OTelEndpoint   string
	OTelService    string
	OTelSampleRate float64
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        strings.TrimSpace(k.String("DATABASE_URL")),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		AutoMigrate:        parseBool(k.String("AUTO_MIGRATE")),

		PaystackSecretKey:     strings.TrimSpace(k.String("PAYSTACK_SECRET_KEY")),
		PaystackPublicKey:     strings.TrimSpace(k.String("PAYSTACK_PUBLIC_KEY")),
		PaystackWebhookSecret: strings.TrimSpace(k.String("PAYSTACK_WEBHOOK_SECRET")),
		GatewayBaseURL:        valueOrDefault(k.String("GATEWAY_BASE_URL"), "https://api.paystack.co"),
		GatewayTimeout:        parseDuration(k.String("GATEWAY_TIMEOUT"), "10s"),
		GatewayRetryAttempts:  parseInt(k.String("GATEWAY_RETRY_ATTEMPTS"), 3),
		GatewayRetryBackoff:   parseDuration(k.String("GATEWAY_RETRY_BACKOFF"), "200ms"),
		BreakerFailures:       parseInt(k.String("GATEWAY_BREAKER_FAILURES"), 5),
		BreakerCooldown:       parseDuration(k.String("GATEWAY_BREAKER_COOLDOWN"), "30s"),

		CallbackBaseURL: strings.TrimSpace(k.String("PAYMENT_CALLBACK_BASE_URL")),
		Currency:        strings.ToUpper(valueOrDefault(k.String("PAYMENT_CURRENCY"), "NGN")),
		Channels:        splitAndTrim(valueOrDefault(k.String("PAYMENT_CHANNELS"), "card,bank,ussd,qr")),
		PlatformName:    strings.TrimSpace(k.String("PAYMENT_PLATFORM_NAME")),
		ReferencePrefix: valueOrDefault(k.String("PAYMENT_REFERENCE_PREFIX"), "EDU"),
		IntentTTL:       parseDuration(k.String("PAYMENT_INTENT_TTL"), "24h"),

		GrantRetryBase:        parseDuration(k.String("GRANT_RETRY_BASE"), "30s"),
		GrantRetryMaxBackoff:  parseDuration(k.String("GRANT_RETRY_MAX_BACKOFF"), "1h"),
		GrantRetryMaxAttempts: parseInt(k.String("GRANT_RETRY_MAX_ATTEMPTS"), 10),
		GrantLockTTL:          parseDuration(k.String("GRANT_LOCK_TTL"), "30s"),
		AccessAPIURL:          strings.TrimSpace(k.String("ACCESS_API_URL")),
		AccessAPIToken:        strings.TrimSpace(k.String("ACCESS_API_TOKEN")),

		ExpirySweepInterval: parseDuration(k.String("EXPIRY_SWEEP_INTERVAL"), "5m"),
		GrantSweepInterval:  parseDuration(k.String("GRANT_SWEEP_INTERVAL"), "1m"),
		SweepBatchSize:      parseInt(k.String("SWEEP_BATCH_SIZE"), 100),
		WorkerConcurrency:   parseInt(k.String("WORKER_CONCURRENCY"), 10),

		WebhookReplayTTL:       parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		WebhookSignatureHeader: valueOrDefault(k.String("WEBHOOK_SIGNATURE_HEADER"), "x-paystack-signature"),
		WebhookMaxBodyBytes:    int64(parseInt(k.String("WEBHOOK_MAX_BODY_BYTES"), 1<<20)),
		IdempotencyTTL:         parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		RateLimit:              valueOrDefault(k.String("RATE_LIMIT"), "60-M"),

		JWTSecret:   k.String("JWT_SECRET"),
		JWTIssuer:   strings.TrimSpace(k.String("JWT_ISSUER")),
		JWTAudience: strings.TrimSpace(k.String("JWT_AUDIENCE")),

		LogFormat:      valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:       valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		HTTPBuckets:    k.String("OBS_HTTP_BUCKETS_MS"),
		OTelExporter:   strings.ToLower(valueOrDefault(k.String("OTEL_TRACES_EXPORTER"), "none")),
		OTelEndpoint:   strings.TrimSpace(k.String("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OTelService:    valueOrDefault(k.String("OTEL_SERVICE_NAME"), "edu-payments"),
		OTelSampleRate: parseFloat(k.String("OTEL_SAMPLER_RATIO"), 1),
	}
	if cfg.PaystackWebhookSecret == "" {
		cfg.PaystackWebhookSecret = cfg.PaystackSecretKey
	}

	cerr := &ConfigError{Invalid: map[string]string{}}
	required := []struct{ key, value string }{
		{"PAYSTACK_SECRET_KEY", cfg.PaystackSecretKey},
		{"PAYSTACK_PUBLIC_KEY", cfg.PaystackPublicKey},
		{"PAYSTACK_WEBHOOK_SECRET", cfg.PaystackWebhookSecret},
		{"PAYMENT_CALLBACK_BASE_URL", cfg.CallbackBaseURL},
		{"DATABASE_URL", cfg.DatabaseURL},
		{"REDIS_URL", cfg.RedisURL},
	}
	for _, r := range required {
		if r.value == "" {
			cerr.Missing = append(cerr.Missing, r.key)
		}
	}

	ratio := strings.TrimSpace(k.String("TEACHER_PAYOUT_RATIO"))
	if ratio == "" {
		ratio = "0.70"
	}
	share, err := decimal.NewFromString(ratio)
	if err != nil || share.IsNegative() || share.GreaterThan(decimal.NewFromInt(1)) {
		cerr.Invalid["TEACHER_PAYOUT_RATIO"] = "must be a decimal between 0 and 1"
	} else {
		cfg.TeacherPayoutRatio = share
	}
	if cfg.IntentTTL <= 0 {
		cerr.Invalid["PAYMENT_INTENT_TTL"] = "must be positive"
	}

	if len(cerr.Missing) > 0 || len(cerr.Invalid) > 0 {
		return nil, cerr
	}
	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// AuthEnabled reports whether bearer tokens are required on UI endpoints.
func (c *Config) AuthEnabled() bool {
	return strings.TrimSpace(c.JWTSecret) != ""
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f < 0 || f > 1 {
		return fallback
	}
	return f
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
