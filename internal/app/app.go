// Package app wires the shared infrastructure and payment components used by the
// api, worker and paymentctl binaries.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/edu-payments/internal/config"
	"github.com/noah-isme/edu-payments/internal/entitlement"
	"github.com/noah-isme/edu-payments/internal/gateway"
	"github.com/noah-isme/edu-payments/internal/ledger"
	"github.com/noah-isme/edu-payments/internal/lock"
	"github.com/noah-isme/edu-payments/internal/obs"
	"github.com/noah-isme/edu-payments/internal/payment"
	"github.com/noah-isme/edu-payments/internal/resilience"
)

// Infra holds the connections shared by every component of one process.
type Infra struct {
	Config *config.Config
	Logger zerolog.Logger
	Pool   *pgxpool.Pool
	Redis  *redis.Client

	shutdownTracer func(context.Context) error
}

// Bootstrap opens Postgres and Redis, configures logging and tracing, and registers
// the domain metrics. component names the binary in logs and traces.
func Bootstrap(ctx context.Context, cfg *config.Config, component string) (*Infra, error) {
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().
		Str("env", cfg.AppEnv).
		Str("process", component).
		Logger()
	obs.MustRegisterDomainMetrics("edu", nil)

	shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
		ServiceName:   cfg.OTelService + "-" + component,
		Endpoint:      cfg.OTelEndpoint,
		Exporter:      cfg.OTelExporter,
		SamplingRatio: cfg.OTelSampleRate,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		shutdown = func(context.Context) error { return nil }
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "edu-payments-" + component
	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(rdb); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	if err := rdb.Ping(connectCtx).Err(); err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Infra{Config: cfg, Logger: logger, Pool: pool, Redis: rdb, shutdownTracer: shutdown}, nil
}

// Close releases connections and flushes traces.
func (i *Infra) Close(ctx context.Context) {
	if err := i.Redis.Close(); err != nil {
		i.Logger.Error().Err(err).Msg("close redis")
	}
	i.Pool.Close()
	if i.shutdownTracer != nil {
		if err := i.shutdownTracer(ctx); err != nil {
			i.Logger.Error().Err(err).Msg("shutdown tracer")
		}
	}
}

// Ledger returns the Postgres-backed reconciliation ledger.
func (i *Infra) Ledger() *ledger.Ledger {
	return ledger.New(ledger.NewPostgresStore(i.Pool),
		ledger.WithTTL(i.Config.IntentTTL),
		ledger.WithLogger(obs.Component(i.Logger, "ledger")),
	)
}

// Access returns the course access collaborator: the platform's HTTP API when
// configured, the local enrolment table otherwise.
func (i *Infra) Access() entitlement.AccessControl {
	cfg := i.Config
	if cfg.AccessAPIURL == "" {
		return entitlement.PostgresAccess{Pool: i.Pool}
	}
	logger := obs.Component(i.Logger, "access")
	return entitlement.HTTPAccess{
		BaseURL: cfg.AccessAPIURL,
		Token:   cfg.AccessAPIToken,
		Client: resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
			Breaker:     resilience.NewBreaker(cfg.BreakerFailures, 0.5, cfg.BreakerCooldown).WithTarget("access").WithLogger(logger),
			Target:      "access",
			BaseBackoff: cfg.GatewayRetryBackoff,
			MaxAttempts: cfg.GatewayRetryAttempts,
			Jitter:      0.2,
			Timeout:     cfg.GatewayTimeout,
			Logger:      logger,
		},
	}
}

// Grantor returns the entitlement grantor. scheduler may be nil, in which case
// pending grants are only picked up by the sweep.
func (i *Infra) Grantor(l *ledger.Ledger, scheduler entitlement.Scheduler) *entitlement.Grantor {
	cfg := i.Config
	return &entitlement.Grantor{
		Store:           entitlement.NewPostgresStore(i.Pool),
		Access:          i.Access(),
		Intents:         l,
		Locker:          lock.Locker{R: i.Redis, Prefix: "lock:grant:", MaxWait: cfg.GrantLockTTL},
		Scheduler:       scheduler,
		TeacherShare:    cfg.TeacherPayoutRatio,
		RetryBase:       cfg.GrantRetryBase,
		RetryMaxBackoff: cfg.GrantRetryMaxBackoff,
		MaxAttempts:     cfg.GrantRetryMaxAttempts,
		LockTTL:         cfg.GrantLockTTL,
		Now:             l.Now,
		Logger:          obs.Component(i.Logger, "entitlement"),
	}
}

// Gateway returns the payment gateway client.
func (i *Infra) Gateway() (*gateway.Client, error) {
	cfg := i.Config
	logger := obs.Component(i.Logger, "gateway")
	return gateway.NewClient(gateway.Config{
		SecretKey:     cfg.PaystackSecretKey,
		BaseURL:       cfg.GatewayBaseURL,
		Timeout:       cfg.GatewayTimeout,
		Channels:      cfg.Channels,
		Platform:      cfg.PlatformName,
		Breaker:       resilience.NewBreaker(cfg.BreakerFailures, 0.5, cfg.BreakerCooldown).WithTarget("paystack").WithLogger(logger),
		RetryAttempts: cfg.GatewayRetryAttempts,
		RetryBackoff:  cfg.GatewayRetryBackoff,
		Logger:        logger,
	})
}

// PaymentService assembles the confirmation orchestrator.
func (i *Infra) PaymentService(l *ledger.Ledger, gw payment.Gateway, grants payment.Granter) *payment.Service {
	cfg := i.Config
	return &payment.Service{
		Ledger:          l,
		Gateway:         gw,
		Grants:          grants,
		WebhookSecret:   []byte(cfg.PaystackWebhookSecret),
		CallbackBaseURL: cfg.CallbackBaseURL,
		Currency:        cfg.Currency,
		ReferencePrefix: cfg.ReferencePrefix,
		PublicKey:       cfg.PaystackPublicKey,
		Logger:          obs.Component(i.Logger, "payment"),
	}
}
