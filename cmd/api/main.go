package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/edu-payments/internal/app"
	"github.com/noah-isme/edu-payments/internal/auth"
	"github.com/noah-isme/edu-payments/internal/common"
	"github.com/noah-isme/edu-payments/internal/config"
	"github.com/noah-isme/edu-payments/internal/db"
	"github.com/noah-isme/edu-payments/internal/gateway"
	"github.com/noah-isme/edu-payments/internal/health"
	"github.com/noah-isme/edu-payments/internal/obs"
	"github.com/noah-isme/edu-payments/internal/payment"
	"github.com/noah-isme/edu-payments/internal/ratelimit"
	"github.com/noah-isme/edu-payments/internal/security"
	"github.com/noah-isme/edu-payments/internal/tasks"
)

const shutdownGrace = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := app.Bootstrap(ctx, cfg, "api")
	if err != nil {
		panic(err)
	}
	logger := infra.Logger
	defer infra.Close(context.Background())

	if cfg.AutoMigrate {
		if err := db.Up(cfg.DatabaseURL, logger); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis uri for tasks")
	}
	taskClient := asynq.NewClient(redisOpt)
	defer func() {
		if err := taskClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close task client")
		}
	}()

	gw, err := infra.Gateway()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise gateway client")
	}
	ledgerSvc := infra.Ledger()
	grantor := infra.Grantor(ledgerSvc, tasks.Scheduler{
		Client:   taskClient,
		Queue:    tasks.QueueDefault,
		MaxRetry: 3,
		Now:      ledgerSvc.Now,
	})
	paymentSvc := infra.PaymentService(ledgerSvc, gw, grantor)
	paymentHandler := payment.NewHandler(paymentSvc, obs.Component(logger, "http"))
	webhook := payment.Webhook{
		Svc:             paymentSvc,
		Replay:          infra.Redis,
		ReplayTTL:       cfg.WebhookReplayTTL,
		SignatureHeader: cfg.WebhookSignatureHeader,
		MaxBodyBytes:    cfg.WebhookMaxBodyBytes,
		Logger:          obs.Component(logger, "webhook"),
	}

	var authMiddleware auth.Middleware
	if cfg.AuthEnabled() {
		verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			logger.Fatal().Err(err).Msg("initialise token verifier")
		}
		authMiddleware.Verifier = verifier
	} else {
		logger.Warn().Msg("JWT_SECRET not set; payment status endpoint is unauthenticated")
	}

	limitStore, err := ratelimit.NewRedisStore(infra.Redis, "ratelimit")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limit store")
	}
	uiLimiter, err := ratelimit.NewUlule(limitStore, cfg.RateLimit)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse RATE_LIMIT")
	}
	limited := func(scope string) func(http.Handler) http.Handler {
		return ratelimit.Handler{
			Limiter: uiLimiter,
			Key:     ratelimit.ByClientIP(scope),
			OnError: func(err error) { logger.Error().Err(err).Str("scope", scope).Msg("rate limiter unavailable") },
		}.Middleware
	}

	idem := common.Idem{R: infra.Redis, TTL: cfg.IdempotencyTTL}
	httpMetrics := obs.NewHTTPMetrics("edu", obs.ParseBucketsCSV(cfg.HTTPBuckets), nil)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.Tracing)
	r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(hstsHeaders(cfg).Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	healthHandler := health.Handler{
		Checker:      health.Deps{Pool: infra.Pool, Redis: infra.Redis},
		DBTimeout:    500 * time.Millisecond,
		RedisTimeout: 300 * time.Millisecond,
		GatewayKey:   cfg.PaystackSecretKey,
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/payments", func(p chi.Router) {
		p.With(
			security.BodyLimit{Max: 64 << 10}.Middleware,
			limited("initiate"),
			authMiddleware.Authenticate,
			idem.Middleware,
		).Post("/initiate", paymentHandler.Initiate)
		p.With(limited("confirm")).Get("/confirm/{reference}", paymentHandler.Confirm)
		p.With(authMiddleware.RequireAuth).Get("/{reference}", paymentHandler.Show)
		// The gateway retries aggressively; the webhook is never rate limited.
		p.Post("/webhook", webhook.Handle)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("gateway_mode", gateway.KeyMode(cfg.PaystackSecretKey)).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	health.SetReady(false)
	logger.Info().Msg("draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
	logger.Info().Msg("server stopped")
}

func hstsHeaders(cfg *config.Config) security.Headers {
	if cfg.AppEnv != "production" {
		return security.Headers{}
	}
	return security.Headers{HSTS: 365 * 24 * time.Hour, HSTSIncludeSubdomains: true}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}
