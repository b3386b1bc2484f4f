// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/edu-payments/internal/common"
	"github.com/noah-isme/edu-payments/internal/gateway"
)

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady flips readiness; the api clears it when draining for shutdown.
func SetReady(v bool) { ready.Store(v) }

// Checker represents dependencies that can be probed for readiness.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Deps probes the shared Postgres pool and Redis client.
type Deps struct {
	Pool  *pgxpool.Pool
	Redis *redis.Client
}

func (d Deps) PingDB(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.Pool.Ping(ctx)
}

func (d Deps) PingRedis(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.Redis.Ping(ctx).Err()
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Checker      Checker
	DBTimeout    time.Duration
	RedisTimeout time.Duration
	// GatewayKey is the configured secret key. Only its mode and a masked preview
	// are ever reported.
	GatewayKey string
}

type readiness struct {
	Status  string        `json:"status"`
	DB      string        `json:"db"`
	Redis   string        `json:"redis"`
	Gateway gatewayStatus `json:"gateway"`
}

type gatewayStatus struct {
	Mode string `json:"mode"`
	Key  string `json:"key"`
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on dependency probes.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	body := readiness{
		Status: "ok",
		DB:     "ok",
		Redis:  "ok",
		Gateway: gatewayStatus{
			Mode: gateway.KeyMode(h.GatewayKey),
			Key:  gateway.MaskKey(h.GatewayKey),
		},
	}
	if h.Checker == nil {
		body.DB, body.Redis = "unconfigured", "unconfigured"
	} else {
		ctx := r.Context()
		if err := h.Checker.PingDB(ctx, h.dbTimeout()); err != nil {
			body.DB = err.Error()
		}
		if err := h.Checker.PingRedis(ctx, h.redisTimeout()); err != nil {
			body.Redis = err.Error()
		}
	}
	code := http.StatusOK
	switch {
	case !ready.Load():
		body.Status = "draining"
		code = http.StatusServiceUnavailable
	case body.DB != "ok" || body.Redis != "ok" || body.Gateway.Mode == gateway.ModeUnknown:
		body.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, body)
}

func (h Handler) dbTimeout() time.Duration {
	if h.DBTimeout <= 0 {
		return 500 * time.Millisecond
	}
	return h.DBTimeout
}

func (h Handler) redisTimeout() time.Duration {
	if h.RedisTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return h.RedisTimeout
}
