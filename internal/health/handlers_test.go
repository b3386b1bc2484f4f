package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/edu-payments/internal/health"
)

type stubChecker struct {
	dbErr    error
	redisErr error
}

func (s stubChecker) PingDB(context.Context, time.Duration) error    { return s.dbErr }
func (s stubChecker) PingRedis(context.Context, time.Duration) error { return s.redisErr }

type readyBody struct {
	Status  string `json:"status"`
	DB      string `json:"db"`
	Redis   string `json:"redis"`
	Gateway struct {
		Mode string `json:"mode"`
		Key  string `json:"key"`
	} `json:"gateway"`
}

func ready(t *testing.T, h health.Handler) (int, readyBody) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	var body readyBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return rr.Code, body
}

func TestLive(t *testing.T) {
	rr := httptest.NewRecorder()
	health.Handler{}.Live(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func TestReadyReportsGatewayKeyMode(t *testing.T) {
	code, body := ready(t, health.Handler{Checker: stubChecker{}, GatewayKey: "sk_test_0123456789abcdef"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body.Status)
	require.Equal(t, "test", body.Gateway.Mode)
	require.Equal(t, "sk_test_...cdef", body.Gateway.Key)
	require.NotContains(t, body.Gateway.Key, "0123456789")
}

func TestReadyFailures(t *testing.T) {
	code, body := ready(t, health.Handler{Checker: stubChecker{dbErr: errors.New("db down")}, GatewayKey: "sk_live_0123456789abcdef"})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "db down", body.DB)
	require.Equal(t, "ok", body.Redis)

	code, body = ready(t, health.Handler{Checker: stubChecker{}, GatewayKey: "pk_mystery"})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "unknown", body.Gateway.Mode)
}

func TestReadinessAfterShutdown(t *testing.T) {
	h := health.Handler{Checker: stubChecker{}, GatewayKey: "sk_test_0123456789abcdef"}
	health.SetReady(false)
	t.Cleanup(func() { health.SetReady(true) })

	code, body := ready(t, h)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "draining", body.Status)
}
