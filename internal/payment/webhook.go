package payment

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/edu-payments/internal/common"
)

// DefaultSignatureHeader is the header carrying the hex HMAC-SHA512 of the body.
const DefaultSignatureHeader = "x-paystack-signature"

type replayStore interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Webhook receives gateway notifications. A delivery whose exact body and signature
// were already processed within ReplayTTL is acknowledged without reprocessing; the
// ledger still guards against duplicates that slip past this check.
type Webhook struct {
	Svc             *Service
	Replay          replayStore
	ReplayTTL       time.Duration
	SignatureHeader string
	MaxBodyBytes    int64
	Logger          zerolog.Logger
}

// Handle serves POST /payments/webhook.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			common.JSONError(w, http.StatusRequestEntityTooLarge, common.CodeBadRequest, "payload too large", nil)
			return
		}
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "unable to read payload", nil)
		return
	}
	header := h.SignatureHeader
	if header == "" {
		header = DefaultSignatureHeader
	}
	sig := strings.TrimSpace(r.Header.Get(header))
	ctx := r.Context()

	replayKey := "wh:paystack:" + common.PayloadHash(body, []byte(sig))
	if h.Replay != nil && h.ReplayTTL > 0 && sig != "" {
		n, err := h.Replay.Exists(ctx, replayKey).Result()
		if err == nil && n > 0 {
			common.JSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
			return
		}
		if err != nil {
			h.Logger.Warn().Err(err).Msg("webhook replay lookup failed")
		}
	}

	res, err := h.Svc.HandleWebhook(ctx, body, sig, common.ClientIP(r))
	switch {
	case errors.Is(err, ErrInvalidSignature):
		common.JSONError(w, http.StatusUnauthorized, common.CodeInvalidSignature, "invalid signature", nil)
		return
	case err != nil:
		h.Logger.Error().Err(err).Str("event", res.Event).Str("reference", res.Reference).Msg("webhook processing failed")
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "webhook not recorded", nil)
		return
	}

	if h.Replay != nil && h.ReplayTTL > 0 {
		if err := h.Replay.Set(ctx, replayKey, "1", h.ReplayTTL).Err(); err != nil {
			h.Logger.Warn().Err(err).Msg("webhook replay mark failed")
		}
	}
	common.JSON(w, http.StatusOK, map[string]any{"received": res.Received})
}
