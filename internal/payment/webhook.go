package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/checkout-gateway/internal/common"
	"github.com/noah-isme/checkout-gateway/internal/config"
	"github.com/noah-isme/checkout-gateway/internal/obs"
)

// Ack is the acknowledgment body returned to the provider.
type Ack struct {
	Received  bool   `json:"received"`
	EventType string `json:"event_type,omitempty"`
	Error     string `json:"error,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// ReplayGuard claims a key once per TTL.
type ReplayGuard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisReplayGuard implements ReplayGuard using Redis SETNX semantics.
type RedisReplayGuard struct {
	Client redis.Cmdable
}

// Acquire attempts to claim key for ttl.
func (g RedisReplayGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if g.Client == nil {
		return true, nil
	}
	return g.Client.SetNX(ctx, key, "1", ttl).Result()
}

// Webhook verifies provider callbacks. It acknowledges events and never
// changes payment state.
type Webhook struct {
	Verifiers map[string]WebhookVerifier
	Replay    ReplayGuard
	ReplayTTL time.Duration
	MaxBody   int64
	Logger    zerolog.Logger
}

// Handle verifies rawBody for provider and returns the acknowledgment.
func (h Webhook) Handle(ctx context.Context, provider string, rawBody []byte, header http.Header) Ack {
	verifier, ok := h.Verifiers[provider]
	if !ok {
		obs.IncPaymentWebhook(provider, "unknown_provider")
		return Ack{Received: false, Error: "unknown provider"}
	}
	event, err := verifier.VerifyWebhook(rawBody, header)
	if err != nil {
		h.Logger.Warn().Err(err).Str("provider", provider).Msg("webhook verification failed")
		obs.IncPaymentWebhook(provider, "invalid_signature")
		return Ack{Received: false, Error: "invalid signature"}
	}
	if h.Replay != nil && h.ReplayTTL > 0 {
		fresh, err := h.Replay.Acquire(ctx, replayKey(provider, event, rawBody), h.ReplayTTL)
		switch {
		case err != nil:
			h.Logger.Warn().Err(err).Str("provider", provider).Msg("webhook replay guard unavailable")
		case !fresh:
			obs.IncPaymentWebhook(provider, "duplicate")
			return Ack{Received: true, EventType: event.Type, Duplicate: true}
		}
	}
	h.Logger.Info().
		Str("provider", provider).
		Str("event_id", event.ID).
		Str("event_type", event.Type).
		Str("reference", event.Reference).
		Msg("webhook received")
	obs.IncPaymentWebhook(provider, "received")
	return Ack{Received: true, EventType: event.Type}
}

// ServeHTTP handles POST /webhook/{provider}. Every verification outcome
// answers 200 with an Ack.
func (h Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	provider := config.NormalizeProvider(chi.URLParam(r, "provider"))
	if _, ok := h.Verifiers[provider]; !ok || provider == "" {
		common.JSONError(w, http.StatusNotFound, common.CodeProviderNotSupported, "unknown provider")
		return
	}
	limit := h.MaxBody
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeInvalidBody, "unable to read payload")
		return
	}
	if int64(len(body)) > limit {
		common.JSONError(w, http.StatusRequestEntityTooLarge, common.CodePayloadTooLarge, "payload too large")
		return
	}
	common.JSON(w, http.StatusOK, h.Handle(r.Context(), provider, body, r.Header))
}

// replayKey identifies a delivery by the provider's event id, or by a digest
// of the body when the provider sends none.
func replayKey(provider string, event WebhookEvent, rawBody []byte) string {
	id := event.ID
	if id == "" {
		sum := sha256.Sum256(rawBody)
		id = "sha256:" + hex.EncodeToString(sum[:])
	}
	return fmt.Sprintf("wh:%s:%s", provider, id)
}
