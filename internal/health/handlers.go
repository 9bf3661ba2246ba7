package health

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/noah-isme/checkout-gateway/internal/common"
)

// ErrNotConfigured marks an optional dependency that is switched off. Ready
// reports it as "disabled" without failing readiness.
var ErrNotConfigured = errors.New("not configured")

var draining atomic.Bool

// SetReady toggles readiness. The server flips it off while draining on shutdown.
func SetReady(ready bool) {
	draining.Store(!ready)
}

// Checker represents dependencies checked for readiness.
type Checker interface {
	PingCore(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Service      string
	Checker      Checker
	CoreTimeout  time.Duration
	RedisTimeout time.Duration
}

// Status answers the public health route with the service banner.
func (h Handler) Status(w http.ResponseWriter, _ *http.Request) {
	common.JSON(w, http.StatusOK, map[string]any{"ok": true, "service": h.Service})
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness from the core and Redis checks.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Checker == nil || draining.Load() {
		common.JSONError(w, http.StatusServiceUnavailable, common.CodeNotReady, "dependencies unavailable")
		return
	}
	ctx := r.Context()
	coreStatus := dependencyStatus(h.Checker.PingCore(ctx, h.coreTimeout()))
	redisStatus := dependencyStatus(h.Checker.PingRedis(ctx, h.redisTimeout()))
	status := map[string]string{
		"core":  coreStatus,
		"redis": redisStatus,
	}
	code := http.StatusOK
	if !healthy(coreStatus) || !healthy(redisStatus) {
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, status)
}

func dependencyStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotConfigured):
		return "disabled"
	default:
		return err.Error()
	}
}

func healthy(status string) bool {
	return status == "ok" || status == "disabled"
}

func (h Handler) coreTimeout() time.Duration {
	if h.CoreTimeout <= 0 {
		return time.Second
	}
	return h.CoreTimeout
}

func (h Handler) redisTimeout() time.Duration {
	if h.RedisTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return h.RedisTimeout
}
