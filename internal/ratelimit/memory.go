package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// MemoryLimiter is a process-local fixed-window limiter used when no Redis is
// configured. Counters are not shared between gateway replicas.
type MemoryLimiter struct {
	store limiter.Store
}

// NewMemoryLimiter constructs a limiter backed by an in-process store.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{store: memory.NewStore()}
}

// Allow implements Allower.
func (m *MemoryLimiter) Allow(ctx context.Context, key string, window time.Duration, max int) (bool, int, time.Time, error) {
	if m == nil || m.store == nil || max <= 0 || window <= 0 {
		return true, max, time.Now().Add(window), nil
	}
	rate := limiter.Rate{Period: window, Limit: int64(max)}
	lctx, err := limiter.New(m.store, rate).Get(ctx, fmt.Sprintf("%d:%s:%s", max, window, key))
	if err != nil {
		return false, 0, time.Now().Add(window), err
	}
	return !lctx.Reached, int(lctx.Remaining), time.Unix(lctx.Reset, 0), nil
}
