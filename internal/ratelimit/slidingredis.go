package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter is a sliding-window limiter over Redis sorted sets, one set per key
// scored by event time in nanoseconds. It is shared by every gateway replica,
// unlike MemoryLimiter. Rejected events are removed again so a caller that
// keeps retrying is not locked out past the window.
type Limiter struct {
	Client redis.Cmdable
	// Prefix namespaces the sorted sets; keys are Prefix + ":" + key.
	Prefix string
}

// Allow implements Allower. reset is when the oldest counted event leaves the
// window.
func (l Limiter) Allow(ctx context.Context, key string, window time.Duration, max int) (allowed bool, remaining int, reset time.Time, err error) {
	now := time.Now()
	if l.Client == nil || max <= 0 || window <= 0 {
		return true, max, now.Add(window), nil
	}

	setKey := l.setKey(key)
	member := uuid.NewString()
	cutoff := strconv.FormatInt(now.Add(-window).UnixNano(), 10)

	pipe := l.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, setKey, "-inf", "("+cutoff)
	pipe.ZAdd(ctx, setKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	count := pipe.ZCard(ctx, setKey)
	oldest := pipe.ZRangeWithScores(ctx, setKey, 0, 0)
	pipe.PExpire(ctx, setKey, window)
	if _, err = pipe.Exec(ctx); err != nil {
		return false, 0, now.Add(window), err
	}

	reset = now.Add(window)
	if first := oldest.Val(); len(first) > 0 {
		reset = time.Unix(0, int64(first[0].Score)).Add(window)
	}
	current := int(count.Val())
	if current > max {
		if err = l.Client.ZRem(ctx, setKey, member).Err(); err != nil {
			return false, 0, reset, err
		}
		return false, 0, reset, nil
	}
	return true, max - current, reset, nil
}

func (l Limiter) setKey(key string) string {
	if prefix := strings.TrimSuffix(l.Prefix, ":"); prefix != "" {
		return prefix + ":" + key
	}
	return key
}
