package resilience

import (
	"math/rand"
	"time"
)

// Backoff doubles base for each attempt after the first. jitterPct spreads the
// result by up to that fraction either way (0.2 is ±20%).
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << uint(max(attempt, 1)-1)
	if jitterPct <= 0 {
		return d
	}
	spread := float64(d) * jitterPct
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
