// Package backoff provides exponential backoff calculation for retried
// backend submissions and callback deliveries.
package backoff

import "time"

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Exponential returns the wait before the given retry attempt, doubling
// from the initial delay and capped at the maximum. Attempt 1 returns the
// initial delay; attempts below 1 are treated as 1.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxWait := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxWait = cfg.Max
		}
	}

	wait := initial
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= maxWait || wait <= 0 { // <= 0 guards overflow
			return maxWait
		}
	}
	if wait > maxWait {
		return maxWait
	}
	return wait
}
