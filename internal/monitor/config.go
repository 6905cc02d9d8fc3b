package monitor

import (
	"time"

	"github.com/khurtado/reana-job-controller/internal/config"
)

// Config holds monitor configuration shared by all backends.
type Config struct {
	PollInterval     time.Duration // cadence for polled backends (default: 120s)
	WatchBackoff     time.Duration // delay before resubscribing a broken watch (default: 5s)
	UnknownThreshold int           // consecutive failed checks before Unknown (default: 3)
	SweepInterval    time.Duration // cleanup/sweep cadence (default: 1m)
	Retention        time.Duration // terminal record retention (default: 24h)
}

// LoadConfigFromEnv loads monitor configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		PollInterval:     config.GetDurationEnv("MONITOR_POLL_INTERVAL", 120*time.Second),
		WatchBackoff:     config.GetDurationEnv("MONITOR_WATCH_BACKOFF", 5*time.Second),
		UnknownThreshold: config.GetIntEnv("MONITOR_UNKNOWN_THRESHOLD", 3),
		SweepInterval:    config.GetDurationEnv("MONITOR_SWEEP_INTERVAL", time.Minute),
		Retention:        config.GetDurationEnv("MONITOR_RETENTION", 24*time.Hour),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 120 * time.Second
	}
	if c.WatchBackoff <= 0 {
		c.WatchBackoff = 5 * time.Second
	}
	if c.UnknownThreshold <= 0 {
		c.UnknownThreshold = 3
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}
