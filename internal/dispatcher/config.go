package dispatcher

import (
	"time"

	"github.com/khurtado/reana-job-controller/internal/config"
)

// Hardcoded delivery defaults - these rarely need tuning.
const (
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// Config holds configuration for the dispatcher.
type Config struct {
	CallbackURL string        // workflow engine notification endpoint ("" = discard)
	SigningKey  string        // HMAC key for signing, "" = no signing
	BufferSize  int           // pending notification buffer (default: 10000)
	Workers     int           // concurrent delivery goroutines (default: 4)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		CallbackURL: config.GetEnv("WORKFLOW_CALLBACK_URL", ""),
		SigningKey:  config.GetSecretFile(config.GetEnv("WORKFLOW_CALLBACK_KEY_FILE", "")),
		BufferSize:  config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 10000),
		Workers:     config.GetIntEnv("DISPATCHER_WORKERS", 4),
		HTTPTimeout: config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return c
}
