package manager

import (
	"time"

	"github.com/khurtado/reana-job-controller/internal/config"
)

// Config holds manager configuration.
type Config struct {
	SubmitRetries int           // extra submission attempts on transient errors (default: 3)
	SubmitTimeout time.Duration // per submission attempt (default: 30s)
	DeleteTimeout time.Duration // async native deletion budget (default: 30s)
}

// LoadConfigFromEnv loads manager configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		SubmitRetries: config.GetIntEnv("SUBMIT_MAX_RETRIES", 3),
		SubmitTimeout: config.GetDurationEnv("SUBMIT_TIMEOUT", 30*time.Second),
		DeleteTimeout: config.GetDurationEnv("DELETE_TIMEOUT", 30*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.SubmitRetries < 0 {
		c.SubmitRetries = 0
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 30 * time.Second
	}
	if c.DeleteTimeout <= 0 {
		c.DeleteTimeout = 30 * time.Second
	}
	return c
}
