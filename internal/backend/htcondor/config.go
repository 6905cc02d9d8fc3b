package htcondor

import (
	"time"

	"github.com/khurtado/reana-job-controller/internal/config"
)

// Config holds HTCondor adapter configuration.
type Config struct {
	// PollInterval is how often the monitor queries job status.
	PollInterval time.Duration
	// MaxRunTime caps job wall time in seconds, 0 = no cap.
	MaxRunTime int
	// KeytabPath and Principal are used to obtain a Kerberos ticket before
	// schedd operations when a job requests Kerberos.
	KeytabPath string
	Principal  string
	// RequestTimeout bounds each CLI invocation.
	RequestTimeout time.Duration
}

// LoadConfigFromEnv loads HTCondor adapter configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		PollInterval:   config.GetDurationEnv("HTCONDOR_POLL_INTERVAL", 120*time.Second),
		MaxRunTime:     config.GetIntEnv("HTCONDOR_MAX_RUN_TIME", 3600),
		KeytabPath:     config.GetEnv("HTCONDOR_KEYTAB_PATH", ""),
		Principal:      config.GetEnv("HTCONDOR_PRINCIPAL", ""),
		RequestTimeout: config.GetDurationEnv("HTCONDOR_REQUEST_TIMEOUT", 60*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 120 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	return c
}
