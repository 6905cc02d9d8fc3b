package slurm

import (
	"time"

	"github.com/khurtado/reana-job-controller/internal/config"
)

// Config holds Slurm adapter configuration.
type Config struct {
	Partition        string        // target partition, "" = cluster default
	TimeLimit        string        // sbatch --time value, "" = partition default
	ContainerRuntime string        // container tool on compute nodes (default: "singularity")
	PollInterval     time.Duration // monitor poll cadence (default: 120s)
	RequestTimeout   time.Duration // per CLI invocation (default: 60s)
}

// LoadConfigFromEnv loads Slurm adapter configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Partition:        config.GetEnv("SLURM_PARTITION", ""),
		TimeLimit:        config.GetEnv("SLURM_TIME_LIMIT", ""),
		ContainerRuntime: config.GetEnv("SLURM_CONTAINER_RUNTIME", "singularity"),
		PollInterval:     config.GetDurationEnv("SLURM_POLL_INTERVAL", 120*time.Second),
		RequestTimeout:   config.GetDurationEnv("SLURM_REQUEST_TIMEOUT", 60*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.ContainerRuntime == "" {
		c.ContainerRuntime = "singularity"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 120 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	return c
}
