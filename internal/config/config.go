// Package config provides configuration loading from environment variables.
package config

import (
	"strings"
	"time"
)

// ServiceConfig holds configuration for the job controller service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	EnabledBackends   []string      // backend adapters to initialize at startup
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		EnabledBackends:   splitList(GetEnv("ENABLED_BACKENDS", "kubernetes")),
	}
}

// BackendEnabled reports whether the named backend should be initialized.
func (c *ServiceConfig) BackendEnabled(name string) bool {
	for _, b := range c.EnabledBackends {
		if b == name {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
