package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the environment variable value, or the default when the
// variable is unset or empty.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetIntEnv returns an integer environment variable. Unset or unparseable
// values fall back to the default.
func GetIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetBoolEnv returns a boolean environment variable ("true", "1", "false",
// ...). Unset or unparseable values fall back to the default.
func GetBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

// GetDurationEnv returns a duration environment variable ("30s", "2m").
// Unset or unparseable values fall back to the default.
func GetDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetSecretFile reads a secret from a file path, trimming trailing
// whitespace. Works with mounted Kubernetes secret volumes and Docker
// secrets (/run/secrets/). Missing files yield "".
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
