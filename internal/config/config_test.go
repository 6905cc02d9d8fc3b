package config

import (
	"os"
	"testing"
)

func TestLoadServiceConfig_Defaults(t *testing.T) {
	cfg := LoadServiceConfig()

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.MetricsPort != "9090" {
		t.Errorf("MetricsPort = %q, want 9090", cfg.MetricsPort)
	}
	if !cfg.BackendEnabled("kubernetes") {
		t.Error("kubernetes backend should be enabled by default")
	}
	if cfg.BackendEnabled("slurm") {
		t.Error("slurm backend should not be enabled by default")
	}
}

func TestEnabledBackendsList(t *testing.T) {
	os.Setenv("ENABLED_BACKENDS", "kubernetes, htcondor ,slurm")
	defer os.Unsetenv("ENABLED_BACKENDS")

	cfg := LoadServiceConfig()

	for _, name := range []string{"kubernetes", "htcondor", "slurm"} {
		if !cfg.BackendEnabled(name) {
			t.Errorf("backend %q should be enabled", name)
		}
	}
	if cfg.BackendEnabled("docker") {
		t.Error("docker backend should not be enabled")
	}
}
