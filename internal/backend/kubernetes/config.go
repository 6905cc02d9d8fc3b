package kubernetes

import (
	"time"

	"github.com/khurtado/reana-job-controller/internal/config"
)

// Config holds Kubernetes adapter configuration.
type Config struct {
	Namespace          string        // namespace jobs are created in (default: "default")
	KubeconfigPath     string        // out-of-cluster kubeconfig, "" = in-cluster first
	WorkspaceMountPath string        // mount path of the workspace volume (default: "/workspace")
	GPUResourceName    string        // extended resource for GPU requests (default: "nvidia.com/gpu")
	RunAsUser          int64         // job container UID, -1 = unset
	RunAsGroup         int64         // job container GID, -1 = unset
	RequestTimeout     time.Duration // per API call (default: 30s)
}

// LoadConfigFromEnv loads Kubernetes adapter configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Namespace:          config.GetEnv("K8S_NAMESPACE", "default"),
		KubeconfigPath:     config.GetEnv("KUBECONFIG", ""),
		WorkspaceMountPath: config.GetEnv("K8S_WORKSPACE_MOUNT_PATH", "/workspace"),
		GPUResourceName:    config.GetEnv("K8S_GPU_RESOURCE", "nvidia.com/gpu"),
		RunAsUser:          int64(config.GetIntEnv("K8S_JOB_UID", -1)),
		RunAsGroup:         int64(config.GetIntEnv("K8S_JOB_GID", -1)),
		RequestTimeout:     config.GetDurationEnv("K8S_REQUEST_TIMEOUT", 30*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.WorkspaceMountPath == "" {
		c.WorkspaceMountPath = "/workspace"
	}
	if c.GPUResourceName == "" {
		c.GPUResourceName = "nvidia.com/gpu"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}
