// Package docker runs jobs as containers on a local Docker daemon. It
// exists for development and CI, where standing up a cluster or a batch
// system is overkill; one controller binary plus a docker socket gives the
// full submit/monitor/delete lifecycle.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/khurtado/reana-job-controller/internal/apperrors"
	"github.com/khurtado/reana-job-controller/internal/backend"
	"github.com/khurtado/reana-job-controller/internal/config"
	"github.com/khurtado/reana-job-controller/internal/job"
)

const (
	labelJobID     = "job-controller/job-id"
	labelManagedBy = "managed-by"
	managedByValue = "reana-job-controller"
)

// Config holds Docker adapter configuration.
type Config struct {
	// WorkspaceHostRoot is prependend to a job's workspace mount ref to
	// locate the host directory bind-mounted into the container.
	WorkspaceHostRoot string
	// WorkspaceMountPath is where the workspace appears inside the container.
	WorkspaceMountPath string
	// PullImages controls whether images are pulled before each run.
	PullImages bool
	// PollInterval is how often the monitor inspects containers.
	PollInterval time.Duration
	// StopTimeout is how long a container gets to exit on delete.
	StopTimeout time.Duration
}

// LoadConfigFromEnv loads Docker adapter configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		WorkspaceHostRoot:  config.GetEnv("DOCKER_WORKSPACE_HOST_ROOT", "/tmp/workspaces"),
		WorkspaceMountPath: config.GetEnv("DOCKER_WORKSPACE_MOUNT_PATH", "/workspace"),
		PullImages:         config.GetBoolEnv("DOCKER_PULL_IMAGES", true),
		PollInterval:       config.GetDurationEnv("DOCKER_POLL_INTERVAL", 10*time.Second),
		StopTimeout:        config.GetDurationEnv("DOCKER_STOP_TIMEOUT", 10*time.Second),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.WorkspaceHostRoot == "" {
		c.WorkspaceHostRoot = "/tmp/workspaces"
	}
	if c.WorkspaceMountPath == "" {
		c.WorkspaceMountPath = "/workspace"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}

// Adapter implements backend.Adapter on the local Docker daemon.
type Adapter struct {
	client *client.Client
	cfg    Config
	logger *slog.Logger
}

var _ backend.Adapter = (*Adapter)(nil)

// New connects to the daemon configured through the standard DOCKER_*
// environment variables.
func New(cfg Config) (*Adapter, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Adapter{
		client: dockerClient,
		cfg:    cfg.withDefaults(),
		logger: slog.With("component", "docker-adapter"),
	}, nil
}

// Type implements backend.Adapter.
func (a *Adapter) Type() job.BackendType { return job.BackendDocker }

// Submit creates and starts the job container. The container id is the
// backend handle.
func (a *Adapter) Submit(ctx context.Context, prepared *backend.PreparedJob) (string, error) {
	spec := prepared.Spec

	if a.cfg.PullImages {
		if err := a.pullImage(ctx, spec.Image); err != nil {
			return "", apperrors.Transient("docker.pull", err)
		}
	}

	resources, err := buildResources(spec.Resources)
	if err != nil {
		return "", err
	}

	containerConfig := &container.Config{
		Image: spec.Image,
		Cmd:   append([]string{spec.Command}, spec.Args...),
		Env:   buildEnv(spec.Env, prepared.Secrets.Env),
		Labels: map[string]string{
			labelJobID:     prepared.ID,
			labelManagedBy: managedByValue,
		},
	}

	hostConfig := &container.HostConfig{Resources: resources}
	if spec.WorkspaceMountRef != "" {
		containerConfig.WorkingDir = a.cfg.WorkspaceMountPath
		hostConfig.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: a.cfg.WorkspaceHostRoot + "/" + spec.WorkspaceMountRef,
			Target: a.cfg.WorkspaceMountPath,
		}}
	}

	containerName := fmt.Sprintf("job-%s", prepared.ID)
	resp, err := a.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		if strings.Contains(err.Error(), "is already in use") {
			return "", apperrors.Conflict("container", containerName, "a container for this job already exists")
		}
		return "", apperrors.Transient("docker.create", err)
	}

	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", apperrors.Transient("docker.start", err)
	}

	a.logger.Info("Container started", "jobId", prepared.ID, "containerId", resp.ID[:12])
	return resp.ID, nil
}

func (a *Adapter) pullImage(ctx context.Context, imageName string) error {
	reader, err := a.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	// Drain so the pull completes before the create.
	buf := make([]byte, 4096)
	for {
		if _, err := reader.Read(buf); err != nil {
			return nil
		}
	}
}

func buildResources(res job.Resources) (container.Resources, error) {
	var out container.Resources
	if res.CPU != "" {
		qty, err := resource.ParseQuantity(res.CPU)
		if err != nil {
			return out, apperrors.InvalidSpec("resources.cpu", err.Error())
		}
		out.NanoCPUs = qty.MilliValue() * 1e6
	}
	if res.Memory != "" {
		qty, err := resource.ParseQuantity(res.Memory)
		if err != nil {
			return out, apperrors.InvalidSpec("resources.memory", err.Error())
		}
		out.Memory = qty.Value()
	}
	return out, nil
}

func buildEnv(sources ...map[string]string) []string {
	var env []string
	for _, src := range sources {
		for k, v := range src {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	sort.Strings(env)
	return env
}

// Status inspects the container. A missing container is Unknown: docker
// system prune or a manual rm leaves no trace to judge the outcome by.
func (a *Adapter) Status(ctx context.Context, handle string) (job.Status, string, error) {
	inspect, err := a.client.ContainerInspect(ctx, handle)
	if err != nil {
		if client.IsErrNotFound(err) {
			return job.StatusUnknown, "container not found", nil
		}
		return job.StatusUnknown, "", apperrors.Transient("docker.status", err)
	}
	return mapContainerState(inspect.State)
}

func mapContainerState(state *container.State) (job.Status, string, error) {
	if state == nil {
		return job.StatusUnknown, "container has no state", nil
	}
	switch {
	case state.Running:
		return job.StatusRunning, "", nil
	case state.Status == "created":
		return job.StatusSubmitted, "", nil
	case state.Status == "exited", state.Status == "dead":
		if state.ExitCode == 0 {
			return job.StatusSucceeded, "", nil
		}
		reason := fmt.Sprintf("container exited with code %d", state.ExitCode)
		if state.OOMKilled {
			reason = "container killed: out of memory"
		}
		return job.StatusFailed, reason, nil
	default:
		return job.StatusUnknown, fmt.Sprintf("unrecognized container status %q", state.Status), nil
	}
}

// Delete force-removes the container and its anonymous volumes.
func (a *Adapter) Delete(ctx context.Context, handle string) error {
	err := a.client.ContainerRemove(ctx, handle, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return apperrors.Transient("docker.delete", err)
	}
	return nil
}

// SupportsWatch implements backend.Adapter. The monitor polls; the poll
// interval is short because inspects are cheap and local.
func (a *Adapter) SupportsWatch() bool { return false }

// Watch implements backend.Adapter.
func (a *Adapter) Watch(ctx context.Context) (<-chan backend.StatusEvent, error) {
	return nil, backend.ErrWatchUnsupported
}

// PollInterval reports the configured monitor poll cadence.
func (a *Adapter) PollInterval() time.Duration { return a.cfg.PollInterval }

// Ready implements backend.Adapter.
func (a *Adapter) Ready(ctx context.Context) error {
	if _, err := a.client.Ping(ctx); err != nil {
		return apperrors.Transient("docker.ready", err)
	}
	return nil
}
