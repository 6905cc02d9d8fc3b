// Package slurm runs jobs on a Slurm cluster through sbatch/sacct/scancel,
// typically on a remote login node over SSH.
package slurm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/khurtado/reana-job-controller/internal/apperrors"
	"github.com/khurtado/reana-job-controller/internal/backend"
	"github.com/khurtado/reana-job-controller/internal/backend/shell"
	"github.com/khurtado/reana-job-controller/internal/job"
)

// Adapter implements backend.Adapter against the Slurm CLI tools.
type Adapter struct {
	runner shell.Runner
	cfg    Config
	logger *slog.Logger
}

var _ backend.Adapter = (*Adapter)(nil)

// New creates a Slurm adapter using the given runner.
func New(runner shell.Runner, cfg Config) *Adapter {
	return &Adapter{
		runner: runner,
		cfg:    cfg.withDefaults(),
		logger: slog.With("component", "slurm-adapter"),
	}
}

// Type implements backend.Adapter.
func (a *Adapter) Type() job.BackendType { return job.BackendSlurm }

// Submit pipes a batch script into sbatch and returns the job id.
func (a *Adapter) Submit(ctx context.Context, prepared *backend.PreparedJob) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	script := a.batchScript(prepared)
	stdout, stderr, err := a.runner.Run(ctx, strings.NewReader(script), "sbatch", "--parsable")
	if err != nil {
		return "", apperrors.Transient("slurm.submit", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr)))
	}

	// --parsable prints "jobid[;cluster]".
	handle, _, _ := strings.Cut(strings.TrimSpace(stdout), ";")
	if handle == "" {
		return "", apperrors.Transient("slurm.submit", fmt.Errorf("empty sbatch output"))
	}

	a.logger.Info("Job queued", "jobId", prepared.ID, "slurmJobId", handle)
	return handle, nil
}

// batchScript renders the sbatch submission script. The container runs
// under the configured runtime (singularity by default) so arbitrary
// images work on clusters without docker.
func (a *Adapter) batchScript(prepared *backend.PreparedJob) string {
	spec := prepared.Spec

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=%s\n", prepared.ID)
	fmt.Fprintf(&b, "#SBATCH --output=job-%s.out\n", prepared.ID)
	fmt.Fprintf(&b, "#SBATCH --error=job-%s.err\n", prepared.ID)
	if a.cfg.Partition != "" {
		fmt.Fprintf(&b, "#SBATCH --partition=%s\n", a.cfg.Partition)
	}
	if a.cfg.TimeLimit != "" {
		fmt.Fprintf(&b, "#SBATCH --time=%s\n", a.cfg.TimeLimit)
	}
	if spec.Resources.CPU != "" {
		fmt.Fprintf(&b, "#SBATCH --cpus-per-task=%s\n", slurmCPUs(spec.Resources.CPU))
	}
	if spec.Resources.Memory != "" {
		fmt.Fprintf(&b, "#SBATCH --mem=%s\n", slurmMemory(spec.Resources.Memory))
	}
	if spec.Resources.GPU > 0 {
		fmt.Fprintf(&b, "#SBATCH --gres=gpu:%d\n", spec.Resources.GPU)
	}

	for _, kv := range sortedEnv(spec.Env, prepared.Secrets.Env) {
		fmt.Fprintf(&b, "export %s\n", kv)
	}

	if spec.WorkspaceMountRef != "" {
		fmt.Fprintf(&b, "cd %s\n", spec.WorkspaceMountRef)
	}

	command := spec.Command
	if len(spec.Args) > 0 {
		command += " " + strings.Join(spec.Args, " ")
	}
	fmt.Fprintf(&b, "%s exec docker://%s %s\n", a.cfg.ContainerRuntime, spec.Image, command)
	return b.String()
}

// sortedEnv renders "KEY='value'" pairs for the batch script. Values are
// shell-quoted: secrets may hold $, backticks, or quotes and must reach the
// job literally.
func sortedEnv(sources ...map[string]string) []string {
	var pairs []string
	for _, src := range sources {
		for k, v := range src {
			pairs = append(pairs, k+"="+shell.Quote(v))
		}
	}
	sort.Strings(pairs)
	return pairs
}

// slurmCPUs converts a Kubernetes-style CPU quantity to a core count.
func slurmCPUs(cpu string) string {
	if strings.HasSuffix(cpu, "m") {
		var m int
		if _, err := fmt.Sscanf(strings.TrimSuffix(cpu, "m"), "%d", &m); err == nil {
			return fmt.Sprintf("%d", (m+999)/1000)
		}
	}
	return cpu
}

// slurmMemory converts "512Mi"/"2Gi" quantities to sbatch's "512M"/"2G".
func slurmMemory(mem string) string {
	if strings.HasSuffix(mem, "i") {
		return strings.TrimSuffix(mem, "i")
	}
	return mem
}

// Status asks sacct for the job's state and exit code. An empty sacct
// answer is Unknown: accounting lags submission by a polling period or two.
func (a *Adapter) Status(ctx context.Context, handle string) (job.Status, string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	stdout, stderr, err := a.runner.Run(ctx, nil,
		"sacct", "-j", handle, "-n", "-P", "-X", "-o", "State,ExitCode")
	if err != nil {
		return job.StatusUnknown, "", apperrors.Transient("slurm.status", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr)))
	}

	line := strings.TrimSpace(stdout)
	if line == "" {
		return job.StatusUnknown, "job not yet in accounting", nil
	}
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}

	state, exit, _ := strings.Cut(line, "|")
	status, reason := mapState(state, exit)
	return status, reason, nil
}

func mapState(state, exit string) (job.Status, string) {
	// sacct suffixes cancelled states with the requesting user
	// ("CANCELLED by 1234").
	state = strings.ToUpper(strings.TrimSpace(state))
	if base, _, ok := strings.Cut(state, " "); ok {
		state = base
	}

	switch state {
	case "PENDING", "CONFIGURING", "REQUEUED", "RESIZING", "SUSPENDED":
		return job.StatusSubmitted, ""
	case "RUNNING", "COMPLETING":
		return job.StatusRunning, ""
	case "COMPLETED":
		return job.StatusSucceeded, ""
	case "FAILED":
		return job.StatusFailed, fmt.Sprintf("job failed with exit code %s", exitCode(exit))
	case "CANCELLED":
		return job.StatusFailed, "job cancelled"
	case "TIMEOUT":
		return job.StatusFailed, "job exceeded time limit"
	case "NODE_FAIL":
		return job.StatusFailed, "node failure"
	case "OUT_OF_MEMORY":
		return job.StatusFailed, "job out of memory"
	case "PREEMPTED":
		return job.StatusFailed, "job preempted"
	default:
		return job.StatusUnknown, fmt.Sprintf("unrecognized state %q", state)
	}
}

// exitCode extracts "2" from sacct's "2:0" exit code field.
func exitCode(exit string) string {
	code, _, _ := strings.Cut(strings.TrimSpace(exit), ":")
	if code == "" {
		return "?"
	}
	return code
}

// Delete cancels the job. scancel is a no-op on jobs already gone, so no
// special casing is needed.
func (a *Adapter) Delete(ctx context.Context, handle string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	_, stderr, err := a.runner.Run(ctx, nil, "scancel", handle)
	if err != nil {
		if strings.Contains(stderr, "Invalid job id") {
			return nil
		}
		return apperrors.Transient("slurm.delete", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr)))
	}
	return nil
}

// SupportsWatch implements backend.Adapter.
func (a *Adapter) SupportsWatch() bool { return false }

// Watch implements backend.Adapter.
func (a *Adapter) Watch(ctx context.Context) (<-chan backend.StatusEvent, error) {
	return nil, backend.ErrWatchUnsupported
}

// PollInterval reports the configured monitor poll cadence.
func (a *Adapter) PollInterval() time.Duration { return a.cfg.PollInterval }

// Ready implements backend.Adapter.
func (a *Adapter) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	if _, _, err := a.runner.Run(ctx, nil, "sinfo", "--version"); err != nil {
		return apperrors.Transient("slurm.ready", err)
	}
	return nil
}
