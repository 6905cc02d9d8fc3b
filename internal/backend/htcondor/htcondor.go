// Package htcondor runs jobs on an HTCondor pool through the condor_* CLI
// tools, either locally or on a remote schedd node over SSH.
package htcondor

import (
	"context"
	"encoding/json"
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

// JobStatus codes as reported in the JobStatus classad attribute.
const (
	statusUnexpanded      = 0
	statusIdle            = 1
	statusRunning         = 2
	statusRemoved         = 3
	statusCompleted       = 4
	statusHeld            = 5
	statusSubmissionError = 6
)

// Hold reason codes that do not indicate job failure: 16 is input file
// transfer still spooling, 35 is a recoverable submission glitch released
// by the periodic_release expression.
var recoverableHoldCodes = map[int]bool{16: true, 35: true}

var statusAttributes = []string{"ClusterId", "JobStatus", "ExitCode", "ExitStatus", "HoldReasonCode"}

// Adapter implements backend.Adapter against HTCondor CLI tooling.
type Adapter struct {
	runner shell.Runner
	cfg    Config
	logger *slog.Logger
}

var _ backend.Adapter = (*Adapter)(nil)

// New creates an HTCondor adapter using the given runner.
func New(runner shell.Runner, cfg Config) *Adapter {
	return &Adapter{
		runner: runner,
		cfg:    cfg.withDefaults(),
		logger: slog.With("component", "htcondor-adapter"),
	}
}

// Type implements backend.Adapter.
func (a *Adapter) Type() job.BackendType { return job.BackendHTCondor }

// Submit queues the job and returns its cluster id as the handle.
func (a *Adapter) Submit(ctx context.Context, prepared *backend.PreparedJob) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	if prepared.Spec.Kerberos {
		if err := a.kinit(ctx); err != nil {
			return "", err
		}
	}

	description := a.submitDescription(prepared)
	stdout, stderr, err := a.runner.Run(ctx, strings.NewReader(description), "condor_submit", "-terse", "-")
	if err != nil {
		return "", apperrors.Transient("htcondor.submit", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr)))
	}

	handle, err := parseClusterID(stdout)
	if err != nil {
		return "", apperrors.Transient("htcondor.submit", err)
	}

	a.logger.Info("Job queued", "jobId", prepared.ID, "clusterId", handle)
	return handle, nil
}

// submitDescription renders the condor_submit description for a job. The
// container runs under the docker universe; the controller job id travels
// along as a classad so operators can correlate queue entries.
func (a *Adapter) submitDescription(prepared *backend.PreparedJob) string {
	spec := prepared.Spec

	var b strings.Builder
	fmt.Fprintf(&b, "universe = docker\n")
	fmt.Fprintf(&b, "docker_image = %s\n", spec.Image)
	fmt.Fprintf(&b, "executable = %s\n", spec.Command)
	if len(spec.Args) > 0 {
		fmt.Fprintf(&b, "arguments = %s\n", strings.Join(spec.Args, " "))
	}
	if env := formatEnvironment(spec.Env, prepared.Secrets.Env); env != "" {
		fmt.Fprintf(&b, "environment = \"%s\"\n", env)
	}
	if spec.WorkspaceMountRef != "" {
		fmt.Fprintf(&b, "initialdir = %s\n", spec.WorkspaceMountRef)
	}
	fmt.Fprintf(&b, "output = job.$(ClusterId).$(ProcId).out\n")
	fmt.Fprintf(&b, "error = job.$(ClusterId).$(ProcId).err\n")
	fmt.Fprintf(&b, "log = job.$(ClusterId).log\n")
	fmt.Fprintf(&b, "should_transfer_files = YES\n")
	fmt.Fprintf(&b, "when_to_transfer_output = ON_EXIT\n")
	fmt.Fprintf(&b, "periodic_release = (HoldReasonCode == 35)\n")
	if a.cfg.MaxRunTime > 0 {
		fmt.Fprintf(&b, "+MaxRunTime = %d\n", a.cfg.MaxRunTime)
	}
	if spec.Resources.CPU != "" {
		fmt.Fprintf(&b, "request_cpus = %s\n", condorCPUs(spec.Resources.CPU))
	}
	if spec.Resources.Memory != "" {
		fmt.Fprintf(&b, "request_memory = %s\n", spec.Resources.Memory)
	}
	if spec.Resources.GPU > 0 {
		fmt.Fprintf(&b, "request_gpus = %d\n", spec.Resources.GPU)
	}
	fmt.Fprintf(&b, "+JobControllerID = \"%s\"\n", prepared.ID)
	fmt.Fprintf(&b, "queue\n")
	return b.String()
}

// condorCPUs converts a Kubernetes-style CPU quantity to a whole CPU count,
// rounding fractional requests up.
func condorCPUs(cpu string) string {
	if strings.HasSuffix(cpu, "m") {
		milli := strings.TrimSuffix(cpu, "m")
		var m int
		if _, err := fmt.Sscanf(milli, "%d", &m); err == nil {
			return fmt.Sprintf("%d", (m+999)/1000)
		}
	}
	return cpu
}

// formatEnvironment renders condor's new-syntax environment list: entries
// are space separated inside one double-quoted string, so each value is
// single-quoted per entry to survive spaces and quotes.
func formatEnvironment(sources ...map[string]string) string {
	var pairs []string
	for _, src := range sources {
		for k, v := range src {
			pairs = append(pairs, k+"="+condorQuote(v))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, " ")
}

// condorQuote quotes one value for the new-syntax environment string.
// Literal double quotes double to "" (the list itself is double-quoted),
// literal single quotes double to '' inside the single-quoted value.
func condorQuote(v string) string {
	v = strings.ReplaceAll(v, `"`, `""`)
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// parseClusterID parses condor_submit -terse output ("23.0 - 23.0").
func parseClusterID(out string) (string, error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty condor_submit output")
	}
	first, _, ok := strings.Cut(fields[0], ".")
	if !ok || first == "" {
		return "", fmt.Errorf("unparseable condor_submit output %q", out)
	}
	return first, nil
}

func (a *Adapter) kinit(ctx context.Context) error {
	if a.cfg.KeytabPath == "" || a.cfg.Principal == "" {
		return apperrors.Permanent("htcondor.kinit",
			fmt.Errorf("job requests kerberos but keytab/principal are not configured"))
	}
	_, stderr, err := a.runner.Run(ctx, nil, "kinit", "-kt", a.cfg.KeytabPath, a.cfg.Principal)
	if err != nil {
		return apperrors.Transient("htcondor.kinit", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr)))
	}
	return nil
}

type classAd struct {
	ClusterID      int  `json:"ClusterId"`
	JobStatus      int  `json:"JobStatus"`
	ExitCode       *int `json:"ExitCode"`
	ExitStatus     *int `json:"ExitStatus"`
	HoldReasonCode *int `json:"HoldReasonCode"`
}

// Status queries the queue, falling back to the history file for jobs the
// schedd has already forgotten. A job in neither is Unknown, not Failed:
// the history file rotates and absence proves nothing.
func (a *Adapter) Status(ctx context.Context, handle string) (job.Status, string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	attrs := strings.Join(statusAttributes, ",")

	ad, err := a.queryOne(ctx, handle, "condor_q", "-json", "-attributes", attrs, handle)
	if err != nil {
		return job.StatusUnknown, "", err
	}
	if ad == nil {
		ad, err = a.queryOne(ctx, handle, "condor_history", "-json", "-attributes", attrs, "-limit", "1", handle)
		if err != nil {
			return job.StatusUnknown, "", err
		}
	}
	if ad == nil {
		return job.StatusUnknown, "job not found in queue or history", nil
	}

	status, reason := mapClassAd(ad)
	return status, reason, nil
}

func (a *Adapter) queryOne(ctx context.Context, handle, name string, args ...string) (*classAd, error) {
	stdout, stderr, err := a.runner.Run(ctx, nil, name, args...)
	if err != nil {
		return nil, apperrors.Transient("htcondor.status", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr)))
	}
	if strings.TrimSpace(stdout) == "" {
		return nil, nil
	}

	var ads []classAd
	if err := json.Unmarshal([]byte(stdout), &ads); err != nil {
		return nil, apperrors.Transient("htcondor.status", fmt.Errorf("parsing %s output: %w", name, err))
	}
	if len(ads) == 0 {
		return nil, nil
	}
	return &ads[0], nil
}

func mapClassAd(ad *classAd) (job.Status, string) {
	switch ad.JobStatus {
	case statusUnexpanded, statusIdle:
		return job.StatusSubmitted, ""
	case statusRunning:
		return job.StatusRunning, ""
	case statusRemoved:
		return job.StatusFailed, "job removed from queue"
	case statusCompleted:
		code := exitCode(ad)
		if code == 0 {
			return job.StatusSucceeded, ""
		}
		return job.StatusFailed, fmt.Sprintf("job exited with code %d", code)
	case statusHeld:
		if ad.HoldReasonCode != nil && recoverableHoldCodes[*ad.HoldReasonCode] {
			// Spooling input or awaiting periodic release; back in the
			// queue from the controller's point of view.
			return job.StatusSubmitted, ""
		}
		return job.StatusFailed, "job held"
	case statusSubmissionError:
		return job.StatusFailed, "submission error"
	default:
		return job.StatusUnknown, fmt.Sprintf("unrecognized JobStatus %d", ad.JobStatus)
	}
}

func exitCode(ad *classAd) int {
	if ad.ExitCode != nil {
		return *ad.ExitCode
	}
	if ad.ExitStatus != nil {
		return *ad.ExitStatus
	}
	return 0
}

// Delete removes the cluster from the queue. A cluster condor_rm cannot
// find is treated as already gone.
func (a *Adapter) Delete(ctx context.Context, handle string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	_, stderr, err := a.runner.Run(ctx, nil, "condor_rm", handle)
	if err != nil {
		if strings.Contains(stderr, "Couldn't find") || strings.Contains(stderr, "not found") {
			return nil
		}
		return apperrors.Transient("htcondor.delete", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr)))
	}
	return nil
}

// SupportsWatch implements backend.Adapter. HTCondor offers no event
// stream over the CLI, so the monitor polls.
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

	if _, _, err := a.runner.Run(ctx, nil, "condor_version"); err != nil {
		return apperrors.Transient("htcondor.ready", err)
	}
	return nil
}
