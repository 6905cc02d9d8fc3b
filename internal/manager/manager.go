// Package manager is the facade the API serves: validation, secret
// provisioning, id allocation, backend submission with retry, and the
// delete flow. It owns the adapter registry and the per-backend monitors.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/khurtado/reana-job-controller/internal/apperrors"
	"github.com/khurtado/reana-job-controller/internal/backend"
	"github.com/khurtado/reana-job-controller/internal/job"
	"github.com/khurtado/reana-job-controller/internal/jobstore"
	"github.com/khurtado/reana-job-controller/internal/monitor"
	"github.com/khurtado/reana-job-controller/internal/notify"
	"github.com/khurtado/reana-job-controller/internal/secrets"
	"github.com/khurtado/reana-job-controller/internal/sidecar"
	"github.com/khurtado/reana-job-controller/pkg/backoff"
	"github.com/khurtado/reana-job-controller/pkg/circuitbreaker"
)

// Dispatcher is the notification sink. Satisfied by dispatcher.Dispatcher.
type Dispatcher interface {
	Dispatch(sc *notify.StatusChange) error
}

// MetricsRecorder is an optional interface for recording job metrics.
type MetricsRecorder interface {
	RecordJobSubmitted(ctx context.Context, backendType string)
	RecordJobDeleted(ctx context.Context, backendType string)
	RecordSubmitRetry(ctx context.Context, backendType string)
}

// Options wires the manager's collaborators.
type Options struct {
	Registry    *backend.Registry
	Store       *jobstore.Store
	Provisioner *secrets.Provisioner
	Injector    *sidecar.Injector
	Dispatcher  Dispatcher
	Metrics     MetricsRecorder
	MonitorCfg  monitor.Config
	Config      Config
}

// Manager coordinates the job lifecycle across backends.
type Manager struct {
	registry    *backend.Registry
	store       *jobstore.Store
	provisioner *secrets.Provisioner
	injector    *sidecar.Injector
	dispatcher  Dispatcher
	metrics     MetricsRecorder
	breakers    *circuitbreaker.Registry
	monitorCfg  monitor.Config
	cfg         Config
	logger      *slog.Logger

	monitors []*monitor.Monitor
}

// New creates a manager.
func New(opts Options) *Manager {
	return &Manager{
		registry:    opts.Registry,
		store:       opts.Store,
		provisioner: opts.Provisioner,
		injector:    opts.Injector,
		dispatcher:  opts.Dispatcher,
		metrics:     opts.Metrics,
		breakers:    circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		monitorCfg:  opts.MonitorCfg,
		cfg:         opts.Config.withDefaults(),
		logger:      slog.With("component", "manager"),
	}
}

// Submit validates the spec, provisions secrets, and submits to the
// backend. The returned record reflects the Submitted state. Nothing is
// tracked for a failed submission: the caller got the error and owns the
// retry decision.
func (m *Manager) Submit(ctx context.Context, spec job.Spec) (job.Record, error) {
	adapter, ok := m.registry.Get(spec.Backend)
	if !ok {
		return job.Record{}, apperrors.InvalidSpec("backendType",
			fmt.Sprintf("backend %q is not enabled", spec.Backend))
	}
	if err := validateSpec(spec); err != nil {
		return job.Record{}, err
	}
	if spec.Kerberos && spec.Backend == job.BackendKubernetes {
		if err := m.injector.Validate(); err != nil {
			return job.Record{}, err
		}
	}

	frags, err := m.provisioner.Prepare(ctx, spec.WorkspaceID, spec.SecretRefs)
	if err != nil {
		return job.Record{}, err
	}

	breaker := m.breakers.Get(string(spec.Backend))
	if !breaker.Allow() {
		return job.Record{}, apperrors.Transient("manager.submit",
			fmt.Errorf("backend %s is failing, submissions suspended", spec.Backend))
	}

	id := uuid.NewString()
	if err := m.store.Reserve(id); err != nil {
		return job.Record{}, err
	}

	m.store.Commit(&job.Record{
		ID:        id,
		Backend:   spec.Backend,
		Status:    job.StatusCreated,
		CreatedAt: time.Now().UTC(),
	})

	prepared := &backend.PreparedJob{ID: id, Spec: spec, Secrets: *frags}
	handle, err := m.submitWithRetry(ctx, adapter, prepared)
	if err != nil {
		breaker.RecordFailure()
		m.store.Release(id)
		m.logger.Error("Submission failed", "jobId", id, "backend", spec.Backend, "error", err)
		return job.Record{}, err
	}
	breaker.RecordSuccess()

	if err := m.store.SetHandle(id, handle); err != nil {
		return job.Record{}, err
	}
	prev, changed, err := m.store.Transition(id, job.StatusSubmitted, "")
	if err != nil {
		return job.Record{}, err
	}
	if !changed {
		rec, _ := m.store.Get(id)
		if rec.Status == job.StatusDeleted {
			// Deleted while the backend call was in flight. The backend job
			// now exists with nobody wanting it, so it owes a native deletion.
			m.logger.Info("Job deleted during submission, scheduling native cleanup",
				"jobId", id, "handle", handle)
			m.store.SetCleanupPending(id, true)
			m.nativeDeleteAsync(adapter, id, handle)
		}
		return rec, nil
	}
	m.notifyChange(id, prev, job.StatusSubmitted, "")
	if m.metrics != nil {
		m.metrics.RecordJobSubmitted(ctx, string(spec.Backend))
	}

	m.logger.Info("Job submitted", "jobId", id, "backend", spec.Backend, "handle", handle)
	rec, _ := m.store.Get(id)
	return rec, nil
}

func (m *Manager) submitWithRetry(ctx context.Context, adapter backend.Adapter, prepared *backend.PreparedJob) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.SubmitRetries; attempt++ {
		if attempt > 0 {
			m.store.IncrementRetries(prepared.ID)
			if m.metrics != nil {
				m.metrics.RecordSubmitRetry(ctx, string(adapter.Type()))
			}
			select {
			case <-ctx.Done():
				return "", apperrors.Transient("manager.submit", ctx.Err())
			case <-time.After(backoff.Exponential(attempt, nil)):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.SubmitTimeout)
		handle, err := adapter.Submit(attemptCtx, prepared)
		cancel()
		if err == nil {
			return handle, nil
		}
		lastErr = err
		if !errors.Is(err, apperrors.ErrTransient) {
			return "", err
		}
		m.logger.Warn("Submission attempt failed", "jobId", prepared.ID,
			"attempt", attempt+1, "error", err)
	}
	return "", lastErr
}

// validateSpec applies the backend-independent checks.
func validateSpec(spec job.Spec) error {
	if spec.Image == "" {
		return apperrors.InvalidSpec("image", "image is required")
	}
	if spec.Command == "" {
		return apperrors.InvalidSpec("command", "command is required")
	}
	if spec.WorkspaceID == "" {
		return apperrors.InvalidSpec("workspaceId", "workspaceId is required")
	}
	if spec.Resources.CPU != "" {
		if err := validQuantity(spec.Resources.CPU); err != nil {
			return apperrors.InvalidSpec("resources.cpu", err.Error())
		}
	}
	if spec.Resources.Memory != "" {
		if err := validQuantity(spec.Resources.Memory); err != nil {
			return apperrors.InvalidSpec("resources.memory", err.Error())
		}
	}
	if spec.Resources.GPU < 0 {
		return apperrors.InvalidSpec("resources.gpu", "gpu count must not be negative")
	}
	return nil
}

func validQuantity(s string) error {
	qty, err := resource.ParseQuantity(s)
	if err != nil {
		return err
	}
	if qty.Sign() < 0 {
		return fmt.Errorf("quantity must not be negative")
	}
	return nil
}

// Status returns the tracked record. It never queries the backend: the
// store's last observation (possibly Unknown) is the answer even when the
// backend is down.
func (m *Manager) Status(ctx context.Context, id string) (job.Record, error) {
	rec, ok := m.store.Get(id)
	if !ok {
		return job.Record{}, apperrors.NotFound("job", id)
	}
	return rec, nil
}

// List returns the tracked records across all registered backends,
// ordered by creation time.
func (m *Manager) List(ctx context.Context) []job.Record {
	var out []job.Record
	for _, adapter := range m.registry.List() {
		out = append(out, m.store.ByBackend(adapter.Type())...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Delete marks the record Deleted synchronously and triggers best-effort
// native deletion in the background. Always acknowledged for known jobs;
// repeating it is a no-op.
func (m *Manager) Delete(ctx context.Context, id string) error {
	rec, ok := m.store.Get(id)
	if !ok {
		return apperrors.NotFound("job", id)
	}

	prev, changed, err := m.store.Transition(id, job.StatusDeleted, "")
	if err != nil {
		return err
	}
	if !changed {
		return nil // already deleted
	}
	m.notifyChange(id, prev, job.StatusDeleted, "")
	if m.metrics != nil {
		m.metrics.RecordJobDeleted(ctx, string(rec.Backend))
	}

	// Re-read after the transition: a concurrent submission may have
	// recorded the handle since the first snapshot. A record still without
	// a handle either never reached the backend or is handled by the
	// in-flight Submit, which cleans up when its transition is refused.
	rec, _ = m.store.Get(id)
	if rec.Handle == "" {
		return nil
	}

	m.store.SetCleanupPending(id, true)
	if adapter, ok := m.registry.Get(rec.Backend); ok {
		m.nativeDeleteAsync(adapter, id, rec.Handle)
	}
	return nil
}

// nativeDeleteAsync removes the backend job in the background. On failure
// the cleanup-pending flag stays set and the monitor retries until the
// backend confirms.
func (m *Manager) nativeDeleteAsync(adapter backend.Adapter, id, handle string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DeleteTimeout)
		defer cancel()

		if err := adapter.Delete(ctx, handle); err != nil {
			m.logger.Warn("Native deletion failed, deferring to monitor",
				"jobId", id, "error", err)
			return
		}
		m.store.SetCleanupPending(id, false)
		m.logger.Info("Native deletion completed", "jobId", id)
	}()
}

func (m *Manager) notifyChange(id string, prev, next job.Status, reason string) {
	if m.dispatcher == nil {
		return
	}
	if err := m.dispatcher.Dispatch(notify.NewStatusChange(id, prev, next, reason)); err != nil {
		m.logger.Warn("Notification not queued", "jobId", id, "error", err)
	}
}

// StartMonitors starts one monitor per registered backend.
func (m *Manager) StartMonitors(ctx context.Context) {
	for _, adapter := range m.registry.List() {
		mon := monitor.New(adapter, m.store, m.dispatcher, m.monitorCfg)
		mon.Start(ctx)
		m.monitors = append(m.monitors, mon)
	}
}

// StopMonitors stops all monitors and waits for them.
func (m *Manager) StopMonitors() {
	for _, mon := range m.monitors {
		mon.Stop()
	}
	m.monitors = nil
}

// Backends returns the enabled backend type names.
func (m *Manager) Backends() []string {
	return m.registry.Names()
}
