package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/khurtado/reana-job-controller/internal/backend"
	"github.com/khurtado/reana-job-controller/internal/job"
	"github.com/khurtado/reana-job-controller/internal/jobstore"
	"github.com/khurtado/reana-job-controller/internal/notify"
)

// fakeAdapter serves scripted statuses and records deletes.
type fakeAdapter struct {
	mu        sync.Mutex
	statuses  map[string]job.Status
	reasons   map[string]string
	statusErr error
	deleteErr error
	deleted   []string

	watchable bool
	events    chan backend.StatusEvent
}

var _ backend.Adapter = (*fakeAdapter)(nil)

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		statuses: make(map[string]job.Status),
		reasons:  make(map[string]string),
	}
}

func (f *fakeAdapter) Type() job.BackendType { return job.BackendSlurm }

func (f *fakeAdapter) Submit(ctx context.Context, prepared *backend.PreparedJob) (string, error) {
	return "h-" + prepared.ID, nil
}

func (f *fakeAdapter) Status(ctx context.Context, handle string) (job.Status, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return job.StatusUnknown, "", f.statusErr
	}
	st, ok := f.statuses[handle]
	if !ok {
		return job.StatusUnknown, "not found", nil
	}
	return st, f.reasons[handle], nil
}

func (f *fakeAdapter) Delete(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, handle)
	return nil
}

func (f *fakeAdapter) SupportsWatch() bool { return f.watchable }

func (f *fakeAdapter) Watch(ctx context.Context) (<-chan backend.StatusEvent, error) {
	if !f.watchable {
		return nil, backend.ErrWatchUnsupported
	}
	return f.events, nil
}

func (f *fakeAdapter) Ready(ctx context.Context) error { return nil }

func (f *fakeAdapter) setStatus(handle string, st job.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[handle] = st
}

func (f *fakeAdapter) setStatusErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr = err
}

// captureDispatcher records dispatched notifications.
type captureDispatcher struct {
	mu  sync.Mutex
	got []*notify.StatusChange
}

func (c *captureDispatcher) Dispatch(sc *notify.StatusChange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, sc)
	return nil
}

func (c *captureDispatcher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *captureDispatcher) last() *notify.StatusChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.got) == 0 {
		return nil
	}
	return c.got[len(c.got)-1]
}

func seedRecord(t *testing.T, store *jobstore.Store, id, handle string, status job.Status) {
	t.Helper()
	if err := store.Reserve(id); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	store.Commit(&job.Record{
		ID:        id,
		Backend:   job.BackendSlurm,
		Status:    job.StatusCreated,
		CreatedAt: time.Now(),
	})
	if handle != "" {
		if err := store.SetHandle(id, handle); err != nil {
			t.Fatalf("SetHandle: %v", err)
		}
	}
	// Walk the state graph to the requested status.
	path := map[job.Status][]job.Status{
		job.StatusCreated:   {},
		job.StatusSubmitted: {job.StatusSubmitted},
		job.StatusRunning:   {job.StatusSubmitted, job.StatusRunning},
	}
	for _, st := range path[status] {
		if _, changed, err := store.Transition(id, st, ""); err != nil || !changed {
			t.Fatalf("seeding transition to %s: changed=%v err=%v", st, changed, err)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestReconcileAppliesStatusAndNotifies(t *testing.T) {
	t.Parallel()

	store := jobstore.New()
	adapter := newFakeAdapter()
	disp := &captureDispatcher{}

	seedRecord(t, store, "job-1", "h-1", job.StatusSubmitted)
	adapter.setStatus("h-1", job.StatusRunning)

	m := New(adapter, store, disp, Config{PollInterval: time.Hour, SweepInterval: time.Hour})
	m.reconcile(context.Background())

	rec, _ := store.Get("job-1")
	if rec.Status != job.StatusRunning {
		t.Errorf("status = %q, want running", rec.Status)
	}
	if disp.count() != 1 {
		t.Fatalf("notifications = %d, want 1", disp.count())
	}
	sc := disp.last()
	if sc.PreviousStatus != job.StatusSubmitted || sc.NewStatus != job.StatusRunning {
		t.Errorf("notification %s -> %s", sc.PreviousStatus, sc.NewStatus)
	}
}

func TestRepeatedObservationNotifiesOnce(t *testing.T) {
	t.Parallel()

	store := jobstore.New()
	adapter := newFakeAdapter()
	disp := &captureDispatcher{}

	seedRecord(t, store, "job-1", "h-1", job.StatusSubmitted)
	adapter.setStatus("h-1", job.StatusRunning)

	m := New(adapter, store, disp, Config{})
	m.reconcile(context.Background())
	m.reconcile(context.Background())
	m.reconcile(context.Background())

	if disp.count() != 1 {
		t.Errorf("notifications = %d, want 1 for a single change", disp.count())
	}
}

func TestTransportErrorsBelowThresholdKeepStatus(t *testing.T) {
	t.Parallel()

	store := jobstore.New()
	adapter := newFakeAdapter()
	disp := &captureDispatcher{}

	seedRecord(t, store, "job-1", "h-1", job.StatusRunning)
	adapter.setStatusErr(errors.New("connection refused"))

	m := New(adapter, store, disp, Config{UnknownThreshold: 3})
	m.reconcile(context.Background())
	m.reconcile(context.Background())

	rec, _ := store.Get("job-1")
	if rec.Status != job.StatusRunning {
		t.Errorf("status = %q, want running after 2 failures", rec.Status)
	}

	m.reconcile(context.Background())
	rec, _ = store.Get("job-1")
	if rec.Status != job.StatusUnknown {
		t.Errorf("status = %q, want unknown after 3 failures", rec.Status)
	}
}

func TestRecoveryFromUnknown(t *testing.T) {
	t.Parallel()

	store := jobstore.New()
	adapter := newFakeAdapter()
	disp := &captureDispatcher{}

	seedRecord(t, store, "job-1", "h-1", job.StatusRunning)
	adapter.setStatusErr(errors.New("connection refused"))

	m := New(adapter, store, disp, Config{UnknownThreshold: 1})
	m.reconcile(context.Background())

	rec, _ := store.Get("job-1")
	if rec.Status != job.StatusUnknown {
		t.Fatalf("status = %q, want unknown", rec.Status)
	}

	adapter.setStatusErr(nil)
	adapter.setStatus("h-1", job.StatusRunning)
	m.reconcile(context.Background())

	rec, _ = store.Get("job-1")
	if rec.Status != job.StatusRunning {
		t.Errorf("status = %q, want running after backend recovered", rec.Status)
	}
}

func TestWatchLoopAppliesEvents(t *testing.T) {
	t.Parallel()

	store := jobstore.New()
	adapter := newFakeAdapter()
	adapter.watchable = true
	adapter.events = make(chan backend.StatusEvent, 4)
	disp := &captureDispatcher{}

	seedRecord(t, store, "job-1", "h-1", job.StatusSubmitted)

	m := New(adapter, store, disp, Config{WatchBackoff: time.Hour, SweepInterval: time.Hour})
	m.Start(context.Background())
	defer m.Stop()

	adapter.events <- backend.StatusEvent{Handle: "h-1", Status: job.StatusRunning}
	waitFor(t, 2*time.Second, func() bool {
		rec, _ := store.Get("job-1")
		return rec.Status == job.StatusRunning
	})

	adapter.events <- backend.StatusEvent{Handle: "h-1", Status: job.StatusSucceeded}
	waitFor(t, 2*time.Second, func() bool {
		rec, _ := store.Get("job-1")
		return rec.Status == job.StatusSucceeded
	})

	if disp.count() != 2 {
		t.Errorf("notifications = %d, want 2", disp.count())
	}
}

func TestWatchModeRecoversDroppedEvents(t *testing.T) {
	t.Parallel()

	store := jobstore.New()
	adapter := newFakeAdapter()
	adapter.watchable = true
	adapter.events = make(chan backend.StatusEvent, 1)
	disp := &captureDispatcher{}

	// Mid-submission: the record exists but the handle is not recorded yet.
	seedRecord(t, store, "job-1", "", job.StatusCreated)

	m := New(adapter, store, disp, Config{
		PollInterval: 20 * time.Millisecond, WatchBackoff: time.Hour, SweepInterval: time.Hour,
	})
	m.Start(context.Background())
	defer m.Stop()

	// The event lands before the handle does and cannot be matched.
	adapter.events <- backend.StatusEvent{Handle: "h-1", Status: job.StatusRunning}
	time.Sleep(30 * time.Millisecond)

	// Submission completes; the backend keeps reporting running.
	if err := store.SetHandle("job-1", "h-1"); err != nil {
		t.Fatalf("SetHandle: %v", err)
	}
	if _, _, err := store.Transition("job-1", job.StatusSubmitted, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	adapter.setStatus("h-1", job.StatusRunning)

	// No further events arrive, so only the periodic poll can catch up.
	waitFor(t, 2*time.Second, func() bool {
		rec, _ := store.Get("job-1")
		return rec.Status == job.StatusRunning
	})
}

func TestWatchIgnoresForeignHandles(t *testing.T) {
	t.Parallel()

	store := jobstore.New()
	adapter := newFakeAdapter()
	adapter.watchable = true
	adapter.events = make(chan backend.StatusEvent, 1)

	seedRecord(t, store, "job-1", "h-1", job.StatusSubmitted)

	m := New(adapter, store, nil, Config{WatchBackoff: time.Hour, SweepInterval: time.Hour})
	m.Start(context.Background())
	defer m.Stop()

	adapter.events <- backend.StatusEvent{Handle: "someone-elses-job", Status: job.StatusFailed}
	time.Sleep(50 * time.Millisecond)

	rec, _ := store.Get("job-1")
	if rec.Status != job.StatusSubmitted {
		t.Errorf("status = %q, foreign event must not apply", rec.Status)
	}
}

func TestRetryCleanup(t *testing.T) {
	t.Parallel()

	store := jobstore.New()
	adapter := newFakeAdapter()

	seedRecord(t, store, "job-1", "h-1", job.StatusRunning)
	if _, _, err := store.Transition("job-1", job.StatusDeleted, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	store.SetCleanupPending("job-1", true)

	m := New(adapter, store, nil, Config{})

	adapter.deleteErr = errors.New("backend down")
	m.retryCleanup(context.Background())
	if got := len(store.CleanupPending(job.BackendSlurm)); got != 1 {
		t.Fatalf("pending = %d, want 1 while deletes fail", got)
	}

	adapter.deleteErr = nil
	m.retryCleanup(context.Background())
	if got := len(store.CleanupPending(job.BackendSlurm)); got != 0 {
		t.Errorf("pending = %d, want 0 after successful delete", got)
	}
	if len(adapter.deleted) != 1 || adapter.deleted[0] != "h-1" {
		t.Errorf("deleted = %v, want [h-1]", adapter.deleted)
	}
}

func TestReconcileIgnoresDeletedRecords(t *testing.T) {
	t.Parallel()

	store := jobstore.New()
	adapter := newFakeAdapter()
	disp := &captureDispatcher{}

	seedRecord(t, store, "job-1", "h-1", job.StatusRunning)
	if _, _, err := store.Transition("job-1", job.StatusDeleted, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	// Backend still reports the job as succeeded for a while after deletion.
	adapter.setStatus("h-1", job.StatusSucceeded)

	m := New(adapter, store, disp, Config{})
	m.reconcile(context.Background())

	rec, _ := store.Get("job-1")
	if rec.Status != job.StatusDeleted {
		t.Errorf("status = %q, deleted record must stay deleted", rec.Status)
	}
	if disp.count() != 0 {
		t.Errorf("notifications = %d, want 0 after deletion", disp.count())
	}
}

func TestReconcileSkipsRecordsWithoutHandle(t *testing.T) {
	t.Parallel()

	store := jobstore.New()
	adapter := newFakeAdapter()
	disp := &captureDispatcher{}

	seedRecord(t, store, "job-1", "", job.StatusCreated)

	m := New(adapter, store, disp, Config{})
	m.reconcile(context.Background())

	rec, _ := store.Get("job-1")
	if rec.Status != job.StatusCreated {
		t.Errorf("status = %q, mid-submission record must be untouched", rec.Status)
	}
	if disp.count() != 0 {
		t.Errorf("notifications = %d, want 0", disp.count())
	}
}
