//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/khurtado/reana-job-controller/internal/api"
	"github.com/khurtado/reana-job-controller/internal/backend"
	"github.com/khurtado/reana-job-controller/internal/dispatcher"
	"github.com/khurtado/reana-job-controller/internal/health"
	"github.com/khurtado/reana-job-controller/internal/job"
	"github.com/khurtado/reana-job-controller/internal/jobstore"
	"github.com/khurtado/reana-job-controller/internal/manager"
	"github.com/khurtado/reana-job-controller/internal/monitor"
	"github.com/khurtado/reana-job-controller/internal/notify"
	"github.com/khurtado/reana-job-controller/internal/secrets"
	"github.com/khurtado/reana-job-controller/internal/sidecar"
	"github.com/khurtado/reana-job-controller/internal/testutil"
)

// scriptedAdapter walks each job through submitted -> running -> succeeded,
// one step per status poll.
type scriptedAdapter struct {
	mu    sync.Mutex
	polls map[string]int
}

var _ backend.Adapter = (*scriptedAdapter)(nil)

func (a *scriptedAdapter) Type() job.BackendType { return job.BackendSlurm }

func (a *scriptedAdapter) Submit(ctx context.Context, prepared *backend.PreparedJob) (string, error) {
	return "native-" + prepared.ID, nil
}

func (a *scriptedAdapter) Status(ctx context.Context, handle string) (job.Status, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.polls == nil {
		a.polls = make(map[string]int)
	}
	a.polls[handle]++
	switch a.polls[handle] {
	case 1:
		return job.StatusRunning, "", nil
	default:
		return job.StatusSucceeded, "", nil
	}
}

func (a *scriptedAdapter) Delete(ctx context.Context, handle string) error { return nil }
func (a *scriptedAdapter) SupportsWatch() bool                             { return false }
func (a *scriptedAdapter) Watch(ctx context.Context) (<-chan backend.StatusEvent, error) {
	return nil, backend.ErrWatchUnsupported
}
func (a *scriptedAdapter) Ready(ctx context.Context) error       { return nil }
func (a *scriptedAdapter) PollInterval() time.Duration           { return 25 * time.Millisecond }

// startStack wires the full service in-process against the scripted backend
// and an HTTP callback sink. Returns the API base URL and the callback state.
func startStack(t *testing.T) (string, *callbackSink) {
	t.Helper()

	sink := &callbackSink{}
	callbackServer := httptest.NewServer(sink)
	t.Cleanup(callbackServer.Close)

	adapter := &scriptedAdapter{}
	registry := backend.NewRegistry()
	if err := registry.Register(adapter); err != nil {
		t.Fatalf("Register: %v", err)
	}

	disp := dispatcher.New(dispatcher.Config{
		CallbackURL: callbackServer.URL,
		SigningKey:  "e2e-signing-key",
		BufferSize:  128,
		Workers:     2,
		HTTPTimeout: 2 * time.Second,
	}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		disp.Close(ctx)
	})

	mgr := manager.New(manager.Options{
		Registry:    registry,
		Store:       jobstore.New(),
		Provisioner: secrets.NewProvisioner(secrets.NewMemoryStore()),
		Injector:    sidecar.NewInjector(sidecar.Config{}),
		Dispatcher:  disp,
		MonitorCfg: monitor.Config{
			PollInterval:  25 * time.Millisecond,
			SweepInterval: time.Hour,
			Retention:     time.Hour,
		},
		Config: manager.Config{SubmitTimeout: 2 * time.Second},
	})

	ctx, cancel := context.WithCancel(context.Background())
	mgr.StartMonitors(ctx)
	t.Cleanup(func() {
		mgr.StopMonitors()
		cancel()
	})

	readiness := map[string]health.ReadinessChecker{"slurm": adapter}
	apiServer := httptest.NewServer(api.NewRouter(api.RouterConfig{
		Manager:       mgr,
		HealthChecker: health.NewChecker(readiness),
	}))
	t.Cleanup(apiServer.Close)

	return apiServer.URL, sink
}

// callbackSink records delivered status change notifications.
type callbackSink struct {
	mu         sync.Mutex
	changes    []notify.StatusChange
	signatures []string
	count      atomic.Int64
}

func (s *callbackSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var sc notify.StatusChange
	if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.changes = append(s.changes, sc)
	s.signatures = append(s.signatures, r.Header.Get("X-Signature-256"))
	s.mu.Unlock()
	s.count.Add(1)
	w.WriteHeader(http.StatusOK)
}

func (s *callbackSink) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.changes))
	for i, sc := range s.changes {
		out[i] = string(sc.NewStatus)
	}
	return out
}

func submitJob(t *testing.T, baseURL string) string {
	t.Helper()

	body := bytes.NewBufferString(`{
		"backendType": "slurm",
		"image": "docker://busybox:1.36",
		"command": "sh",
		"args": ["-c", "true"],
		"resources": {"cpu": "1", "memory": "256Mi"},
		"workspaceId": "ws-e2e",
		"workspaceMountRef": "/var/reana/ws-e2e"
	}`)
	resp, err := http.Post(baseURL+"/v1/jobs", "application/json", body)
	if err != nil {
		t.Fatalf("POST /v1/jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var created struct {
		JobID string `json:"jobId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return created.JobID
}

func getStatus(t *testing.T, baseURL, jobID string) string {
	t.Helper()

	resp, err := http.Get(baseURL + "/v1/jobs/" + jobID)
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	defer resp.Body.Close()
	var status struct {
		Status string `json:"status"`
	}
	json.NewDecoder(resp.Body).Decode(&status)
	return status.Status
}

func TestJobLifecycle(t *testing.T) {
	baseURL, sink := startStack(t)

	jobID := submitJob(t, baseURL)

	// submitted -> running -> succeeded, one notification each
	testutil.MustWaitForCount(t, &sink.count, 3, testutil.WithTimeout(5*time.Second))

	got := sink.statuses()
	want := []string{"submitted", "running", "succeeded"}
	for i, status := range want {
		if got[i] != status {
			t.Fatalf("notification %d = %q, want %q (all: %v)", i, got[i], status, got)
		}
	}

	sink.mu.Lock()
	for i, sig := range sink.signatures {
		if len(sig) < len("sha256=")+64 {
			t.Errorf("notification %d has no HMAC signature: %q", i, sig)
		}
	}
	sink.mu.Unlock()

	if status := getStatus(t, baseURL, jobID); status != "succeeded" {
		t.Errorf("final status = %q, want succeeded", status)
	}
}

func TestDeleteRunningJob(t *testing.T) {
	baseURL, sink := startStack(t)

	jobID := submitJob(t, baseURL)

	// Wait until the monitor has seen it running.
	testutil.MustWaitFor(t, func() bool {
		return getStatus(t, baseURL, jobID) == "running"
	}, testutil.WithTimeout(5*time.Second))

	req, _ := http.NewRequest(http.MethodDelete, baseURL+"/v1/jobs/"+jobID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	var ack struct {
		Acknowledged bool `json:"acknowledged"`
	}
	json.NewDecoder(resp.Body).Decode(&ack)
	if !ack.Acknowledged {
		t.Error("delete not acknowledged")
	}

	if status := getStatus(t, baseURL, jobID); status != "deleted" {
		t.Errorf("status after delete = %q, want deleted", status)
	}

	// submitted + running + deleted notifications
	testutil.MustWaitForCount(t, &sink.count, 3, testutil.WithTimeout(5*time.Second))
}

func TestReadyz(t *testing.T) {
	baseURL, _ := startStack(t)

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz status = %d", resp.StatusCode)
	}
}
