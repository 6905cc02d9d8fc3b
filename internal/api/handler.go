// Package api provides the HTTP API handlers and routing for the job controller.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/khurtado/reana-job-controller/internal/apperrors"
	"github.com/khurtado/reana-job-controller/internal/health"
	"github.com/khurtado/reana-job-controller/internal/job"
	"github.com/khurtado/reana-job-controller/internal/manager"
	"github.com/khurtado/reana-job-controller/internal/observability"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	mgr     *manager.Manager
	metrics *observability.Metrics
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(mgr *manager.Manager, metrics *observability.Metrics, healthChecker *health.Checker) *Handler {
	return &Handler{
		mgr:     mgr,
		metrics: metrics,
		health:  healthChecker,
	}
}

// createJobRequest is the submission payload.
type createJobRequest struct {
	BackendType       string            `json:"backendType"`
	Image             string            `json:"image"`
	Command           string            `json:"command"`
	Args              []string          `json:"args,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	Resources         resourcesRequest  `json:"resources"`
	WorkspaceID       string            `json:"workspaceId"`
	WorkspaceMountRef string            `json:"workspaceMountRef,omitempty"`
	SecretRefs        []string          `json:"secretRefs,omitempty"`
	KerberosRequired  bool              `json:"kerberosRequired,omitempty"`
}

type resourcesRequest struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
	GPU    int    `json:"gpu,omitempty"`
}

func (r *createJobRequest) toSpec() job.Spec {
	return job.Spec{
		Backend: job.BackendType(r.BackendType),
		Image:   r.Image,
		Command: r.Command,
		Args:    r.Args,
		Env:     r.Env,
		Resources: job.Resources{
			CPU:    r.Resources.CPU,
			Memory: r.Resources.Memory,
			GPU:    r.Resources.GPU,
		},
		WorkspaceID:       r.WorkspaceID,
		WorkspaceMountRef: r.WorkspaceMountRef,
		SecretRefs:        r.SecretRefs,
		Kerberos:          r.KerberosRequired,
	}
}

// createJobResponse acknowledges an accepted submission.
type createJobResponse struct {
	JobID string `json:"jobId"`
}

// jobStatusResponse is the tracked view of a job.
type jobStatusResponse struct {
	JobID         string    `json:"jobId"`
	BackendType   string    `json:"backendType"`
	Status        string    `json:"status"`
	BackendHandle string    `json:"backendHandle,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func toStatusResponse(rec job.Record) jobStatusResponse {
	return jobStatusResponse{
		JobID:         rec.ID,
		BackendType:   string(rec.Backend),
		Status:        string(rec.Status),
		BackendHandle: rec.Handle,
		FailureReason: rec.FailureReason,
		CreatedAt:     rec.CreatedAt,
	}
}

// deleteJobResponse acknowledges a deletion.
type deleteJobResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	rec, err := h.mgr.Submit(r.Context(), req.toSpec())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, createJobResponse{JobID: rec.ID})
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	records := h.mgr.List(r.Context())

	jobs := make([]jobStatusResponse, 0, len(records))
	for _, rec := range records {
		jobs = append(jobs, toStatusResponse(rec))
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	rec, err := h.mgr.Status(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toStatusResponse(rec))
}

// DeleteJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.mgr.Delete(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, deleteJobResponse{Acknowledged: true})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 while at least one backend scheduler is reachable.
// Returns 503 when none are, or during shutdown.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsServing() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the manager with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
