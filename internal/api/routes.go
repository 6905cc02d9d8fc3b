package api

import (
	"net/http"

	"github.com/khurtado/reana-job-controller/internal/health"
	"github.com/khurtado/reana-job-controller/internal/manager"
	"github.com/khurtado/reana-job-controller/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Manager       *manager.Manager
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Manager, cfg.Metrics, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/jobs", authMiddleware(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs", authMiddleware(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.DeleteJob)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
