// job-controller is the HTTP sidecar managing workflow jobs on compute backends.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/khurtado/reana-job-controller/internal/api"
	"github.com/khurtado/reana-job-controller/internal/backend"
	"github.com/khurtado/reana-job-controller/internal/backend/docker"
	"github.com/khurtado/reana-job-controller/internal/backend/htcondor"
	"github.com/khurtado/reana-job-controller/internal/backend/kubernetes"
	"github.com/khurtado/reana-job-controller/internal/backend/shell"
	"github.com/khurtado/reana-job-controller/internal/backend/slurm"
	"github.com/khurtado/reana-job-controller/internal/config"
	"github.com/khurtado/reana-job-controller/internal/dispatcher"
	"github.com/khurtado/reana-job-controller/internal/health"
	"github.com/khurtado/reana-job-controller/internal/jobstore"
	"github.com/khurtado/reana-job-controller/internal/manager"
	"github.com/khurtado/reana-job-controller/internal/monitor"
	"github.com/khurtado/reana-job-controller/internal/observability"
	"github.com/khurtado/reana-job-controller/internal/secrets"
	"github.com/khurtado/reana-job-controller/internal/sidecar"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	svcCfg := config.LoadServiceConfig()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create status change dispatcher
	statusDispatcher := dispatcher.New(dispatcher.LoadConfigFromEnv(), metrics)

	injector := sidecar.NewInjector(sidecar.LoadConfigFromEnv())
	registry := backend.NewRegistry()
	secretStore, closeRunners, err := buildBackends(svcCfg, registry, injector)
	if err != nil {
		return err
	}
	defer closeRunners()

	if len(registry.Names()) == 0 {
		return fmt.Errorf("no backends enabled, set ENABLED_BACKENDS")
	}
	slog.Info("Backends initialized", "backends", registry.Names())

	mgr := manager.New(manager.Options{
		Registry:    registry,
		Store:       jobstore.New(),
		Provisioner: secrets.NewProvisioner(secretStore),
		Injector:    injector,
		Dispatcher:  statusDispatcher,
		Metrics:     metrics,
		MonitorCfg:  monitor.LoadConfigFromEnv(),
		Config:      manager.LoadConfigFromEnv(),
	})
	mgr.StartMonitors(ctx)

	// Create health checker over every registered adapter
	readiness := make(map[string]health.ReadinessChecker)
	for _, adapter := range registry.List() {
		readiness[string(adapter.Type())] = adapter
	}
	healthChecker := health.NewChecker(readiness)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Manager:       mgr,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop backend monitors
	slog.Info("Stopping backend monitors")
	mgr.StopMonitors()

	// Phase 4: Drain status change dispatcher
	slog.Info("Draining status dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := statusDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final dispatcher stats
	stats := statusDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// Jobs keep running on their schedulers; a restarted controller
	// reconciles and picks them back up from the backends.
	slog.Info("Shutdown complete")
	return nil
}

// buildBackends initializes every enabled backend adapter and returns the
// secret store to use (Kubernetes-backed when that adapter is enabled) and
// a cleanup for the SSH runners.
func buildBackends(svcCfg *config.ServiceConfig, registry *backend.Registry, injector *sidecar.Injector) (secrets.Store, func(), error) {
	var runners []shell.Runner
	closeRunners := func() {
		for _, r := range runners {
			if err := r.Close(); err != nil {
				slog.Warn("Runner close error", "error", err)
			}
		}
	}
	var secretStore secrets.Store = secrets.NewMemoryStore()

	if svcCfg.BackendEnabled("kubernetes") {
		cfg := kubernetes.LoadConfigFromEnv()
		clientset, err := kubernetes.NewClientset(cfg.KubeconfigPath)
		if err != nil {
			closeRunners()
			return nil, nil, fmt.Errorf("kubernetes backend: %w", err)
		}
		if err := registry.Register(kubernetes.New(clientset, cfg, injector)); err != nil {
			closeRunners()
			return nil, nil, err
		}
		secretStore = secrets.NewKubernetesStore(clientset, cfg.Namespace)
	}

	if svcCfg.BackendEnabled("htcondor") {
		runner, err := newRunner("HTCONDOR")
		if err != nil {
			closeRunners()
			return nil, nil, fmt.Errorf("htcondor backend: %w", err)
		}
		runners = append(runners, runner)
		if err := registry.Register(htcondor.New(runner, htcondor.LoadConfigFromEnv())); err != nil {
			closeRunners()
			return nil, nil, err
		}
	}

	if svcCfg.BackendEnabled("slurm") {
		runner, err := newRunner("SLURM")
		if err != nil {
			closeRunners()
			return nil, nil, fmt.Errorf("slurm backend: %w", err)
		}
		runners = append(runners, runner)
		if err := registry.Register(slurm.New(runner, slurm.LoadConfigFromEnv())); err != nil {
			closeRunners()
			return nil, nil, err
		}
	}

	if svcCfg.BackendEnabled("docker") {
		adapter, err := docker.New(docker.LoadConfigFromEnv())
		if err != nil {
			closeRunners()
			return nil, nil, fmt.Errorf("docker backend: %w", err)
		}
		if err := registry.Register(adapter); err != nil {
			closeRunners()
			return nil, nil, err
		}
	}

	return secretStore, closeRunners, nil
}

// newRunner builds the command runner for a batch backend. With
// <PREFIX>_SSH_HOST set commands go to the login node over SSH, otherwise
// they run locally (the controller is on a submit node).
func newRunner(prefix string) (shell.Runner, error) {
	sshCfg := shell.LoadSSHConfigFromEnv(prefix)
	if sshCfg.Host == "" {
		return shell.LocalRunner{}, nil
	}
	return shell.NewSSHRunner(sshCfg)
}
