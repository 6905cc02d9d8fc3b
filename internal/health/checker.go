// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ReadinessChecker is the interface for readiness checks.
// Implemented by backend adapters to verify they can reach their scheduler.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker performs health checks against the configured backends.
type Checker struct {
	backends map[string]ReadinessChecker
	timeout  time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a health checker over the named backends.
func NewChecker(backends map[string]ReadinessChecker) *Checker {
	return &Checker{
		backends: backends,
		timeout:  5 * time.Second,
	}
}

// Liveness returns true if the service is alive.
// This should be a lightweight check that doesn't depend on external services.
// Failing this probe should trigger a container restart.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks if the service is ready to accept traffic.
// This probes every enabled backend scheduler. Failing this probe should
// remove the instance from load balancer rotation.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	// Return unhealthy immediately if shutting down
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	// Use cached result if recent (avoid hammering the schedulers)
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	checks := make(map[string]CheckResult)
	healthy, unhealthy := 0, 0

	for _, name := range c.backendNames() {
		result := c.checkBackend(ctx, c.backends[name])
		checks[name] = result
		if result.Status == StatusHealthy {
			healthy++
		} else {
			unhealthy++
		}
	}

	overallStatus := StatusHealthy
	switch {
	case healthy == 0:
		overallStatus = StatusUnhealthy
	case unhealthy > 0:
		// Some backends are reachable, keep taking traffic for them.
		overallStatus = StatusDegraded
	}

	response := &Response{
		Status: overallStatus,
		Checks: checks,
	}

	// Cache the result
	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) backendNames() []string {
	names := make([]string, 0, len(c.backends))
	for name := range c.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// checkBackend verifies a single backend is ready to accept work.
func (c *Checker) checkBackend(ctx context.Context, backend ReadinessChecker) CheckResult {
	if backend == nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "backend not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := backend.Ready(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}

	return CheckResult{
		Status: StatusHealthy,
	}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Degraded readiness still serves traffic, so readiness probes accept it.
func (r *Response) IsServing() bool {
	return r.Status == StatusHealthy || r.Status == StatusDegraded
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil // Clear cache to ensure immediate effect
}
