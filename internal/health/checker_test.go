package health

import (
	"context"
	"errors"
	"testing"
)

type stubBackend struct {
	err error
}

func (s *stubBackend) Ready(ctx context.Context) error { return s.err }

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_NoBackends(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_AllHealthy(t *testing.T) {
	t.Parallel()
	checker := NewChecker(map[string]ReadinessChecker{
		"kubernetes": &stubBackend{},
		"slurm":      &stubBackend{},
	})

	response := checker.Readiness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
	if len(response.Checks) != 2 {
		t.Errorf("Expected 2 checks, got %d", len(response.Checks))
	}
}

func TestChecker_Readiness_PartialFailure(t *testing.T) {
	t.Parallel()
	checker := NewChecker(map[string]ReadinessChecker{
		"kubernetes": &stubBackend{},
		"htcondor":   &stubBackend{err: errors.New("schedd unreachable")},
	})

	response := checker.Readiness(context.Background())

	if response.Status != StatusDegraded {
		t.Errorf("Expected degraded status, got %s", response.Status)
	}
	if !response.IsServing() {
		t.Error("Degraded response should still be serving")
	}

	condorCheck := response.Checks["htcondor"]
	if condorCheck.Status != StatusUnhealthy {
		t.Errorf("Expected htcondor check to be unhealthy, got %s", condorCheck.Status)
	}
	if condorCheck.Message != "schedd unreachable" {
		t.Errorf("Unexpected message: %q", condorCheck.Message)
	}
}

func TestChecker_Readiness_AllFailing(t *testing.T) {
	t.Parallel()
	checker := NewChecker(map[string]ReadinessChecker{
		"slurm": &stubBackend{err: errors.New("ssh: connect refused")},
	})

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
	if response.IsServing() {
		t.Error("Unhealthy response must not be serving")
	}
}

func TestChecker_Readiness_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(map[string]ReadinessChecker{
		"kubernetes": &stubBackend{},
	})
	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status while shutting down, got %s", response.Status)
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
