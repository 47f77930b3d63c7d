package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

type countingChecker struct {
	calls atomic.Int64
	err   error
}

func (c *countingChecker) Ready(ctx context.Context) error {
	c.calls.Add(1)
	return c.err
}

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_NoRunner(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}

	runnerCheck, ok := response.Checks["runner"]
	if !ok {
		t.Fatal("Expected runner check to be present")
	}

	if runnerCheck.Status != StatusUnhealthy {
		t.Errorf("Expected runner check to be unhealthy, got %s", runnerCheck.Status)
	}
}

func TestChecker_Readiness_Components(t *testing.T) {
	t.Parallel()
	runner := &countingChecker{}
	checker := NewChecker(runner)
	checker.Register("state", ReadinessFunc(func(ctx context.Context) error {
		return errors.New("state directory is read-only")
	}))

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
	if response.Checks["runner"].Status != StatusHealthy {
		t.Errorf("Expected runner check to be healthy, got %s", response.Checks["runner"].Status)
	}
	if got := response.Checks["state"].Message; got != "state directory is read-only" {
		t.Errorf("Unexpected state message %q", got)
	}
}

func TestChecker_Readiness_Cached(t *testing.T) {
	t.Parallel()
	runner := &countingChecker{}
	checker := NewChecker(runner)

	for range 3 {
		if !checker.Readiness(context.Background()).IsHealthy() {
			t.Fatal("Expected healthy status")
		}
	}

	if n := runner.calls.Load(); n != 1 {
		t.Errorf("Expected one readiness call within the cache window, got %d", n)
	}
}

func TestChecker_SetShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(&countingChecker{})
	checker.Readiness(context.Background())

	checker.SetShuttingDown()
	response := checker.Readiness(context.Background())

	if response.IsHealthy() {
		t.Error("Expected unhealthy status after shutdown")
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("Expected shutdown check to be present")
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
