package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil, nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	ok := ReadyFunc(func(context.Context) error { return nil })
	down := ReadyFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name    string
		store   ReadinessChecker
		backend ReadinessChecker
		want    Status
		failing string
	}{
		{"all healthy", ok, ok, StatusHealthy, ""},
		{"store down", down, ok, StatusUnhealthy, CheckStore},
		{"backend down", ok, down, StatusUnhealthy, CheckBackend},
		{"backend missing", ok, nil, StatusUnhealthy, CheckBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := NewChecker(tt.store, tt.backend).Readiness(context.Background())

			if response.Status != tt.want {
				t.Errorf("Status = %s, want %s", response.Status, tt.want)
			}
			if len(response.Checks) != 2 {
				t.Fatalf("Checks = %v", response.Checks)
			}
			if tt.failing != "" && response.Checks[tt.failing].Status != StatusUnhealthy {
				t.Errorf("%s check = %+v", tt.failing, response.Checks[tt.failing])
			}
		})
	}
}

func TestChecker_ReadinessCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	counting := ReadyFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	})
	checker := NewChecker(counting, counting)

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())

	if calls.Load() != 2 {
		t.Errorf("dependency checks = %d, want 2 (second readiness served from cache)", calls.Load())
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	t.Parallel()
	ok := ReadyFunc(func(context.Context) error { return nil })
	checker := NewChecker(ok, ok)

	if !checker.Readiness(context.Background()).IsHealthy() {
		t.Fatal("Expected healthy before shutdown")
	}
	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())
	if response.IsHealthy() {
		t.Error("Expected unhealthy after SetShuttingDown")
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("Expected shutdown check")
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
