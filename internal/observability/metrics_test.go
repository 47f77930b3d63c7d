package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"realiser/internal/dispatcher"
	"realiser/internal/worker"
	"strings"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
)

var (
	_ worker.MetricsRecorder     = (*Metrics)(nil)
	_ dispatcher.MetricsRecorder = (*Metrics)(nil)
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}

	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetricsWithRegistry(prom.NewRegistry())
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/livez", 200, 0.001)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/goals", 200, 0.050)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/goals/12", 404, 0.005)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/stats", 401, 0.001)
}

func TestRecordGoalMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetricsWithRegistry(prom.NewRegistry())
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	metrics.RecordGoalCreated(ctx, "build")
	metrics.RecordGoalCreated(ctx, "resolve")
	metrics.RecordGoalFinished(ctx, "resolve", "", 0.2)
	metrics.RecordGoalFinished(ctx, "build", "timed-out", 30)
	metrics.RecordBuildSlots(ctx, "build", 3)
	metrics.RecordChildExited(ctx, true)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape returned %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		"goals_total{",
		"goal_failures_total{",
		`failure="timed-out"`,
		"build_slots_in_use{",
		`category="build"`,
		"builders_exited_total{",
		`timed_out="true"`,
		"goal_duration_seconds_bucket{",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("scrape output lacks %q", want)
		}
	}
}

func TestRecordNotificationMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetricsWithRegistry(prom.NewRegistry())
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	metrics.RecordNotificationDelivered(ctx, 0.02)
	metrics.RecordNotificationFailed(ctx)
	metrics.RecordNotificationDropped(ctx)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	text := rec.Body.String()
	for _, want := range []string{
		"notifications_total{",
		`outcome="delivered"`,
		`outcome="failed"`,
		`outcome="dropped"`,
		"notification_delivery_duration_seconds_bucket{",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("scrape output lacks %q", want)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/livez", "/livez"},
		{"/metrics", "/metrics"},
		{"/v1/goals", "/v1/goals"},
		{"/v1/goals/", "/v1/goals/"},
		{"/v1/goals/17", "/v1/goals/{id}"},
		{"/other/path", "/other/path"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
