package api

import (
	"net/http"
	"realiser/internal/health"
	"realiser/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Source         SnapshotSource
	Metrics        *observability.Metrics
	MetricsHandler http.Handler // served at /metrics when set
	HealthChecker  *health.Checker
	APIKey         string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Source, cfg.Metrics, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Probes and metrics - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	// Status endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("GET /v1/stats", authMiddleware(http.HandlerFunc(handler.GetStats)))
	mux.Handle("GET /v1/goals", authMiddleware(http.HandlerFunc(handler.ListGoals)))
	mux.Handle("GET /v1/goals/{goalId}", authMiddleware(http.HandlerFunc(handler.GetGoal)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
