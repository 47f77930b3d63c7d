// Package api provides the read-only HTTP status API of a running realisation.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"realiser/internal/apperrors"
	"realiser/internal/goal"
	"realiser/internal/health"
	"realiser/internal/observability"
	"realiser/internal/worker"
	"strconv"
	"time"
)

// SnapshotSource provides worker snapshots. *worker.Worker implements it.
type SnapshotSource interface {
	Snapshot() *worker.Snapshot
}

// Handler contains HTTP handlers for the status API
type Handler struct {
	source  SnapshotSource
	metrics *observability.Metrics
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(source SnapshotSource, metrics *observability.Metrics, healthChecker *health.Checker) *Handler {
	return &Handler{
		source:  source,
		metrics: metrics,
		health:  healthChecker,
	}
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Time              time.Time      `json:"time"`
	GoalsCreated      int64          `json:"goalsCreated"`
	GoalsSucceeded    int64          `json:"goalsSucceeded"`
	GoalsFailed       int64          `json:"goalsFailed"`
	GoalsLive         int            `json:"goalsLive"`
	PermanentFailures int64          `json:"permanentFailures"`
	TimedOut          int64          `json:"timedOut"`
	HashMismatches    int64          `json:"hashMismatches"`
	CheckMismatches   int64          `json:"checkMismatches"`
	ChildrenRunning   int            `json:"childrenRunning"`
	SlotsInUse        map[string]int `json:"slotsInUse"`
	ExitStatus        int            `json:"exitStatus"`
}

// GoalResponse describes one goal.
type GoalResponse struct {
	ID       goal.ID    `json:"id"`
	Kind     string     `json:"kind"`
	Target   string     `json:"target"`
	Name     string     `json:"name,omitempty"`
	State    string     `json:"state"`
	Failure  string     `json:"failure,omitempty"`
	Error    string     `json:"error,omitempty"`
	Refs     int        `json:"refs"`
	Waiting  int        `json:"waiting"`
	Started  *time.Time `json:"started,omitempty"`
	Finished *time.Time `json:"finished,omitempty"`
}

// GoalListResponse is the body of GET /v1/goals.
type GoalListResponse struct {
	Goals []GoalResponse `json:"goals"`
	Total int            `json:"total"`
}

// GetStats handles GET /v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	snap := h.source.Snapshot()
	s := snap.Stats
	slots := make(map[string]int, len(s.SlotsInUse))
	for c, n := range s.SlotsInUse {
		slots[c.String()] = n
	}
	h.writeJSON(w, http.StatusOK, StatsResponse{
		Time:              snap.Time,
		GoalsCreated:      s.GoalsCreated,
		GoalsSucceeded:    s.GoalsSucceeded,
		GoalsFailed:       s.GoalsFailed,
		GoalsLive:         s.GoalsLive,
		PermanentFailures: s.PermanentFailures,
		TimedOut:          s.TimedOut,
		HashMismatches:    s.HashMismatches,
		CheckMismatches:   s.CheckMismatches,
		ChildrenRunning:   s.ChildrenRunning,
		SlotsInUse:        slots,
		ExitStatus:        s.ExitStatus(),
	})
}

// ListGoals handles GET /v1/goals
// Query params: kind, state, failed (true|false)
func (h *Handler) ListGoals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, state := q.Get("kind"), q.Get("state")
	var failed *bool
	if v := q.Get("failed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.handleError(w, r, apperrors.Validation("failed", fmt.Sprintf("%q is not a boolean", v)))
			return
		}
		failed = &b
	}

	resp := GoalListResponse{Goals: []GoalResponse{}}
	for _, g := range h.source.Snapshot().Goals {
		if kind != "" && string(g.Key.Kind) != kind {
			continue
		}
		if state != "" && g.State.String() != state {
			continue
		}
		if failed != nil && (g.Error != "") != *failed {
			continue
		}
		resp.Goals = append(resp.Goals, toGoalResponse(g))
	}
	resp.Total = len(resp.Goals)
	h.writeJSON(w, http.StatusOK, resp)
}

// GetGoal handles GET /v1/goals/{goalId}
func (h *Handler) GetGoal(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("goalId")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "Goal ID is required")
		return
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		h.handleError(w, r, apperrors.Validation("goalId", fmt.Sprintf("%q is not a goal id", raw)))
		return
	}

	for _, g := range h.source.Snapshot().Goals {
		if g.ID == goal.ID(id) {
			h.writeJSON(w, http.StatusOK, toGoalResponse(g))
			return
		}
	}
	h.handleError(w, r, apperrors.NotFound("goal", raw))
}

func toGoalResponse(g worker.GoalInfo) GoalResponse {
	resp := GoalResponse{
		ID:      g.ID,
		Kind:    string(g.Key.Kind),
		Target:  g.Key.Target,
		Name:    g.Name,
		State:   g.State.String(),
		Error:   g.Error,
		Refs:    g.Refs,
		Waiting: g.Waiting,
	}
	if g.Error != "" {
		resp.Failure = g.Failure.String()
	}
	if !g.Started.IsZero() {
		resp.Started = &g.Started
	}
	if !g.Finished.IsZero() {
		resp.Finished = &g.Finished
	}
	return resp
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the builder runner is unavailable or the run is finishing.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
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

// handleError maps errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
