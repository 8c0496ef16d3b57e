package api

import (
	"net/http"
	"time"

	"dirwatch/internal/metrics"
	"dirwatch/internal/version"
	"dirwatch/internal/watcher"
)

// RestHandler serves the plain HTTP endpoints: health and metrics.
type RestHandler struct {
	Watcher   *watcher.Watcher
	Metrics   *metrics.Registry
	StartedAt time.Time
}

type healthResponse struct {
	Status          string    `json:"status"`
	State           string    `json:"state"`
	Backend         string    `json:"backend"`
	Roots           int       `json:"roots"`
	PendingPaths    int       `json:"pending_paths"`
	Subscribers     int       `json:"subscribers"`
	RestartAttempts int       `json:"restart_attempts"`
	Version         string    `json:"version"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
	ServerTime      time.Time `json:"server_time"`
	Error           string    `json:"error,omitempty"`
}

// handleHealth reports 200 while the watcher can still deliver and 503
// once it has stopped, so load balancers rotate a dead instance out.
func (h *RestHandler) handleHealth(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}
	if h.Watcher == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "watcher unavailable"}
	}

	snapshot := h.Watcher.Status()
	response := healthResponse{
		Status:          "ok",
		State:           snapshot.State,
		Backend:         snapshot.Backend,
		Roots:           len(snapshot.Roots),
		PendingPaths:    snapshot.PendingPaths,
		Subscribers:     snapshot.Subscribers,
		RestartAttempts: snapshot.RestartAttempts,
		Version:         version.Version,
		ServerTime:      time.Now().UTC(),
	}
	if !h.StartedAt.IsZero() {
		response.UptimeSeconds = int64(time.Since(h.StartedAt).Seconds())
	}

	status := http.StatusOK
	if snapshot.State == watcher.StateStopped.String() {
		response.Status = "stopped"
		status = http.StatusServiceUnavailable
		if err := h.Watcher.Err(); err != nil {
			response.Error = err.Error()
		}
	}

	writeJSON(w, status, response)
	return nil
}

func (h *RestHandler) handleMetrics(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, http.MethodGet)
	}

	registry := h.Metrics
	if registry == nil {
		registry = metrics.Default
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = registry.WritePrometheus(w)
	return nil
}
