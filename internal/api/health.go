package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/eleven-am/roomhub/hub"
)

const version = "0.1.0"

// Check probes one dependency. A nil error passes.
type Check func(ctx context.Context) error

// CheckResult represents the status of a health check.
type CheckResult struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Stats     hub.Stats              `json:"stats"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

type healthHandler struct {
	hub    *hub.Hub
	checks map[string]Check
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	results := make(map[string]CheckResult, len(h.checks))
	healthy := true

	for name, check := range h.checks {
		start := time.Now()
		if err := check(ctx); err != nil {
			results[name] = CheckResult{Status: "fail", Message: err.Error()}
			healthy = false
			continue
		}
		results[name] = CheckResult{Status: "pass", Latency: time.Since(start).String()}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, HealthResponse{
		Status:    status,
		Version:   version,
		Stats:     h.hub.Stats(),
		Checks:    results,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
