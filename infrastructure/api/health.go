package api

import (
	"context"
	"net/http"
	"time"

	"chat-gateway/observability"
)

// Check is the outcome of probing one backend.
type Check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status      string                     `json:"status"`
	Version     string                     `json:"version"`
	Uptime      string                     `json:"uptime"`
	Connections int                        `json:"connections"`
	Checks      map[string]Check           `json:"checks"`
	Process     observability.ProcessStats `json:"process"`
	Timestamp   string                     `json:"timestamp"`
}

func probe(ctx context.Context, p Pinger) Check {
	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		return Check{Status: "fail", Message: err.Error()}
	}
	return Check{Status: "pass", Latency: time.Since(start).String()}
}

// Health reports 503 when the store is unreachable or serving from memory.
// A missing Redis is not a failure since the session mirror is optional.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	healthy := true
	checks := make(map[string]Check)

	store := probe(ctx, h.Store)
	if h.Degraded != nil && h.Degraded() {
		store = Check{Status: "fail", Message: "serving from in-memory fallback"}
	}
	if store.Status != "pass" {
		healthy = false
	}
	checks["store"] = store

	if h.Sessions != nil {
		sessions := probe(ctx, h.Sessions)
		if sessions.Status != "pass" {
			healthy = false
		}
		checks["redis"] = sessions
	} else {
		checks["redis"] = Check{Status: "skip", Message: "not configured"}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	resp := HealthResponse{
		Status:      status,
		Version:     h.Version,
		Uptime:      time.Since(h.startedAt).Round(time.Second).String(),
		Connections: h.Gateway.Connections(),
		Checks:      checks,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if h.Monitor != nil {
		resp.Process = h.Monitor.GetLatest()
	}
	writeJSON(w, code, resp)
}
