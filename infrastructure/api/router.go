// Package api exposes the gateway over HTTP: the WebSocket upgrade, health
// probes, metrics and the channel listing.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"chat-gateway/observability"
	"chat-gateway/runtime"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gateway is the read side the HTTP surface needs.
type Gateway interface {
	Connections() int
	Channels(ctx context.Context) []runtime.ChannelStatus
}

// Pinger is any backend the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Log            *slog.Logger
	Metrics        *observability.Metrics
	Monitor        *observability.MonitoringManager
	Gateway        Gateway
	WebSocket      http.Handler
	Store          Pinger
	Degraded       func() bool
	Sessions       Pinger
	AllowedOrigins []string
	Version        string
}

type Handler struct {
	Deps
	startedAt time.Time
	ready     atomic.Bool
}

func NewHandler(deps Deps) *Handler {
	return &Handler{Deps: deps, startedAt: time.Now()}
}

// MarkReady flips /ready to 200. Called once every worker is running.
func (h *Handler) MarkReady() {
	h.ready.Store(true)
}

func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(accessLog(h.Log, h.Metrics))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.origins(),
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/live", h.Live)
	r.Get("/ready", h.Ready)
	r.Get("/health", h.Health)
	r.Get("/channels", h.Channels)
	r.Handle("/metrics", promhttp.HandlerFor(h.Metrics.Registry, promhttp.HandlerOpts{}))
	if h.WebSocket != nil {
		r.Handle("/ws", h.WebSocket)
	}
	return r
}

func (h *Handler) origins() []string {
	if len(h.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return h.AllowedOrigins
}

func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *Handler) Ready(w http.ResponseWriter, _ *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) Channels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"channels": h.Gateway.Channels(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
