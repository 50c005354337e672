package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the gateway's counters on one registry so tests can build
// isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	EventsReceived      *prometheus.CounterVec
	RateLimitHits       prometheus.Counter
	ModerationActions   *prometheus.CounterVec
	PersistenceFailures prometheus.Counter
	PersistenceDropped  prometheus.Counter
	BroadcastDropped    prometheus.Counter
	AuthFailures        prometheus.Counter
	WorkerRestarts      *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Open WebSocket connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Accepted WebSocket connections",
		}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_connections_rejected_total",
			Help: "Refused WebSocket connections",
		}, []string{"reason"}),
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_events_received_total",
			Help: "Inbound frames by type",
		}, []string{"type"}),
		RateLimitHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_rate_limit_hits_total",
			Help: "Inbound events rejected by the rate limiter",
		}),
		ModerationActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_moderation_actions_total",
			Help: "Moderation verdicts other than ALLOW",
		}, []string{"action"}),
		PersistenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_persistence_failures_total",
			Help: "Persistence jobs that returned an error",
		}),
		PersistenceDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_persistence_dropped_total",
			Help: "Persistence jobs dropped on a full queue",
		}),
		BroadcastDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_broadcast_dropped_total",
			Help: "Frames not delivered to a closed or full socket",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_auth_failures_total",
			Help: "Rejected authentication attempts",
		}),
		WorkerRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_worker_restarts_total",
			Help: "Supervised worker restarts",
		}, []string{"worker"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "path"}),
	}
}
