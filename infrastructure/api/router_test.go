package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chat-gateway/observability"
	"chat-gateway/runtime"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct{}

func (fakeGateway) Connections() int { return 3 }

func (fakeGateway) Channels(context.Context) []runtime.ChannelStatus {
	return []runtime.ChannelStatus{{ID: "general", Name: "General", Members: 2, Online: 1}}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func newTestHandler(store Pinger, degraded bool) *Handler {
	return NewHandler(Deps{
		Log:      logs.GetLoggerFromLevel(slog.LevelDebug),
		Metrics:  observability.NewMetrics(),
		Monitor:  observability.NewMonitoringManager(),
		Gateway:  fakeGateway{},
		Store:    store,
		Degraded: func() bool { return degraded },
		Version:  "test",
	})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	t.Run("should be healthy when the store answers", func(t *testing.T) {
		req := require.New(t)
		router := newTestHandler(pinger{}, false).Router()

		rec := get(t, router, "/health")

		req.Equal(http.StatusOK, rec.Code)
		var body HealthResponse
		req.NoError(json.Unmarshal(rec.Body.Bytes(), &body))
		req.Equal("healthy", body.Status)
		req.Equal(3, body.Connections)
		req.Equal("pass", body.Checks["store"].Status)
		req.Equal("skip", body.Checks["redis"].Status)
	})

	t.Run("should be degraded in fallback mode", func(t *testing.T) {
		req := require.New(t)
		router := newTestHandler(pinger{}, true).Router()

		rec := get(t, router, "/health")

		req.Equal(http.StatusServiceUnavailable, rec.Code)
		req.Contains(rec.Body.String(), `"degraded"`)
	})

	t.Run("should be degraded when the store is down", func(t *testing.T) {
		req := require.New(t)
		router := newTestHandler(pinger{err: stderrors.New("closed")}, false).Router()

		rec := get(t, router, "/health")

		req.Equal(http.StatusServiceUnavailable, rec.Code)
	})
}

func TestProbes_Channels_And_Metrics(t *testing.T) {
	req := require.New(t)
	h := newTestHandler(pinger{}, false)
	router := h.Router()

	req.Equal(http.StatusOK, get(t, router, "/live").Code)
	req.Equal(http.StatusServiceUnavailable, get(t, router, "/ready").Code)
	h.MarkReady()
	req.Equal(http.StatusOK, get(t, router, "/ready").Code)

	rec := get(t, router, "/channels")
	req.Equal(http.StatusOK, rec.Code)
	req.JSONEq(`{"channels":[{"id":"general","name":"General","description":"","members":2,"online":1}]}`, rec.Body.String())

	metrics := get(t, router, "/metrics")
	req.Equal(http.StatusOK, metrics.Code)
	req.True(strings.Contains(metrics.Body.String(), "chat_http_requests_total"))
}
