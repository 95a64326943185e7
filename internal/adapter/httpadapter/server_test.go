package httpadapter_test

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/couchcryptid/flight-weather-etl/internal/adapter/httpadapter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestServer(status *httpadapter.JobStatus) *httpadapter.Server {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "flightwx_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	return httpadapter.NewServer(":0", status, reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func get(t *testing.T, srv http.Handler, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthzReturns200(t *testing.T) {
	code, body := get(t, newTestServer(httpadapter.NewJobStatus("refresh", "r1")), "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzFollowsJobLifecycle(t *testing.T) {
	status := httpadapter.NewJobStatus("refresh", "r1")
	srv := newTestServer(status)

	code, body := get(t, srv, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "job not started", body["error"])

	status.Start(t0)
	code, _ = get(t, srv, "/readyz")
	assert.Equal(t, http.StatusOK, code)

	status.Finish(t0.Add(time.Minute), errors.New("store down"))
	code, body = get(t, srv, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "store down", body["error"])
}

func TestStatusEndpoint(t *testing.T) {
	status := httpadapter.NewJobStatus("correlate", "r2")
	status.Start(t0)
	srv := newTestServer(status)

	code, body := get(t, srv, "/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "correlate", body["job"])
	assert.Equal(t, "r2", body["run_id"])
	assert.Equal(t, true, body["running"])
	assert.Equal(t, "2025-06-01T10:00:00Z", body["started_at"])
	assert.NotContains(t, body, "finished_at")
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(httpadapter.NewJobStatus("refresh", "r1"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "flightwx_test_total 1")
}
