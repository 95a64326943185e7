package openweather

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/flight-weather-etl/internal/domain"
	"github.com/couchcryptid/flight-weather-etl/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAPIKey  = "super-secret-key"
	currentBody = `{"coord":{"lon":-104.99,"lat":39.74},"weather":[{"id":800,"main":"Clear"}],"main":{"temp":295.4},"dt":1717236000}`
)

func testClient(baseURL string, maxRetries int) (*Client, *bytes.Buffer) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := NewClient(Config{
		APIKey:          testAPIKey,
		BaseURL:         baseURL,
		Timeout:         5 * time.Second,
		MaxRetries:      maxRetries,
		Backoff:         time.Millisecond,
		MaxRetryWait:    20 * time.Millisecond,
		BreakerFailures: 100,
	}, nil, logger, observability.NewMetricsForTesting())
	return c, &logs
}

func TestClient_Current_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "39.739200", q.Get("lat"))
		assert.Equal(t, "-104.990300", q.Get("lon"))
		assert.Equal(t, testAPIKey, q.Get("appid"))
		assert.Equal(t, "metric", q.Get("units"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, currentBody)
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL, 3)
	body, err := c.Current(context.Background(), 39.7392, -104.9903, "metric")
	require.NoError(t, err)
	assert.JSONEq(t, currentBody, string(body))
}

func TestClient_Current_DefaultUnits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "standard", r.URL.Query().Get("units"))
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL, 0)
	_, err := c.Current(context.Background(), 1, 2, "")
	require.NoError(t, err)
}

func TestClient_Current_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, currentBody)
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL, 3)
	_, err := c.Current(context.Background(), 1, 2, "")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(c.metrics.ProviderRetries))
}

func TestClient_Current_RetryAfterIsCapped(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "3600")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, currentBody)
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL, 3)
	start := time.Now()
	_, err := c.Current(context.Background(), 1, 2, "")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_Current_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL, 2)
	_, err := c.Current(context.Background(), 1, 2, "")
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrUnauthorized))
	assert.False(t, errors.Is(err, domain.ErrProviderUnavailable))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_Current_UnauthorizedIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"cod":401,"message":"Invalid API key."}`)
	}))
	defer srv.Close()

	c, logs := testClient(srv.URL, 3)
	_, err := c.Current(context.Background(), 1, 2, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, err.Error(), "appid=<redacted>")
	assert.NotContains(t, err.Error(), testAPIKey)
	assert.NotContains(t, logs.String(), testAPIKey)
}

func TestClient_Current_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL, 3)
	_, err := c.Current(context.Background(), 1, 2, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnexpected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Current_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `<html>`)
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL, 3)
	_, err := c.Current(context.Background(), 1, 2, "")
	assert.Error(t, err)
}

func TestClient_Current_NetworkErrorRedacted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, logs := testClient(url, 1)
	_, err := c.Current(context.Background(), 1, 2, "")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testAPIKey)
	assert.NotContains(t, logs.String(), testAPIKey)
}

func TestClient_Current_BreakerOpen(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(Config{
		APIKey:          testAPIKey,
		BaseURL:         srv.URL,
		MaxRetries:      0,
		Backoff:         time.Millisecond,
		MaxRetryWait:    time.Millisecond,
		BreakerFailures: 2,
	}, nil, logger, observability.NewMetricsForTesting())

	for i := 0; i < 2; i++ {
		_, err := c.Current(context.Background(), 1, 2, "")
		require.Error(t, err)
		assert.False(t, errors.Is(err, domain.ErrProviderUnavailable))
	}

	_, err := c.Current(context.Background(), 1, 2, "")
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_Current_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c, _ := testClient(srv.URL, 3)
	_, err := c.Current(ctx, 1, 2, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
}

func TestRedact(t *testing.T) {
	in := "https://api.example/weather?appid=abc123&lat=1&lon=2"
	assert.Equal(t, "https://api.example/weather?appid=<redacted>&lat=1&lon=2", redact(in))
	assert.Equal(t, "no key here", redact("no key here"))
}
