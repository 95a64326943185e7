package openweather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/couchcryptid/flight-weather-etl/internal/domain"
	"github.com/couchcryptid/flight-weather-etl/internal/observability"
	sharedretry "github.com/couchcryptid/storm-data-shared/retry"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
)

// DefaultBaseURL is the Current Weather Data endpoint.
const DefaultBaseURL = "https://api.openweathermap.org/data/2.5/weather"

// maxErrorBody bounds how much of an error response is kept for logs.
const maxErrorBody = 200

var (
	errRetryable  = errors.New("retryable provider response")
	errUnexpected = errors.New("unexpected status code")
	appIDPattern  = regexp.MustCompile(`(appid=)[^&\s"]+`)
)

// Config holds client settings.
type Config struct {
	APIKey          string
	BaseURL         string
	Timeout         time.Duration
	MaxRetries      int
	Backoff         time.Duration
	MaxRetryWait    time.Duration
	BreakerFailures int
}

// Client fetches current conditions from OpenWeather. Transient failures
// (429, 5xx, network) are retried with backoff, honoring Retry-After. A 401
// is returned immediately as domain.ErrUnauthorized.
type Client struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	breaker      *gobreaker.CircuitBreaker
	maxRetries   int
	backoff      time.Duration
	maxRetryWait time.Duration
	clock        clockwork.Clock
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// NewClient creates an OpenWeather client. A nil clock uses the real clock.
func NewClient(cfg Config, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Client {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.MaxRetryWait <= 0 {
		cfg.MaxRetryWait = 60 * time.Second
	}
	failures := uint32(5)
	if cfg.BreakerFailures > 0 {
		failures = uint32(cfg.BreakerFailures)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openweather",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only transient outages count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, errRetryable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      cfg.BaseURL,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		breaker:      breaker,
		maxRetries:   cfg.MaxRetries,
		backoff:      cfg.Backoff,
		maxRetryWait: cfg.MaxRetryWait,
		clock:        clock,
		logger:       logger,
		metrics:      metrics,
	}
}

// Current returns the verbatim current-conditions payload for a coordinate.
//
// Errors:
//   - domain.ErrUnauthorized: the API key was rejected. Do not call again this run.
//   - domain.ErrProviderUnavailable: the breaker is open and no request was sent.
//   - anything else: transient retries ran out or the response was unusable.
func (c *Client) Current(ctx context.Context, lat, lon float64, units string) (domain.Payload, error) {
	if units == "" {
		units = "standard"
	}
	params := url.Values{
		"lat":   {strconv.FormatFloat(lat, 'f', 6, 64)},
		"lon":   {strconv.FormatFloat(lon, 'f', 6, 64)},
		"appid": {c.apiKey},
		"units": {units},
	}
	fullURL := c.baseURL + "?" + params.Encode()

	start := c.clock.Now()
	defer func() { c.metrics.ProviderDuration.Observe(c.clock.Since(start).Seconds()) }()

	delay := c.backoff
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var retryAfter time.Duration
		result, err := c.breaker.Execute(func() (interface{}, error) {
			body, wait, err := c.do(ctx, fullURL)
			retryAfter = wait
			return body, err
		})
		if err == nil {
			body, ok := result.(domain.Payload)
			if !ok {
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
			return body, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			if attempt == 0 {
				return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
			}
			// A request already went out this fetch; report the real failure.
			return nil, lastErr
		}
		if !errors.Is(err, errRetryable) {
			return nil, err
		}

		lastErr = err
		if attempt >= c.maxRetries {
			return nil, fmt.Errorf("openweather: giving up after %d attempts: %w", attempt+1, lastErr)
		}

		wait := delay
		if retryAfter > 0 {
			wait = retryAfter
		}
		if wait > c.maxRetryWait {
			wait = c.maxRetryWait
		}
		c.metrics.ProviderRetries.Inc()
		c.logger.Debug("retrying openweather request",
			"attempt", attempt+1,
			"wait", wait,
			"error", err,
		)
		if !c.sleep(ctx, wait) {
			return nil, ctx.Err()
		}
		delay = sharedretry.NextBackoff(delay, c.maxRetryWait)
	}
}

// do performs a single request. The returned duration is the server's
// Retry-After hint, zero when absent.
func (c *Client) do(ctx context.Context, fullURL string) (domain.Payload, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %s", redact(err.Error()))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, fmt.Errorf("%w: request %s: %s", errRetryable, redact(fullURL), redact(err.Error()))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: read body: %v", errRetryable, err)
		}
		if !json.Valid(body) {
			return nil, 0, fmt.Errorf("openweather returned invalid JSON (%d bytes)", len(body))
		}
		return domain.Payload(body), 0, nil

	case resp.StatusCode == http.StatusUnauthorized:
		return nil, 0, fmt.Errorf("%w: openweather 401 url=%s detail=%s",
			domain.ErrUnauthorized, redact(fullURL), errorDetail(resp.Body))

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		wait := parseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now())
		return nil, wait, fmt.Errorf("%w: status %d: %s", errRetryable, resp.StatusCode, errorDetail(resp.Body))

	default:
		return nil, 0, fmt.Errorf("%w: %d: %s", errUnexpected, resp.StatusCode, errorDetail(resp.Body))
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-c.clock.After(d):
		return true
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func errorDetail(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return redact(string(b))
}

// redact strips the API key from anything that may carry a request URL.
func redact(s string) string {
	return appIDPattern.ReplaceAllString(s, "${1}<redacted>")
}
