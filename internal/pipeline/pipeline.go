// Package pipeline holds the batch jobs: refresh, sync, correlate, seed and
// purge. Each job is one sequential pass over its inputs. Store writes are
// chunked and each chunk commits on its own, so an interrupted run keeps
// everything written before the failure.
package pipeline

import (
	"log/slog"
	"time"

	"github.com/couchcryptid/flight-weather-etl/internal/observability"
	"github.com/jonboulle/clockwork"
)

// Job names, used for logs, metrics labels and the push gateway.
const (
	JobRefresh   = "refresh"
	JobSync      = "sync"
	JobCorrelate = "correlate"
	JobSeed      = "seed"
	JobPurge     = "purge"
)

// Env is the ambient wiring every job shares.
type Env struct {
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	BatchSize int
	RunID     string
}

func (e Env) withDefaults() Env {
	if e.Clock == nil {
		e.Clock = clockwork.NewRealClock()
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Metrics == nil {
		e.Metrics = observability.NewMetricsForTesting()
	}
	if e.BatchSize <= 0 {
		e.BatchSize = 50
	}
	if e.RunID != "" {
		e.Logger = e.Logger.With("run_id", e.RunID)
	}
	return e
}

// track records duration and failure for one job run.
func (e Env) track(job string, start time.Time, err *error) {
	e.Metrics.RunDuration.WithLabelValues(job).Observe(e.Clock.Since(start).Seconds())
	if *err != nil {
		e.Metrics.RunFailures.WithLabelValues(job).Inc()
	}
}

// chunks splits s into consecutive slices of at most size elements.
func chunks[T any](s []T, size int) [][]T {
	if size <= 0 {
		size = len(s)
	}
	var out [][]T
	for len(s) > 0 {
		n := min(size, len(s))
		out = append(out, s[:n])
		s = s[n:]
	}
	return out
}
