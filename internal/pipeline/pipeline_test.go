package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/flight-weather-etl/internal/adapter/memory"
	"github.com/couchcryptid/flight-weather-etl/internal/budget"
	"github.com/couchcryptid/flight-weather-etl/internal/domain"
	"github.com/couchcryptid/flight-weather-etl/internal/observability"
	"github.com/couchcryptid/flight-weather-etl/internal/pipeline"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var (
	_ pipeline.CuratedStore     = (*memory.Store)(nil)
	_ pipeline.HistoryStore     = (*memory.Store)(nil)
	_ pipeline.RawLog           = (*memory.Store)(nil)
	_ pipeline.SnapshotSource   = (*memory.Store)(nil)
	_ pipeline.CorrelationStore = (*memory.Store)(nil)
	_ pipeline.Budget           = (*budget.Controller)(nil)
)

var now = time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)

// --- mocks ---

// scriptedProvider returns responses[i] for the i-th call and a default
// payload once the script runs out.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []error
	calls     int
	onCall    func(n int)
}

func (p *scriptedProvider) Current(_ context.Context, lat, lon float64, _ string) (domain.Payload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.onCall != nil {
		p.onCall(p.calls)
	}
	if i := p.calls - 1; i < len(p.responses) && p.responses[i] != nil {
		return nil, p.responses[i]
	}
	return domain.Payload(fmt.Sprintf(`{"coord":{"lat":%.4f,"lon":%.4f},"weather":[{"main":"Clouds"}]}`, lat, lon)), nil
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// countingRaw wraps a RawLog to record chunk sizes and optionally fail.
type countingRaw struct {
	pipeline.RawLog
	chunks []int
	err    error
}

func (c *countingRaw) AppendRaw(ctx context.Context, obs []domain.RawObservation) error {
	if c.err != nil {
		return c.err
	}
	c.chunks = append(c.chunks, len(obs))
	return c.RawLog.AppendRaw(ctx, obs)
}

type recordingSink struct {
	name    string
	err     error
	records []domain.CorrelationRecord
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) WriteCorrelations(_ context.Context, recs []domain.CorrelationRecord) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, recs...)
	return nil
}

// --- helpers ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnv(clock clockwork.Clock) pipeline.Env {
	return pipeline.Env{
		Clock:     clock,
		Logger:    discardLogger(),
		Metrics:   observability.NewMetricsForTesting(),
		BatchSize: 50,
		RunID:     "test-run",
	}
}

// distinctCells returns n distinct valid cells spaced well apart.
func distinctCells(t *testing.T, n int) []domain.Cell {
	t.Helper()
	out := make([]domain.Cell, 0, n)
	for i := 0; i < n; i++ {
		c, ok := domain.CellFor(30+float64(i)*0.5, -100)
		require.True(t, ok)
		out = append(out, c)
	}
	require.Len(t, domain.UniqueCells(out), n)
	return out
}

func cellAt(t *testing.T, lat, lon float64) domain.Cell {
	t.Helper()
	c, ok := domain.CellFor(lat, lon)
	require.True(t, ok)
	return c
}

func newBudget(limit int, clock clockwork.Clock) *budget.Controller {
	return budget.NewController(limit, 0, budget.NewMemoryLedger(), clock)
}

func stateVector(icao, callsign string, lat, lon float64) []any {
	sv := make([]any, 17)
	sv[0] = icao
	sv[1] = callsign
	sv[5] = lon
	sv[6] = lat
	sv[8] = false
	return sv
}

var errBoom = errors.New("boom")
