package domain

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hh, mm int) time.Time {
	return time.Date(2025, 6, 1, hh, mm, 0, 0, time.UTC)
}

func report(id string, cell Cell, ts time.Time) PositionReport {
	return PositionReport{ObjectID: id, Cell: cell, ReportTime: ts}
}

func sample(cell Cell, ts time.Time, body string) WeatherSample {
	return WeatherSample{Cell: cell, ObservedAt: ts, Observation: Payload(body)}
}

func TestJoin_TieBreakEarlierWins(t *testing.T) {
	pool := []WeatherSample{
		sample("A", at(10, 20), `{"weather":[{"main":"Rain"}]}`),
		sample("A", at(10, 0), `{"weather":[{"main":"Clear"}]}`),
	}
	reps := []PositionReport{report("abc123", "A", at(10, 10))}

	got, stats := Join(reps, pool, 15*time.Minute)

	require.Len(t, got, 1)
	assert.Equal(t, at(10, 0), got[0].WeatherTime)
	assert.Equal(t, "Clear", got[0].SummaryLabel)
	assert.Equal(t, 1, stats.Matched)
}

func TestJoin_TieBreakIsStableAcrossRuns(t *testing.T) {
	pool := []WeatherSample{
		sample("A", at(10, 0), `{"v":1}`),
		sample("A", at(10, 20), `{"v":2}`),
	}
	reps := []PositionReport{report("abc123", "A", at(10, 10))}

	first, _ := Join(reps, pool, time.Hour)
	for i := 0; i < 20; i++ {
		pool[0], pool[1] = pool[1], pool[0]
		again, _ := Join(reps, pool, time.Hour)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("run %d differs (-first +again):\n%s", i, diff)
		}
	}
}

func TestJoin_ToleranceBoundary(t *testing.T) {
	tol := 15 * time.Minute
	reps := []PositionReport{report("abc123", "A", at(10, 0))}

	t.Run("exactly tolerance after matches", func(t *testing.T) {
		got, _ := Join(reps, []WeatherSample{sample("A", at(10, 15), `{}`)}, tol)
		assert.Len(t, got, 1)
	})

	t.Run("exactly tolerance before matches", func(t *testing.T) {
		got, _ := Join(reps, []WeatherSample{sample("A", at(9, 45), `{}`)}, tol)
		assert.Len(t, got, 1)
	})

	t.Run("one nanosecond past tolerance drops", func(t *testing.T) {
		pool := []WeatherSample{sample("A", at(10, 15).Add(time.Nanosecond), `{}`)}
		got, stats := Join(reps, pool, tol)
		assert.Empty(t, got)
		assert.Equal(t, 1, stats.OutOfRange)
	})
}

func TestJoin_CellIsolation(t *testing.T) {
	pool := []WeatherSample{sample("B", at(10, 0), `{}`)}
	reps := []PositionReport{report("abc123", "A", at(10, 0))}

	got, stats := Join(reps, pool, time.Hour)
	assert.Empty(t, got)
	assert.Equal(t, 1, stats.NoWeather)
}

func TestJoin_NearestOfMany(t *testing.T) {
	pool := []WeatherSample{
		sample("A", at(9, 0), `{"n":1}`),
		sample("A", at(9, 50), `{"n":2}`),
		sample("A", at(10, 4), `{"n":3}`),
		sample("A", at(11, 0), `{"n":4}`),
	}
	reps := []PositionReport{
		report("early", "A", at(8, 0)),
		report("mid", "A", at(10, 0)),
		report("late", "A", at(12, 0)),
	}

	got, _ := Join(reps, pool, 2*time.Hour)
	require.Len(t, got, 3)

	byID := map[string]CorrelationRecord{}
	for _, r := range got {
		byID[r.ObjectID] = r
	}
	assert.Equal(t, at(9, 0), byID["early"].WeatherTime)
	assert.Equal(t, at(10, 4), byID["mid"].WeatherTime)
	assert.Equal(t, at(11, 0), byID["late"].WeatherTime)
	for _, r := range got {
		assert.LessOrEqual(t, r.Gap(), 2*time.Hour)
	}
}

func TestJoin_DuplicateSampleTimesCollapse(t *testing.T) {
	pool := []WeatherSample{
		sample("A", at(10, 0), `{"z":1}`),
		sample("A", at(10, 0), `{"a":1}`),
	}
	reps := []PositionReport{report("abc123", "A", at(10, 1))}

	got, stats := Join(reps, pool, time.Hour)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"a":1}`, string(got[0].Observation))
	assert.Equal(t, 1, stats.PoolCollapse)
}

func TestJoin_CuratedPoolSingleRowPerCell(t *testing.T) {
	pool := []WeatherSample{
		sample("A", at(10, 0), `{"weather":[{"main":"Snow"}]}`),
		sample("B", at(10, 30), `{}`),
	}
	reps := []PositionReport{
		{ObjectID: "x2", Callsign: "DAL9", Cell: "B", ReportTime: at(10, 40)},
		{ObjectID: "x1", Cell: "A", ReportTime: at(10, 45)},
		{ObjectID: "x0", Cell: "A", ReportTime: at(10, 45)},
	}

	got, _ := Join(reps, pool, time.Hour)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"x0", "x1", "x2"}, []string{got[0].ObjectID, got[1].ObjectID, got[2].ObjectID})
	assert.Equal(t, "Snow", got[0].SummaryLabel)
	assert.Equal(t, "DAL9", got[2].Callsign)
	assert.Empty(t, got[2].SummaryLabel)
}

func TestCorrelationRecord_Key(t *testing.T) {
	r := CorrelationRecord{ObjectID: "abc", ReportTime: at(10, 0), Cell: "861f"}
	assert.Equal(t, "abc|2025-06-01T10:00:00Z|861f", r.Key())
}
