package domain

import (
	"bytes"
	"sort"
	"time"
)

// JoinStats summarizes one join pass.
type JoinStats struct {
	Reports      int
	Matched      int
	NoWeather    int // cell had no samples at all
	OutOfRange   int // nearest sample farther than tolerance
	PoolSamples  int
	PoolCollapse int // samples dropped because another shared their (cell, time)
}

// Join correlates each report with the weather sample in the same cell whose
// time is nearest to the report time. A match requires |report - sample| to
// be at most tol. When two samples are equally near the earlier one wins.
// Samples sharing a cell and time are collapsed to one, keeping the smallest
// payload bytes, so identical inputs always give identical output.
//
// Output is ordered by (cell, report time, object id).
func Join(reports []PositionReport, pool []WeatherSample, tol time.Duration) ([]CorrelationRecord, JoinStats) {
	stats := JoinStats{Reports: len(reports), PoolSamples: len(pool)}
	if tol < 0 {
		tol = 0
	}

	byCell := make(map[Cell][]WeatherSample)
	for _, s := range pool {
		byCell[s.Cell] = append(byCell[s.Cell], s)
	}
	for cell, samples := range byCell {
		sort.Slice(samples, func(i, j int) bool {
			if !samples[i].ObservedAt.Equal(samples[j].ObservedAt) {
				return samples[i].ObservedAt.Before(samples[j].ObservedAt)
			}
			return bytes.Compare(samples[i].Observation, samples[j].Observation) < 0
		})
		dedup := samples[:0]
		for _, s := range samples {
			if n := len(dedup); n > 0 && dedup[n-1].ObservedAt.Equal(s.ObservedAt) {
				stats.PoolCollapse++
				continue
			}
			dedup = append(dedup, s)
		}
		byCell[cell] = dedup
	}

	out := make([]CorrelationRecord, 0, len(reports))
	for _, r := range reports {
		samples := byCell[r.Cell]
		if len(samples) == 0 {
			stats.NoWeather++
			continue
		}
		best, ok := nearest(samples, r.ReportTime)
		if !ok {
			continue
		}
		if absDuration(r.ReportTime.Sub(best.ObservedAt)) > tol {
			stats.OutOfRange++
			continue
		}
		out = append(out, CorrelationRecord{
			ObjectID:     r.ObjectID,
			Callsign:     r.Callsign,
			ReportTime:   r.ReportTime,
			Cell:         r.Cell,
			WeatherTime:  best.ObservedAt,
			Observation:  best.Observation,
			SummaryLabel: SummaryLabel(best.Observation),
		})
	}
	stats.Matched = len(out)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Cell != b.Cell {
			return a.Cell < b.Cell
		}
		if !a.ReportTime.Equal(b.ReportTime) {
			return a.ReportTime.Before(b.ReportTime)
		}
		return a.ObjectID < b.ObjectID
	})
	return out, stats
}

// nearest expects samples sorted ascending by time with unique times.
func nearest(samples []WeatherSample, t time.Time) (WeatherSample, bool) {
	if len(samples) == 0 {
		return WeatherSample{}, false
	}
	// first sample at or after t
	i := sort.Search(len(samples), func(i int) bool { return !samples[i].ObservedAt.Before(t) })
	switch {
	case i == 0:
		return samples[0], true
	case i == len(samples):
		return samples[len(samples)-1], true
	}
	before, after := samples[i-1], samples[i]
	if absDuration(after.ObservedAt.Sub(t)) < absDuration(t.Sub(before.ObservedAt)) {
		return after, true
	}
	return before, true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
