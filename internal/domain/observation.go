package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// SourceOpenWeatherCurrent tags raw documents fetched from the current-conditions endpoint.
const SourceOpenWeatherCurrent = "openweather_current"

// Payload is a provider response kept verbatim as JSON.
type Payload = json.RawMessage

// RawObservation is one successful provider response. Append-only.
type RawObservation struct {
	Cell      Cell      `json:"h3_res6"`
	FetchedAt time.Time `json:"fetched_at"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Units     string    `json:"units"`
	Source    string    `json:"source"`
	RunID     string    `json:"run_id,omitempty"`
	Payload   Payload   `json:"payload"`
}

// CuratedCell is the single latest-known observation for a cell.
// A nil LastUpdated means the cell was seeded but never fetched.
type CuratedCell struct {
	Cell        Cell
	LastUpdated *time.Time
	Observation Payload
}

// Curate converts a raw observation into the curated row it should produce.
func (r RawObservation) Curate() CuratedCell {
	ts := r.FetchedAt
	return CuratedCell{Cell: r.Cell, LastUpdated: &ts, Observation: r.Payload}
}

// Sample converts a raw observation into a join pool entry.
func (r RawObservation) Sample() WeatherSample {
	return WeatherSample{Cell: r.Cell, ObservedAt: r.FetchedAt, Observation: r.Payload}
}

// WeatherSample is one entry in the weather pool fed to the join engine:
// either a curated row (one per cell) or a history row (many per cell).
type WeatherSample struct {
	Cell        Cell
	ObservedAt  time.Time
	Observation Payload
}

// SummaryLabel extracts the coarse condition ("Clouds", "Rain", ...) from an
// OpenWeather current-conditions payload. Empty when absent.
func SummaryLabel(p Payload) string {
	if len(p) == 0 {
		return ""
	}
	var body struct {
		Weather []struct {
			Main string `json:"main"`
		} `json:"weather"`
	}
	if err := json.Unmarshal(p, &body); err != nil || len(body.Weather) == 0 {
		return ""
	}
	return body.Weather[0].Main
}

// SelectStale picks up to limit cells needing a refresh: never-fetched cells
// first, then ascending by last_updated. Cells updated at or after cutoff are
// fresh and excluded. Ties keep cell id order so the result is stable.
func SelectStale(cells []CuratedCell, cutoff time.Time, limit int) []Cell {
	if limit <= 0 {
		return nil
	}
	candidates := make([]CuratedCell, 0, len(cells))
	for _, c := range cells {
		if c.LastUpdated == nil || c.LastUpdated.Before(cutoff) {
			candidates = append(candidates, c)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].LastUpdated, candidates[j].LastUpdated
		switch {
		case a == nil && b == nil:
			return candidates[i].Cell < candidates[j].Cell
		case a == nil:
			return true
		case b == nil:
			return false
		case !a.Equal(*b):
			return a.Before(*b)
		default:
			return candidates[i].Cell < candidates[j].Cell
		}
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Cell, len(candidates))
	for i, c := range candidates {
		out[i] = c.Cell
	}
	return out
}
