package domain

import (
	"fmt"
	"time"
)

// CorrelationRecord joins one position report to one weather observation.
// Identity is (ObjectID, ReportTime, Cell).
type CorrelationRecord struct {
	ObjectID     string    `json:"icao24"`
	Callsign     string    `json:"callsign,omitempty"`
	ReportTime   time.Time `json:"ts_state"`
	Cell         Cell      `json:"h3_res6"`
	WeatherTime  time.Time `json:"weather_at"`
	Observation  Payload   `json:"weather"`
	SummaryLabel string    `json:"weather_summary,omitempty"`
}

// Key renders the natural identity, used for message keys and dedupe.
func (r CorrelationRecord) Key() string {
	return fmt.Sprintf("%s|%s|%s", r.ObjectID, r.ReportTime.UTC().Format(time.RFC3339Nano), r.Cell)
}

// Gap is the absolute time between the report and the matched observation.
func (r CorrelationRecord) Gap() time.Duration {
	d := r.ReportTime.Sub(r.WeatherTime)
	if d < 0 {
		return -d
	}
	return d
}
