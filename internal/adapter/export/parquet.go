// Package export writes correlation records as Parquet files partitioned by
// report hour (dt=YYYY-MM-DD/hour=HH/) to a local directory or an S3 bucket.
package export

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/flight-weather-etl/internal/domain"
	"github.com/parquet-go/parquet-go"
)

// SinkName identifies the exporter in metrics and logs.
const SinkName = "parquet"

// Target stores one finished object under key.
type Target interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Row is the Parquet schema for one correlation record.
type Row struct {
	ICAO24         string  `parquet:"icao24"`
	Callsign       *string `parquet:"callsign"`
	TsState        int64   `parquet:"ts_state"` // unix millis
	H3Res6         string  `parquet:"h3_res6"`
	WeatherAt      int64   `parquet:"weather_at"` // unix millis
	GapSeconds     int64   `parquet:"gap_seconds"`
	WeatherSummary *string `parquet:"weather_summary"`
	Weather        string  `parquet:"weather"` // provider JSON
}

func toRow(r domain.CorrelationRecord) Row {
	row := Row{
		ICAO24:     r.ObjectID,
		TsState:    r.ReportTime.UnixMilli(),
		H3Res6:     string(r.Cell),
		WeatherAt:  r.WeatherTime.UnixMilli(),
		GapSeconds: int64(r.Gap() / time.Second),
		Weather:    string(r.Observation),
	}
	if r.Callsign != "" {
		cs := r.Callsign
		row.Callsign = &cs
	}
	if r.SummaryLabel != "" {
		label := r.SummaryLabel
		row.WeatherSummary = &label
	}
	return row
}

// Sink implements pipeline.RecordSink.
type Sink struct {
	target Target
	runID  string
	logger *slog.Logger
	seq    atomic.Int64
}

// NewSink creates a Sink. runID makes object names unique per run.
func NewSink(target Target, runID string, logger *slog.Logger) *Sink {
	return &Sink{target: target, runID: runID, logger: logger}
}

// Name implements pipeline.RecordSink.
func (s *Sink) Name() string { return SinkName }

// WriteCorrelations writes one file per report hour present in recs.
func (s *Sink) WriteCorrelations(ctx context.Context, recs []domain.CorrelationRecord) error {
	if len(recs) == 0 {
		return nil
	}
	byHour := make(map[string][]Row)
	for _, r := range recs {
		p := PartitionPrefix(r.ReportTime)
		byHour[p] = append(byHour[p], toRow(r))
	}
	prefixes := make([]string, 0, len(byHour))
	for p := range byHour {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	n := s.seq.Add(1)
	for _, p := range prefixes {
		data, err := encode(byHour[p])
		if err != nil {
			return fmt.Errorf("encode %s: %w", p, err)
		}
		key := path.Join(p, fmt.Sprintf("flight_weather_hits-%s-%03d.parquet", s.runID, n))
		if err := s.target.Put(ctx, key, data); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
		s.logger.Debug("exported correlation partition", "key", key, "rows", len(byHour[p]))
	}
	return nil
}

// PartitionPrefix returns the dt/hour directory for a report time.
func PartitionPrefix(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("dt=%s/hour=%02d", t.Format(time.DateOnly), t.Hour())
}

func encode(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[Row](&buf)
	if _, err := w.Write(rows); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
