package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/flight-weather-etl/internal/domain"
)

// Mode selects the weather pool the join runs against.
type Mode string

const (
	// ModeCurated joins the latest snapshot per region against one curated
	// row per cell, gated by the staleness window.
	ModeCurated Mode = "curated"
	// ModeHistory joins every snapshot in the position window against the
	// per-cell history with a tight tolerance.
	ModeHistory Mode = "history"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeCurated, ModeHistory:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown correlate mode %q: want curated or history", s)
}

// CorrelateConfig controls one correlate pass.
type CorrelateConfig struct {
	Mode           Mode
	Staleness      time.Duration // curated pool cutoff and tolerance
	MatchTolerance time.Duration // history tolerance
	PositionWindow time.Duration // history report window
}

// CorrelateReport is the outcome of one correlate pass.
type CorrelateReport struct {
	Mode       Mode
	Snapshots  int
	States     int
	Reports    int
	Invalid    int // state vectors without usable coordinates or id
	Seeded     int
	Pool       int
	Matched    int
	NoWeather  int
	OutOfRange int
	Upserted   int
	SinkErrors int
}

func (r CorrelateReport) String() string {
	return fmt.Sprintf("mode=%s snapshots=%d reports=%d invalid=%d pool=%d matched=%d no_weather=%d out_of_range=%d upserted=%d sink_errors=%d",
		r.Mode, r.Snapshots, r.Reports, r.Invalid, r.Pool, r.Matched, r.NoWeather, r.OutOfRange, r.Upserted, r.SinkErrors)
}

// Correlator runs the temporal join and stores its output.
type Correlator struct {
	snapshots SnapshotSource
	curated   CuratedStore
	history   HistoryStore
	store     CorrelationStore
	sinks     []RecordSink
	cfg       CorrelateConfig
	env       Env
}

// NewCorrelator creates a Correlator. Sinks may be empty.
func NewCorrelator(snapshots SnapshotSource, curated CuratedStore, history HistoryStore,
	store CorrelationStore, sinks []RecordSink, cfg CorrelateConfig, env Env) *Correlator {
	if cfg.Mode == "" {
		cfg.Mode = ModeCurated
	}
	return &Correlator{
		snapshots: snapshots,
		curated:   curated,
		history:   history,
		store:     store,
		sinks:     sinks,
		cfg:       cfg,
		env:       env.withDefaults(),
	}
}

// Run performs one correlate pass.
func (c *Correlator) Run(ctx context.Context) (report CorrelateReport, err error) {
	env := c.env
	log := env.Logger.With("job", JobCorrelate, "mode", c.cfg.Mode)
	defer env.track(JobCorrelate, env.Clock.Now(), &err)
	report.Mode = c.cfg.Mode

	now := env.Clock.Now()
	var snaps []domain.RegionSnapshot
	switch c.cfg.Mode {
	case ModeCurated:
		snaps, err = c.snapshots.LatestSnapshots(ctx)
	case ModeHistory:
		snaps, err = c.snapshots.SnapshotsSince(ctx, now.Add(-c.cfg.PositionWindow))
	default:
		return report, fmt.Errorf("unknown correlate mode %q", c.cfg.Mode)
	}
	if err != nil {
		return report, fmt.Errorf("read position snapshots: %w", err)
	}
	report.Snapshots = len(snaps)

	reports, xs := domain.ExtractReports(snaps)
	report.States = xs.States
	report.Reports = len(reports)
	report.Invalid = xs.Malformed + xs.NoPosition + xs.Invalid
	env.Metrics.Reports.WithLabelValues("invalid").Add(float64(report.Invalid))
	if len(reports) == 0 {
		log.Info("no position reports to correlate", "snapshots", len(snaps))
		return report, nil
	}

	cells := make([]domain.Cell, 0, len(reports))
	for _, r := range reports {
		cells = append(cells, r.Cell)
	}
	cells = domain.UniqueCells(cells)

	// Every cell under a report gets a curated row so refresh can find it.
	report.Seeded, err = c.curated.SeedCells(ctx, cells)
	if err != nil {
		return report, fmt.Errorf("seed cells: %w", err)
	}

	pool, tol, err := c.pool(ctx, cells, reports, now)
	if err != nil {
		return report, err
	}
	report.Pool = len(pool)

	records, js := domain.Join(reports, pool, tol)
	report.Matched = js.Matched
	report.NoWeather = js.NoWeather
	report.OutOfRange = js.OutOfRange
	env.Metrics.Reports.WithLabelValues("matched").Add(float64(js.Matched))
	env.Metrics.Reports.WithLabelValues("no_weather").Add(float64(js.NoWeather))
	env.Metrics.Reports.WithLabelValues("out_of_range").Add(float64(js.OutOfRange))

	for _, chunk := range chunks(records, env.BatchSize) {
		n, err := c.store.UpsertCorrelations(ctx, chunk)
		if err != nil {
			return report, fmt.Errorf("upsert correlations: %w", err)
		}
		report.Upserted += n
		env.Metrics.CorrelationsUpserted.Add(float64(n))
	}

	if len(records) > 0 {
		report.SinkErrors = c.fanOut(ctx, log, records)
	}

	log.Info("correlate finished",
		"snapshots", report.Snapshots,
		"reports", report.Reports,
		"invalid", report.Invalid,
		"pool", report.Pool,
		"matched", report.Matched,
		"no_weather", report.NoWeather,
		"out_of_range", report.OutOfRange,
		"upserted", report.Upserted,
	)
	return report, nil
}

// pool loads the weather samples for the configured mode and returns the
// tolerance that goes with it.
func (c *Correlator) pool(ctx context.Context, cells []domain.Cell, reports []domain.PositionReport, now time.Time) ([]domain.WeatherSample, time.Duration, error) {
	if c.cfg.Mode == ModeCurated {
		pool, err := c.curated.FreshCurated(ctx, cells, now.Add(-c.cfg.Staleness))
		if err != nil {
			return nil, 0, fmt.Errorf("read curated pool: %w", err)
		}
		return pool, c.cfg.Staleness, nil
	}

	tol := c.cfg.MatchTolerance
	from, to := reports[0].ReportTime, reports[0].ReportTime
	for _, r := range reports[1:] {
		if r.ReportTime.Before(from) {
			from = r.ReportTime
		}
		if r.ReportTime.After(to) {
			to = r.ReportTime
		}
	}
	pool, err := c.history.HistoryWindow(ctx, cells, from.Add(-tol), to.Add(tol))
	if err != nil {
		return nil, 0, fmt.Errorf("read history pool: %w", err)
	}
	return pool, tol, nil
}

// fanOut hands records to every sink. Failures are logged and counted only.
func (c *Correlator) fanOut(ctx context.Context, log *slog.Logger, records []domain.CorrelationRecord) int {
	failed := 0
	for _, sink := range c.sinks {
		if err := sink.WriteCorrelations(ctx, records); err != nil {
			failed++
			c.env.Metrics.SinkWrites.WithLabelValues(sink.Name(), "error").Inc()
			log.Warn("correlation sink failed", "sink", sink.Name(), "records", len(records), "error", err)
			continue
		}
		c.env.Metrics.SinkWrites.WithLabelValues(sink.Name(), "success").Inc()
	}
	return failed
}
