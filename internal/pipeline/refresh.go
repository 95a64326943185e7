package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/flight-weather-etl/internal/domain"
)

// RefreshConfig controls one refresh pass.
type RefreshConfig struct {
	FreshWindow  time.Duration // cells updated within this window are skipped
	RunCap       int           // most cells fetched in one run
	Units        string
	ActiveWindow time.Duration // position window for ActiveOnly runs
	ActiveOnly   bool
}

// RefreshReport is the outcome of one refresh pass.
type RefreshReport struct {
	Selected        int
	Fetched         int
	Skipped         int // invalid cell, breaker open, or budget ran out mid-run
	Failed          int // transient retries exhausted
	Unauthorized    bool
	RawAppended     int
	HistoryAppended int
	CuratedUpdated  int
	BudgetRemaining int
}

func (r RefreshReport) String() string {
	return fmt.Sprintf("selected=%d fetched=%d skipped=%d failed=%d unauthorized=%t raw=%d curated=%d history=%d remaining_budget=%d",
		r.Selected, r.Fetched, r.Skipped, r.Failed, r.Unauthorized, r.RawAppended, r.CuratedUpdated, r.HistoryAppended, r.BudgetRemaining)
}

// Refresher fetches weather for the stalest cells within the daily budget.
type Refresher struct {
	curated   CuratedStore
	history   HistoryStore
	raw       RawLog
	snapshots SnapshotSource
	provider  WeatherProvider
	budget    Budget
	cfg       RefreshConfig
	env       Env
}

// NewRefresher creates a Refresher. snapshots is only read when cfg.ActiveOnly is set.
func NewRefresher(curated CuratedStore, history HistoryStore, raw RawLog, snapshots SnapshotSource,
	provider WeatherProvider, budget Budget, cfg RefreshConfig, env Env) *Refresher {
	return &Refresher{
		curated:   curated,
		history:   history,
		raw:       raw,
		snapshots: snapshots,
		provider:  provider,
		budget:    budget,
		cfg:       cfg,
		env:       env.withDefaults(),
	}
}

// Run performs one refresh pass. Provider failures never fail the run; store
// failures do. Everything fetched before an authorization failure or a
// cancellation is still written.
func (r *Refresher) Run(ctx context.Context) (report RefreshReport, err error) {
	env := r.env
	log := env.Logger.With("job", JobRefresh)
	start := env.Clock.Now()
	defer env.track(JobRefresh, start, &err)

	remaining, err := r.budget.Remaining(ctx)
	if err != nil {
		return report, err
	}
	report.BudgetRemaining = remaining
	env.Metrics.BudgetRemaining.Set(float64(remaining))

	limit := min(r.cfg.RunCap, remaining)
	if limit <= 0 {
		log.Info("daily budget exhausted, nothing to refresh", "limit", r.cfg.RunCap, "remaining", remaining)
		return report, nil
	}

	var only []domain.Cell
	if r.cfg.ActiveOnly {
		only, err = r.activeCells(ctx)
		if err != nil {
			return report, err
		}
		if len(only) == 0 {
			log.Info("no active cells in window", "window", r.cfg.ActiveWindow)
			return report, nil
		}
	}

	cutoff := env.Clock.Now().Add(-r.cfg.FreshWindow)
	cells, err := r.curated.SelectStale(ctx, cutoff, limit, only)
	if err != nil {
		return report, fmt.Errorf("select stale cells: %w", err)
	}
	report.Selected = len(cells)
	env.Metrics.CellsSelected.Add(float64(len(cells)))
	log.Info("refresh started", "selected", len(cells), "limit", limit, "cutoff", cutoff, "active_only", r.cfg.ActiveOnly)

	buf := make([]domain.RawObservation, 0, env.BatchSize)
	flush := func(ctx context.Context) error {
		if len(buf) == 0 {
			return nil
		}
		if err := r.persist(ctx, buf, &report); err != nil {
			return err
		}
		buf = buf[:0]
		return nil
	}

	var runErr error
	for i, cell := range cells {
		if remaining <= 0 {
			left := len(cells) - i
			report.Skipped += left
			env.Metrics.CellsSkipped.WithLabelValues("budget").Add(float64(left))
			log.Warn("budget exhausted mid-run", "unprocessed", left)
			break
		}

		lat, lon, cerr := domain.CellCenter(cell)
		if cerr != nil {
			report.Skipped++
			env.Metrics.CellsSkipped.WithLabelValues("invalid_cell").Inc()
			log.Warn("skipping invalid cell", "cell", cell, "error", cerr)
			continue
		}

		if werr := r.budget.WaitMinInterval(ctx); werr != nil {
			runErr = werr
			break
		}

		payload, ferr := r.provider.Current(ctx, lat, lon, r.cfg.Units)
		switch {
		case ferr == nil:
		case errors.Is(ferr, domain.ErrProviderUnavailable):
			report.Skipped++
			env.Metrics.CellsSkipped.WithLabelValues("breaker_open").Inc()
			log.Warn("provider unavailable, skipping cell", "cell", cell, "error", ferr)
			continue
		case ctx.Err() != nil:
			runErr = ctx.Err()
		}
		if runErr != nil {
			break
		}

		remaining, err = r.budget.Consume(ctx, 1)
		if err != nil {
			runErr = err
			break
		}

		if errors.Is(ferr, domain.ErrUnauthorized) {
			report.Unauthorized = true
			env.Metrics.ProviderFetches.WithLabelValues("unauthorized").Inc()
			log.Error("provider rejected credentials, stopping fetches", "cell", cell, "error", ferr)
			break
		}
		if ferr != nil {
			report.Failed++
			env.Metrics.ProviderFetches.WithLabelValues("error").Inc()
			log.Warn("fetch failed, skipping cell", "cell", cell, "error", ferr)
			continue
		}

		report.Fetched++
		env.Metrics.ProviderFetches.WithLabelValues("success").Inc()
		buf = append(buf, domain.RawObservation{
			Cell:      cell,
			FetchedAt: env.Clock.Now().UTC(),
			Lat:       lat,
			Lon:       lon,
			Units:     r.cfg.Units,
			Source:    domain.SourceOpenWeatherCurrent,
			RunID:     env.RunID,
			Payload:   payload,
		})
		if len(buf) >= env.BatchSize {
			if err := flush(ctx); err != nil {
				return report, err
			}
		}
	}

	// Results collected before a stop are still written, even after cancellation.
	if err := flush(context.WithoutCancel(ctx)); err != nil {
		return report, err
	}

	report.BudgetRemaining = remaining
	env.Metrics.BudgetRemaining.Set(float64(remaining))
	log.Info("refresh finished",
		"selected", report.Selected,
		"fetched", report.Fetched,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"unauthorized", report.Unauthorized,
		"remaining_budget", remaining,
	)
	if runErr != nil {
		return report, fmt.Errorf("refresh interrupted: %w", runErr)
	}
	return report, nil
}

// persist writes one chunk: raw log first, then history, then curated.
func (r *Refresher) persist(ctx context.Context, obs []domain.RawObservation, report *RefreshReport) error {
	env := r.env
	if err := r.raw.AppendRaw(ctx, obs); err != nil {
		return fmt.Errorf("append raw observations: %w", err)
	}
	report.RawAppended += len(obs)
	env.Metrics.RawAppended.Add(float64(len(obs)))

	samples := make([]domain.WeatherSample, len(obs))
	rows := make([]domain.CuratedCell, len(obs))
	for i, o := range obs {
		samples[i] = o.Sample()
		rows[i] = o.Curate()
	}

	added, err := r.history.AppendHistory(ctx, samples)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	report.HistoryAppended += added
	env.Metrics.HistoryApplied.Add(float64(added))

	updated, err := r.curated.UpsertCurated(ctx, rows)
	if err != nil {
		return fmt.Errorf("upsert curated: %w", err)
	}
	report.CuratedUpdated += updated
	env.Metrics.CuratedUpdated.Add(float64(updated))
	env.Logger.Debug("refresh chunk persisted", "rows", len(obs), "curated_updated", updated)
	return nil
}

// activeCells returns cells with position reports inside the active window,
// seeding any that have no curated row yet.
func (r *Refresher) activeCells(ctx context.Context) ([]domain.Cell, error) {
	since := r.env.Clock.Now().Add(-r.cfg.ActiveWindow)
	snaps, err := r.snapshots.SnapshotsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("read position snapshots: %w", err)
	}
	reports, _ := domain.ExtractReports(snaps)
	cells := make([]domain.Cell, 0, len(reports))
	for _, rep := range reports {
		cells = append(cells, rep.Cell)
	}
	cells = domain.UniqueCells(cells)
	if len(cells) == 0 {
		return nil, nil
	}
	if _, err := r.curated.SeedCells(ctx, cells); err != nil {
		return nil, fmt.Errorf("seed active cells: %w", err)
	}
	return cells, nil
}
