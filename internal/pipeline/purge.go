package pipeline

import (
	"context"
	"fmt"
	"time"
)

// RetentionConfig sets how long each store keeps data.
type RetentionConfig struct {
	Raw       time.Duration
	History   time.Duration
	Snapshots time.Duration
}

// PurgeReport is the outcome of one purge pass.
type PurgeReport struct {
	Raw       int64
	History   int64
	Snapshots int64
}

func (r PurgeReport) String() string {
	return fmt.Sprintf("raw=%d history=%d snapshots=%d", r.Raw, r.History, r.Snapshots)
}

// Purger deletes data past its retention. Curated rows and correlation
// records are never purged.
type Purger struct {
	raw       RawLog
	history   HistoryStore
	snapshots SnapshotSource
	cfg       RetentionConfig
	env       Env
}

// NewPurger creates a Purger.
func NewPurger(raw RawLog, history HistoryStore, snapshots SnapshotSource, cfg RetentionConfig, env Env) *Purger {
	return &Purger{raw: raw, history: history, snapshots: snapshots, cfg: cfg, env: env.withDefaults()}
}

// Run performs one purge pass.
func (p *Purger) Run(ctx context.Context) (report PurgeReport, err error) {
	env := p.env
	log := env.Logger.With("job", JobPurge)
	defer env.track(JobPurge, env.Clock.Now(), &err)

	now := env.Clock.Now()
	if report.Raw, err = p.raw.PurgeRaw(ctx, now.Add(-p.cfg.Raw)); err != nil {
		return report, fmt.Errorf("purge raw observations: %w", err)
	}
	if report.History, err = p.history.PurgeHistory(ctx, now.Add(-p.cfg.History)); err != nil {
		return report, fmt.Errorf("purge history: %w", err)
	}
	if report.Snapshots, err = p.snapshots.PurgeSnapshots(ctx, now.Add(-p.cfg.Snapshots)); err != nil {
		return report, fmt.Errorf("purge position snapshots: %w", err)
	}

	log.Info("purge finished", "raw", report.Raw, "history", report.History, "snapshots", report.Snapshots)
	return report, nil
}
