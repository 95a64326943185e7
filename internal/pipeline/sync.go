package pipeline

import (
	"context"
	"fmt"

	"github.com/couchcryptid/flight-weather-etl/internal/domain"
)

// SyncReport is the outcome of one sync pass.
type SyncReport struct {
	Cells      int
	Candidates int // cells with at least one raw document
	Updated    int
}

func (r SyncReport) String() string {
	return fmt.Sprintf("cells=%d candidates=%d updated=%d", r.Cells, r.Candidates, r.Updated)
}

// Syncer copies the newest raw document per cell into the curated table.
// It covers raw documents written by a process other than the refresh job.
type Syncer struct {
	curated CuratedStore
	raw     RawLog
	env     Env
}

// NewSyncer creates a Syncer.
func NewSyncer(curated CuratedStore, raw RawLog, env Env) *Syncer {
	return &Syncer{curated: curated, raw: raw, env: env.withDefaults()}
}

// Run performs one sync pass. Curated rows never move backwards: a raw
// document older than the stored timestamp is ignored by the upsert.
func (s *Syncer) Run(ctx context.Context) (report SyncReport, err error) {
	env := s.env
	log := env.Logger.With("job", JobSync)
	defer env.track(JobSync, env.Clock.Now(), &err)

	cells, err := s.curated.ListCells(ctx)
	if err != nil {
		return report, fmt.Errorf("list curated cells: %w", err)
	}
	report.Cells = len(cells)

	for _, chunk := range chunks(cells, env.BatchSize) {
		latest, err := s.raw.LatestRaw(ctx, chunk)
		if err != nil {
			return report, fmt.Errorf("read latest raw: %w", err)
		}
		if len(latest) == 0 {
			continue
		}
		report.Candidates += len(latest)

		rows := make([]domain.CuratedCell, len(latest))
		for i, obs := range latest {
			rows[i] = obs.Curate()
		}
		n, err := s.curated.UpsertCurated(ctx, rows)
		if err != nil {
			return report, fmt.Errorf("upsert curated: %w", err)
		}
		report.Updated += n
		env.Metrics.CuratedUpdated.Add(float64(n))
	}

	log.Info("sync finished", "cells", report.Cells, "candidates", report.Candidates, "updated", report.Updated)
	return report, nil
}
