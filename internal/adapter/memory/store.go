// Package memory provides in-process implementations of the pipeline stores.
// They follow the same conflict and ordering rules as the Postgres and Mongo
// adapters and back the unit tests and dry runs.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/couchcryptid/flight-weather-etl/internal/domain"
)

// Store keeps curated rows, history, raw documents, snapshots and
// correlation records in maps guarded by one mutex.
type Store struct {
	mu           sync.Mutex
	curated      map[domain.Cell]domain.CuratedCell
	history      []domain.WeatherSample
	raw          []domain.RawObservation
	snapshots    []domain.RegionSnapshot
	correlations map[string]domain.CorrelationRecord
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		curated:      make(map[domain.Cell]domain.CuratedCell),
		correlations: make(map[string]domain.CorrelationRecord),
	}
}

// --- curated ---

// SelectStale implements pipeline.CuratedStore.
func (s *Store) SelectStale(_ context.Context, cutoff time.Time, limit int, only []domain.Cell) ([]domain.Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]domain.CuratedCell, 0, len(s.curated))
	if only != nil {
		for _, c := range domain.UniqueCells(only) {
			if row, ok := s.curated[c]; ok {
				rows = append(rows, row)
			}
		}
	} else {
		for _, row := range s.curated {
			rows = append(rows, row)
		}
	}
	return domain.SelectStale(rows, cutoff, limit), nil
}

// UpsertCurated implements pipeline.CuratedStore.
func (s *Store) UpsertCurated(_ context.Context, rows []domain.CuratedCell) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, row := range rows {
		cur, ok := s.curated[row.Cell]
		if ok && cur.LastUpdated != nil && (row.LastUpdated == nil || !row.LastUpdated.After(*cur.LastUpdated)) {
			continue
		}
		s.curated[row.Cell] = cloneCurated(row)
		changed++
	}
	return changed, nil
}

// SeedCells implements pipeline.CuratedStore.
func (s *Store) SeedCells(_ context.Context, cells []domain.Cell) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, c := range cells {
		if _, ok := s.curated[c]; ok {
			continue
		}
		s.curated[c] = domain.CuratedCell{Cell: c}
		inserted++
	}
	return inserted, nil
}

// ListCells implements pipeline.CuratedStore.
func (s *Store) ListCells(_ context.Context) ([]domain.Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Cell, 0, len(s.curated))
	for c := range s.curated {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// FreshCurated implements pipeline.CuratedStore.
func (s *Store) FreshCurated(_ context.Context, cells []domain.Cell, since time.Time) ([]domain.WeatherSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.WeatherSample
	for _, c := range domain.UniqueCells(cells) {
		row, ok := s.curated[c]
		if !ok || row.LastUpdated == nil || row.LastUpdated.Before(since) || len(row.Observation) == 0 {
			continue
		}
		out = append(out, domain.WeatherSample{Cell: c, ObservedAt: *row.LastUpdated, Observation: row.Observation})
	}
	return out, nil
}

// Curated returns the stored row for a cell.
func (s *Store) Curated(c domain.Cell) (domain.CuratedCell, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.curated[c]
	return row, ok
}

// --- history ---

// AppendHistory implements pipeline.HistoryStore. A repeated (cell, time)
// pair is ignored, matching the table's primary key.
func (s *Store) AppendHistory(_ context.Context, samples []domain.WeatherSample) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, in := range samples {
		dup := false
		for _, h := range s.history {
			if h.Cell == in.Cell && h.ObservedAt.Equal(in.ObservedAt) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		s.history = append(s.history, in)
		added++
	}
	return added, nil
}

// HistoryWindow implements pipeline.HistoryStore.
func (s *Store) HistoryWindow(_ context.Context, cells []domain.Cell, from, to time.Time) ([]domain.WeatherSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[domain.Cell]bool, len(cells))
	for _, c := range cells {
		want[c] = true
	}
	var out []domain.WeatherSample
	for _, h := range s.history {
		if want[h.Cell] && !h.ObservedAt.Before(from) && !h.ObservedAt.After(to) {
			out = append(out, h)
		}
	}
	return out, nil
}

// PurgeHistory implements pipeline.HistoryStore.
func (s *Store) PurgeHistory(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.history[:0]
	var n int64
	for _, h := range s.history {
		if h.ObservedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, h)
	}
	s.history = kept
	return n, nil
}

// History returns a copy of every history row.
func (s *Store) History() []domain.WeatherSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.WeatherSample(nil), s.history...)
}

// --- raw log ---

// AppendRaw implements pipeline.RawLog. Nothing is deduplicated.
func (s *Store) AppendRaw(_ context.Context, obs []domain.RawObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = append(s.raw, obs...)
	return nil
}

// LatestRaw implements pipeline.RawLog.
func (s *Store) LatestRaw(_ context.Context, cells []domain.Cell) ([]domain.RawObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[domain.Cell]bool, len(cells))
	for _, c := range cells {
		want[c] = true
	}
	latest := make(map[domain.Cell]domain.RawObservation)
	for _, r := range s.raw {
		if !want[r.Cell] {
			continue
		}
		if cur, ok := latest[r.Cell]; !ok || r.FetchedAt.After(cur.FetchedAt) {
			latest[r.Cell] = r
		}
	}
	out := make([]domain.RawObservation, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cell < out[j].Cell })
	return out, nil
}

// PurgeRaw implements pipeline.RawLog.
func (s *Store) PurgeRaw(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.raw[:0]
	var n int64
	for _, r := range s.raw {
		if r.FetchedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.raw = kept
	return n, nil
}

// Raw returns a copy of the raw log.
func (s *Store) Raw() []domain.RawObservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RawObservation(nil), s.raw...)
}

// --- snapshots ---

// AddSnapshots appends position snapshots, standing in for the collector.
func (s *Store) AddSnapshots(snaps ...domain.RegionSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snaps...)
}

// LatestSnapshots implements pipeline.SnapshotSource.
func (s *Store) LatestSnapshots(_ context.Context) ([]domain.RegionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.LatestPerRegion(s.snapshots), nil
}

// SnapshotsSince implements pipeline.SnapshotSource.
func (s *Store) SnapshotsSince(_ context.Context, since time.Time) ([]domain.RegionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.RegionSnapshot
	for _, snap := range s.snapshots {
		if !snap.Time.Before(since) {
			out = append(out, snap)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// PurgeSnapshots implements pipeline.SnapshotSource.
func (s *Store) PurgeSnapshots(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.snapshots[:0]
	var n int64
	for _, snap := range s.snapshots {
		if snap.FetchedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, snap)
	}
	s.snapshots = kept
	return n, nil
}

// --- correlations ---

// UpsertCorrelations implements pipeline.CorrelationStore. On conflict the
// weather fields are replaced; callsign and summary label keep the prior
// value when the new one is empty.
func (s *Store) UpsertCorrelations(_ context.Context, recs []domain.CorrelationRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range recs {
		k := r.Key()
		prev, ok := s.correlations[k]
		if ok {
			if r.Callsign == "" {
				r.Callsign = prev.Callsign
			}
			if r.SummaryLabel == "" {
				r.SummaryLabel = prev.SummaryLabel
			}
			if sameCorrelation(prev, r) {
				continue
			}
		}
		r.Observation = append(domain.Payload(nil), r.Observation...)
		s.correlations[k] = r
		n++
	}
	return n, nil
}

func sameCorrelation(a, b domain.CorrelationRecord) bool {
	return a.WeatherTime.Equal(b.WeatherTime) &&
		bytes.Equal(a.Observation, b.Observation) &&
		a.Callsign == b.Callsign &&
		a.SummaryLabel == b.SummaryLabel
}

// Correlations returns every stored record ordered by key.
func (s *Store) Correlations() []domain.CorrelationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.CorrelationRecord, 0, len(s.correlations))
	for _, r := range s.correlations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func cloneCurated(row domain.CuratedCell) domain.CuratedCell {
	out := domain.CuratedCell{Cell: row.Cell}
	if row.LastUpdated != nil {
		ts := *row.LastUpdated
		out.LastUpdated = &ts
	}
	if row.Observation != nil {
		out.Observation = append(domain.Payload(nil), row.Observation...)
	}
	return out
}
