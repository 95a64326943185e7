package pipeline

import (
	"context"
	"time"

	"github.com/couchcryptid/flight-weather-etl/internal/domain"
)

// WeatherProvider fetches current conditions for a coordinate.
type WeatherProvider interface {
	Current(ctx context.Context, lat, lon float64, units string) (domain.Payload, error)
}

// Budget gates and paces provider calls.
type Budget interface {
	Remaining(ctx context.Context) (int, error)
	Consume(ctx context.Context, n int) (int, error)
	WaitMinInterval(ctx context.Context) error
}

// CuratedStore holds one latest-known observation per cell.
type CuratedStore interface {
	// SelectStale returns up to limit cells whose last update is NULL or
	// before cutoff, never-fetched first, then oldest first. A non-nil only
	// restricts candidates to those cells.
	SelectStale(ctx context.Context, cutoff time.Time, limit int, only []domain.Cell) ([]domain.Cell, error)
	// UpsertCurated inserts or moves rows forward. A row whose timestamp is
	// not newer than the stored one is left alone. Returns rows changed.
	UpsertCurated(ctx context.Context, rows []domain.CuratedCell) (int, error)
	// SeedCells inserts never-fetched rows for unknown cells. Returns rows inserted.
	SeedCells(ctx context.Context, cells []domain.Cell) (int, error)
	ListCells(ctx context.Context) ([]domain.Cell, error)
	// FreshCurated returns curated rows for cells updated at or after since.
	FreshCurated(ctx context.Context, cells []domain.Cell, since time.Time) ([]domain.WeatherSample, error)
}

// HistoryStore is the per-cell observation time series.
type HistoryStore interface {
	AppendHistory(ctx context.Context, samples []domain.WeatherSample) (int, error)
	// HistoryWindow returns samples for cells observed in [from, to].
	HistoryWindow(ctx context.Context, cells []domain.Cell, from, to time.Time) ([]domain.WeatherSample, error)
	PurgeHistory(ctx context.Context, before time.Time) (int64, error)
}

// RawLog is the append-only record of provider responses.
type RawLog interface {
	AppendRaw(ctx context.Context, obs []domain.RawObservation) error
	// LatestRaw returns the newest raw document per cell for the given cells.
	LatestRaw(ctx context.Context, cells []domain.Cell) ([]domain.RawObservation, error)
	PurgeRaw(ctx context.Context, before time.Time) (int64, error)
}

// SnapshotSource reads stored position snapshots.
type SnapshotSource interface {
	LatestSnapshots(ctx context.Context) ([]domain.RegionSnapshot, error)
	SnapshotsSince(ctx context.Context, since time.Time) ([]domain.RegionSnapshot, error)
	PurgeSnapshots(ctx context.Context, before time.Time) (int64, error)
}

// CorrelationStore is the system of record for join output.
type CorrelationStore interface {
	UpsertCorrelations(ctx context.Context, recs []domain.CorrelationRecord) (int, error)
}

// RecordSink receives a copy of upserted correlation records. Failures are
// reported but never undo the store write.
type RecordSink interface {
	Name() string
	WriteCorrelations(ctx context.Context, recs []domain.CorrelationRecord) error
}
