// Package postgres stores curated cells, observation history and correlation
// records in Postgres. Conflict rules match the in-memory store in
// internal/adapter/memory.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/couchcryptid/flight-weather-etl/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed schema.sql
var schema string

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// SQLDB exposes the pool through database/sql for the budget ledger.
// Closing the returned handle does not close the pool.
func (s *Store) SQLDB() *sql.DB { return stdlib.OpenDBFromPool(s.pool) }

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// --- curated ---

// SelectStale implements pipeline.CuratedStore.
func (s *Store) SelectStale(ctx context.Context, cutoff time.Time, limit int, only []domain.Cell) ([]domain.Cell, error) {
	if limit <= 0 || (only != nil && len(only) == 0) {
		return nil, nil
	}
	q := `SELECT h3_res6 FROM weather_res6
		WHERE (last_updated IS NULL OR last_updated < $1)`
	args := []any{cutoff, limit}
	if only != nil {
		q += ` AND h3_res6 = ANY($3)`
		args = append(args, cellStrings(only))
	}
	q += ` ORDER BY (last_updated IS NULL) DESC, last_updated ASC, h3_res6 ASC LIMIT $2`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select stale cells: %w", err)
	}
	cells, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("select stale cells: %w", err)
	}
	return toCells(cells), nil
}

const upsertCurated = `INSERT INTO weather_res6 (h3_res6, last_updated, observation)
	VALUES ($1, $2, $3)
	ON CONFLICT (h3_res6) DO UPDATE
	SET last_updated = EXCLUDED.last_updated, observation = EXCLUDED.observation
	WHERE weather_res6.last_updated IS NULL OR EXCLUDED.last_updated > weather_res6.last_updated`

// UpsertCurated implements pipeline.CuratedStore.
func (s *Store) UpsertCurated(ctx context.Context, rows []domain.CuratedCell) (int, error) {
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(upsertCurated, string(r.Cell), r.LastUpdated, nullJSON(r.Observation))
	}
	n, err := s.sendBatch(ctx, b)
	if err != nil {
		return n, fmt.Errorf("upsert curated: %w", err)
	}
	return n, nil
}

// SeedCells implements pipeline.CuratedStore.
func (s *Store) SeedCells(ctx context.Context, cells []domain.Cell) (int, error) {
	if len(cells) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO weather_res6 (h3_res6) SELECT unnest($1::text[]) ON CONFLICT (h3_res6) DO NOTHING`,
		cellStrings(domain.UniqueCells(cells)))
	if err != nil {
		return 0, fmt.Errorf("seed cells: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListCells implements pipeline.CuratedStore.
func (s *Store) ListCells(ctx context.Context) ([]domain.Cell, error) {
	rows, err := s.pool.Query(ctx, `SELECT h3_res6 FROM weather_res6 ORDER BY h3_res6`)
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	cells, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	return toCells(cells), nil
}

// FreshCurated implements pipeline.CuratedStore.
func (s *Store) FreshCurated(ctx context.Context, cells []domain.Cell, since time.Time) ([]domain.WeatherSample, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT h3_res6, last_updated, observation FROM weather_res6
		WHERE h3_res6 = ANY($1) AND last_updated >= $2 AND observation IS NOT NULL
		ORDER BY h3_res6`, cellStrings(cells), since)
	if err != nil {
		return nil, fmt.Errorf("read curated pool: %w", err)
	}
	out, err := collectSamples(rows)
	if err != nil {
		return nil, fmt.Errorf("read curated pool: %w", err)
	}
	return out, nil
}

// --- history ---

// AppendHistory implements pipeline.HistoryStore. Rows already present for
// the same (cell, time) are kept.
func (s *Store) AppendHistory(ctx context.Context, samples []domain.WeatherSample) (int, error) {
	b := &pgx.Batch{}
	for _, h := range samples {
		b.Queue(`INSERT INTO weather_res6_history (h3_res6, observed_at, observation)
			VALUES ($1, $2, $3) ON CONFLICT (h3_res6, observed_at) DO NOTHING`,
			string(h.Cell), h.ObservedAt, []byte(h.Observation))
	}
	n, err := s.sendBatch(ctx, b)
	if err != nil {
		return n, fmt.Errorf("append history: %w", err)
	}
	return n, nil
}

// HistoryWindow implements pipeline.HistoryStore.
func (s *Store) HistoryWindow(ctx context.Context, cells []domain.Cell, from, to time.Time) ([]domain.WeatherSample, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT h3_res6, observed_at, observation FROM weather_res6_history
		WHERE h3_res6 = ANY($1) AND observed_at BETWEEN $2 AND $3
		ORDER BY h3_res6, observed_at`, cellStrings(cells), from, to)
	if err != nil {
		return nil, fmt.Errorf("read history window: %w", err)
	}
	out, err := collectSamples(rows)
	if err != nil {
		return nil, fmt.Errorf("read history window: %w", err)
	}
	return out, nil
}

// PurgeHistory implements pipeline.HistoryStore.
func (s *Store) PurgeHistory(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM weather_res6_history WHERE observed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- correlations ---

const upsertCorrelation = `INSERT INTO flight_weather_hits
	(icao24, callsign, ts_state, h3_res6, weather_at, weather, weather_summary)
	VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, NULLIF($7, ''))
	ON CONFLICT (icao24, ts_state, h3_res6) DO UPDATE SET
		callsign        = COALESCE(EXCLUDED.callsign, flight_weather_hits.callsign),
		weather_at      = EXCLUDED.weather_at,
		weather         = EXCLUDED.weather,
		weather_summary = COALESCE(EXCLUDED.weather_summary, flight_weather_hits.weather_summary),
		updated_at      = now()
	WHERE (flight_weather_hits.weather_at, flight_weather_hits.weather,
			flight_weather_hits.callsign, flight_weather_hits.weather_summary)
		IS DISTINCT FROM (EXCLUDED.weather_at, EXCLUDED.weather,
			COALESCE(EXCLUDED.callsign, flight_weather_hits.callsign),
			COALESCE(EXCLUDED.weather_summary, flight_weather_hits.weather_summary))`

// UpsertCorrelations implements pipeline.CorrelationStore. Statements run in
// one batch in input order, so a key repeated within recs resolves the same
// way it would across two calls. A conflicting record that would not change
// the stored row leaves it untouched, updated_at included, and is not counted.
func (s *Store) UpsertCorrelations(ctx context.Context, recs []domain.CorrelationRecord) (int, error) {
	b := &pgx.Batch{}
	for _, r := range recs {
		b.Queue(upsertCorrelation,
			r.ObjectID, r.Callsign, r.ReportTime.UTC(), string(r.Cell),
			r.WeatherTime.UTC(), []byte(r.Observation), r.SummaryLabel)
	}
	n, err := s.sendBatch(ctx, b)
	if err != nil {
		return n, fmt.Errorf("upsert correlations: %w", err)
	}
	return n, nil
}

// Correlations reads stored records for one object, oldest first.
func (s *Store) Correlations(ctx context.Context, objectID string) ([]domain.CorrelationRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT icao24, COALESCE(callsign, ''), ts_state, h3_res6,
			weather_at, weather, COALESCE(weather_summary, '')
		FROM flight_weather_hits WHERE icao24 = $1 ORDER BY ts_state, h3_res6`, objectID)
	if err != nil {
		return nil, fmt.Errorf("read correlations: %w", err)
	}
	defer rows.Close()

	var out []domain.CorrelationRecord
	for rows.Next() {
		var (
			r    domain.CorrelationRecord
			cell string
			obs  []byte
		)
		if err := rows.Scan(&r.ObjectID, &r.Callsign, &r.ReportTime, &cell, &r.WeatherTime, &obs, &r.SummaryLabel); err != nil {
			return nil, fmt.Errorf("scan correlation: %w", err)
		}
		r.Cell = domain.Cell(cell)
		r.ReportTime = r.ReportTime.UTC()
		r.WeatherTime = r.WeatherTime.UTC()
		r.Observation = domain.Payload(obs)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- helpers ---

// sendBatch runs every queued statement and sums the affected rows.
func (s *Store) sendBatch(ctx context.Context, b *pgx.Batch) (int, error) {
	if b.Len() == 0 {
		return 0, nil
	}
	br := s.pool.SendBatch(ctx, b)
	total := 0
	for i := 0; i < b.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return total, err
		}
		total += int(tag.RowsAffected())
	}
	return total, br.Close()
}

func collectSamples(rows pgx.Rows) ([]domain.WeatherSample, error) {
	defer rows.Close()
	var out []domain.WeatherSample
	for rows.Next() {
		var (
			cell string
			at   time.Time
			obs  []byte
		)
		if err := rows.Scan(&cell, &at, &obs); err != nil {
			return nil, err
		}
		out = append(out, domain.WeatherSample{Cell: domain.Cell(cell), ObservedAt: at.UTC(), Observation: domain.Payload(obs)})
	}
	return out, rows.Err()
}

func nullJSON(p domain.Payload) any {
	if len(p) == 0 {
		return nil
	}
	return []byte(p)
}

func cellStrings(cells []domain.Cell) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = string(c)
	}
	return out
}

func toCells(ss []string) []domain.Cell {
	out := make([]domain.Cell, len(ss))
	for i, s := range ss {
		out[i] = domain.Cell(s)
	}
	return out
}
