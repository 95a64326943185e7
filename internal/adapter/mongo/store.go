// Package mongo reads and writes the document side of the pipeline: the
// append-only log of provider responses and the position snapshots written by
// the collector.
package mongo

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/couchcryptid/flight-weather-etl/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Config names the database and collections.
type Config struct {
	URI                string
	Database           string
	RawCollection      string
	SnapshotCollection string
	ConnectTimeout     time.Duration
}

// Store holds one client and both collections.
type Store struct {
	client    *mongo.Client
	raw       *mongo.Collection
	snapshots *mongo.Collection
}

// Open connects, pings and makes sure the indexes exist.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:    client,
		raw:       db.Collection(cfg.RawCollection),
		snapshots: db.Collection(cfg.SnapshotCollection),
	}
	if err := s.ensureIndexes(cctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.raw.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "h3_res6", Value: 1}, {Key: "fetched_at", Value: -1}}, Options: options.Index().SetName("cell_fetched_at")},
		{Keys: bson.D{{Key: "fetched_at", Value: -1}}, Options: options.Index().SetName("fetched_at")},
	}); err != nil {
		return fmt.Errorf("mongo raw indexes: %w", err)
	}
	if _, err := s.snapshots.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "fetched_at", Value: -1}}, Options: options.Index().SetName("fetched_at")},
		{Keys: bson.D{{Key: "time", Value: -1}}, Options: options.Index().SetName("time")},
		{Keys: bson.D{{Key: "bbox_id", Value: 1}, {Key: "time", Value: -1}}, Options: options.Index().SetName("bbox_time")},
	}); err != nil {
		return fmt.Errorf("mongo snapshot indexes: %w", err)
	}
	return nil
}

// --- raw log ---

type rawDoc struct {
	Cell      string    `bson:"h3_res6"`
	FetchedAt time.Time `bson:"fetched_at"`
	Lat       float64   `bson:"lat"`
	Lon       float64   `bson:"lon"`
	Units     string    `bson:"units"`
	Source    string    `bson:"source"`
	RunID     string    `bson:"run_id,omitempty"`
	Payload   bson.Raw  `bson:"payload"`
}

// AppendRaw implements pipeline.RawLog. Payloads are stored as documents so
// they stay queryable.
func (s *Store) AppendRaw(ctx context.Context, obs []domain.RawObservation) error {
	if len(obs) == 0 {
		return nil
	}
	docs := make([]any, 0, len(obs))
	for _, o := range obs {
		var payload bson.Raw
		if err := bson.UnmarshalExtJSON(o.Payload, false, &payload); err != nil {
			return fmt.Errorf("convert payload for %s: %w", o.Cell, err)
		}
		docs = append(docs, rawDoc{
			Cell:      string(o.Cell),
			FetchedAt: o.FetchedAt.UTC(),
			Lat:       o.Lat,
			Lon:       o.Lon,
			Units:     o.Units,
			Source:    o.Source,
			RunID:     o.RunID,
			Payload:   payload,
		})
	}
	if _, err := s.raw.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil {
		return fmt.Errorf("insert raw observations: %w", err)
	}
	return nil
}

// LatestRaw implements pipeline.RawLog.
func (s *Store) LatestRaw(ctx context.Context, cells []domain.Cell) ([]domain.RawObservation, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	ids := make([]string, len(cells))
	for i, c := range cells {
		ids[i] = string(c)
	}
	pipe := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "h3_res6", Value: bson.D{{Key: "$in", Value: ids}}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "h3_res6", Value: 1}, {Key: "fetched_at", Value: -1}}}},
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$h3_res6"}, {Key: "doc", Value: bson.D{{Key: "$first", Value: "$$ROOT"}}}}}},
		{{Key: "$replaceRoot", Value: bson.D{{Key: "newRoot", Value: "$doc"}}}},
		{{Key: "$sort", Value: bson.D{{Key: "h3_res6", Value: 1}}}},
	}
	cur, err := s.raw.Aggregate(ctx, pipe, options.Aggregate().SetAllowDiskUse(true))
	if err != nil {
		return nil, fmt.Errorf("aggregate latest raw: %w", err)
	}
	var docs []rawDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode latest raw: %w", err)
	}

	out := make([]domain.RawObservation, 0, len(docs))
	for _, d := range docs {
		payload, err := bson.MarshalExtJSON(d.Payload, false, false)
		if err != nil {
			return nil, fmt.Errorf("render payload for %s: %w", d.Cell, err)
		}
		out = append(out, domain.RawObservation{
			Cell:      domain.Cell(d.Cell),
			FetchedAt: d.FetchedAt.UTC(),
			Lat:       d.Lat,
			Lon:       d.Lon,
			Units:     d.Units,
			Source:    d.Source,
			RunID:     d.RunID,
			Payload:   domain.Payload(payload),
		})
	}
	return out, nil
}

// PurgeRaw implements pipeline.RawLog.
func (s *Store) PurgeRaw(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.raw.DeleteMany(ctx, bson.D{{Key: "fetched_at", Value: bson.D{{Key: "$lt", Value: before.UTC()}}}})
	if err != nil {
		return 0, fmt.Errorf("purge raw observations: %w", err)
	}
	return res.DeletedCount, nil
}

// --- snapshots ---

// snapshotDoc is one collector document. time is the provider's snapshot
// epoch in seconds and may arrive as any BSON number.
type snapshotDoc struct {
	Region    string    `bson:"bbox_id"`
	Time      any       `bson:"time"`
	FetchedAt time.Time `bson:"fetched_at"`
	States    [][]any   `bson:"states"`
}

func (d snapshotDoc) snapshot() domain.RegionSnapshot {
	snap := domain.RegionSnapshot{
		Region:    d.Region,
		FetchedAt: d.FetchedAt.UTC(),
		States:    d.States,
	}
	if t, ok := epochTime(d.Time); ok {
		snap.Time = t
	} else {
		snap.Time = snap.FetchedAt
	}
	return snap
}

func epochTime(v any) (time.Time, bool) {
	switch n := v.(type) {
	case int32:
		return time.Unix(int64(n), 0).UTC(), true
	case int64:
		return time.Unix(n, 0).UTC(), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return time.Time{}, false
		}
		sec, frac := math.Modf(n)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	case primitive.DateTime:
		return n.Time().UTC(), true
	}
	return time.Time{}, false
}

// AppendSnapshots writes collector documents. Used by the integration tests
// and by anything that replays captured snapshots.
func (s *Store) AppendSnapshots(ctx context.Context, snaps []domain.RegionSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	docs := make([]any, 0, len(snaps))
	for _, snap := range snaps {
		docs = append(docs, snapshotDoc{
			Region:    snap.Region,
			Time:      snap.Time.Unix(),
			FetchedAt: snap.FetchedAt.UTC(),
			States:    snap.States,
		})
	}
	if _, err := s.snapshots.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert position snapshots: %w", err)
	}
	return nil
}

// LatestSnapshots implements pipeline.SnapshotSource.
func (s *Store) LatestSnapshots(ctx context.Context) ([]domain.RegionSnapshot, error) {
	pipe := mongo.Pipeline{
		{{Key: "$sort", Value: bson.D{{Key: "bbox_id", Value: 1}, {Key: "time", Value: -1}, {Key: "fetched_at", Value: -1}}}},
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$bbox_id"}, {Key: "doc", Value: bson.D{{Key: "$first", Value: "$$ROOT"}}}}}},
		{{Key: "$replaceRoot", Value: bson.D{{Key: "newRoot", Value: "$doc"}}}},
	}
	cur, err := s.snapshots.Aggregate(ctx, pipe, options.Aggregate().SetAllowDiskUse(true))
	if err != nil {
		return nil, fmt.Errorf("aggregate latest snapshots: %w", err)
	}
	snaps, err := decodeSnapshots(ctx, cur)
	if err != nil {
		return nil, err
	}
	return domain.LatestPerRegion(snaps), nil
}

// SnapshotsSince implements pipeline.SnapshotSource.
func (s *Store) SnapshotsSince(ctx context.Context, since time.Time) ([]domain.RegionSnapshot, error) {
	filter := bson.D{{Key: "time", Value: bson.D{{Key: "$gte", Value: since.Unix()}}}}
	opts := options.Find().SetSort(bson.D{{Key: "time", Value: 1}, {Key: "bbox_id", Value: 1}})
	cur, err := s.snapshots.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find snapshots since %s: %w", since.Format(time.RFC3339), err)
	}
	return decodeSnapshots(ctx, cur)
}

// PurgeSnapshots implements pipeline.SnapshotSource.
func (s *Store) PurgeSnapshots(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.snapshots.DeleteMany(ctx, bson.D{{Key: "fetched_at", Value: bson.D{{Key: "$lt", Value: before.UTC()}}}})
	if err != nil {
		return 0, fmt.Errorf("purge position snapshots: %w", err)
	}
	return res.DeletedCount, nil
}

func decodeSnapshots(ctx context.Context, cur *mongo.Cursor) ([]domain.RegionSnapshot, error) {
	defer cur.Close(ctx)
	var out []domain.RegionSnapshot
	for cur.Next(ctx) {
		var d snapshotDoc
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("decode position snapshot: %w", err)
		}
		out = append(out, d.snapshot())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("read position snapshots: %w", err)
	}
	return out, nil
}
