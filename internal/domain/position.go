package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// OpenSky state-vector array positions.
const (
	svICAO24       = 0
	svCallsign     = 1
	svLongitude    = 5
	svLatitude     = 6
	svBaroAltitude = 7
	svOnGround     = 8
	svVelocity     = 9
	svTrueTrack    = 10
	svVerticalRate = 11
	svGeoAltitude  = 13
)

// RegionSnapshot is one collector pass over a region tile: the snapshot time
// reported by the provider plus the raw state vectors seen in the tile.
type RegionSnapshot struct {
	Region    string
	Time      time.Time
	FetchedAt time.Time
	States    [][]any
}

// PositionReport is a single object position, already cell-indexed.
type PositionReport struct {
	ObjectID     string
	Callsign     string
	ReportTime   time.Time
	Lat          float64
	Lon          float64
	Cell         Cell
	OnGround     *bool
	Velocity     *float64
	Heading      *float64
	VerticalRate *float64
	BaroAltitude *float64
	GeoAltitude  *float64
}

// ExtractStats counts why state vectors did not become reports.
type ExtractStats struct {
	States     int
	Reports    int
	Malformed  int // no object id
	NoPosition int // missing lat or lon
	Invalid    int // out-of-range or non-finite coordinates
	Duplicates int // same (object, time, cell) seen in an overlapping tile
}

// LatestPerRegion keeps only the newest snapshot for each region. When two
// snapshots share a time the later FetchedAt wins. Output is sorted by region.
func LatestPerRegion(snaps []RegionSnapshot) []RegionSnapshot {
	latest := make(map[string]RegionSnapshot, len(snaps))
	for _, s := range snaps {
		cur, ok := latest[s.Region]
		if !ok || s.Time.After(cur.Time) || (s.Time.Equal(cur.Time) && s.FetchedAt.After(cur.FetchedAt)) {
			latest[s.Region] = s
		}
	}
	out := make([]RegionSnapshot, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Region < out[j].Region })
	return out
}

// ExtractReports flattens snapshots into cell-indexed position reports.
// States without coordinates, or with coordinates that cannot be indexed,
// are dropped and counted. The snapshot time is the report time.
func ExtractReports(snaps []RegionSnapshot) ([]PositionReport, ExtractStats) {
	var stats ExtractStats
	type key struct {
		id   string
		t    int64
		cell Cell
	}
	seen := make(map[key]struct{})
	var out []PositionReport

	for _, snap := range snaps {
		for _, sv := range snap.States {
			stats.States++
			rep, err := reportFromVector(snap.Time, sv)
			if err != nil {
				stats.Malformed++
				continue
			}
			lat, lon := floatAt(sv, svLatitude), floatAt(sv, svLongitude)
			if lat == nil || lon == nil {
				stats.NoPosition++
				continue
			}
			cell, ok := CellFor(*lat, *lon)
			if !ok {
				stats.Invalid++
				continue
			}
			rep.Lat, rep.Lon, rep.Cell = *lat, *lon, cell

			k := key{id: rep.ObjectID, t: rep.ReportTime.UnixNano(), cell: cell}
			if _, dup := seen[k]; dup {
				stats.Duplicates++
				continue
			}
			seen[k] = struct{}{}
			out = append(out, rep)
		}
	}
	stats.Reports = len(out)
	return out, stats
}

func reportFromVector(t time.Time, sv []any) (PositionReport, error) {
	id := stringAt(sv, svICAO24)
	if id == "" {
		return PositionReport{}, fmt.Errorf("state vector without icao24")
	}
	return PositionReport{
		ObjectID:     strings.ToLower(id),
		Callsign:     stringAt(sv, svCallsign),
		ReportTime:   t.UTC(),
		OnGround:     boolAt(sv, svOnGround),
		Velocity:     floatAt(sv, svVelocity),
		Heading:      floatAt(sv, svTrueTrack),
		VerticalRate: floatAt(sv, svVerticalRate),
		BaroAltitude: floatAt(sv, svBaroAltitude),
		GeoAltitude:  floatAt(sv, svGeoAltitude),
	}, nil
}

func stringAt(sv []any, i int) string {
	if i >= len(sv) {
		return ""
	}
	s, ok := sv[i].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

func boolAt(sv []any, i int) *bool {
	if i >= len(sv) {
		return nil
	}
	b, ok := sv[i].(bool)
	if !ok {
		return nil
	}
	return &b
}

// floatAt accepts any numeric representation the document decoder may
// produce (BSON double, int32, int64) or that JSON fixtures carry.
func floatAt(sv []any, i int) *float64 {
	if i >= len(sv) {
		return nil
	}
	var f float64
	switch v := sv[i].(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	default:
		return nil
	}
	return &f
}
