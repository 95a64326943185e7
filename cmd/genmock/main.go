// Command genmock generates synthetic position snapshots shaped like the
// OpenSky state-vector collector output, for local runs of the correlate job
// and for fixtures. It can write a JSON fixture, a lat,lon points CSV for
// `flightwx seed`, and load the snapshots straight into MongoDB.
//
// Usage:
//
//	go run ./cmd/genmock \
//	  -regions conus-west,conus-east \
//	  -aircraft 40 -span 1h -step 10m \
//	  -json-out data/mock/snapshots.json \
//	  -points-out data/mock/points.csv \
//	  -mongo-uri mongodb://localhost:27017
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/flight-weather-etl/internal/adapter/mongo"
	"github.com/couchcryptid/flight-weather-etl/internal/domain"
)

type bbox struct {
	minLat, minLon, maxLat, maxLon float64
}

var knownRegions = map[string]bbox{
	"conus-west": {minLat: 32, minLon: -124, maxLat: 49, maxLon: -104},
	"conus-east": {minLat: 25, minLon: -90, maxLat: 45, maxLon: -67},
	"europe":     {minLat: 36, minLon: -10, maxLat: 60, maxLon: 25},
	"japan":      {minLat: 30, minLon: 129, maxLat: 45, maxLon: 146},
}

type options struct {
	regions  []string
	aircraft int
	span     time.Duration
	step     time.Duration
	end      time.Time
	seed     int64
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	regions := flag.String("regions", "conus-west,conus-east", "comma-separated region names ("+strings.Join(regionNames(), ", ")+")")
	aircraft := flag.Int("aircraft", 40, "aircraft per region")
	span := flag.Duration("span", time.Hour, "time covered by the generated snapshots")
	step := flag.Duration("step", 10*time.Minute, "interval between snapshots")
	seed := flag.Int64("seed", 1, "random seed")
	jsonOut := flag.String("json-out", "", "output path for the JSON snapshot fixture")
	pointsOut := flag.String("points-out", "", "output path for a lat,lon points CSV")
	mongoURI := flag.String("mongo-uri", "", "MongoDB URI to load the snapshots into")
	mongoDB := flag.String("mongo-db", "aeropulse", "MongoDB database")
	mongoColl := flag.String("mongo-collection", "opensky_states_raw", "MongoDB snapshot collection")
	flag.Parse()

	if *jsonOut == "" && *pointsOut == "" && *mongoURI == "" {
		flag.Usage()
		return errors.New("nothing to do: set at least one of -json-out, -points-out, -mongo-uri")
	}

	opts := options{
		regions:  splitList(*regions),
		aircraft: *aircraft,
		span:     *span,
		step:     *step,
		end:      time.Now().UTC().Truncate(*step),
		seed:     *seed,
	}
	snaps, err := generate(opts)
	if err != nil {
		return err
	}
	log.Printf("generated %d snapshots", len(snaps))

	if *jsonOut != "" {
		if err := writeJSON(*jsonOut, snaps); err != nil {
			return fmt.Errorf("writing JSON fixture: %w", err)
		}
		log.Printf("wrote JSON fixture: %s", *jsonOut)
	}

	if *pointsOut != "" {
		if err := writePoints(*pointsOut, snaps); err != nil {
			return fmt.Errorf("writing points: %w", err)
		}
		log.Printf("wrote points: %s", *pointsOut)
	}

	if *mongoURI != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		store, err := mongo.Open(ctx, mongo.Config{
			URI:                *mongoURI,
			Database:           *mongoDB,
			RawCollection:      "weather_current_raw",
			SnapshotCollection: *mongoColl,
		})
		if err != nil {
			return err
		}
		defer func() { _ = store.Close(context.Background()) }()
		if err := store.AppendSnapshots(ctx, snaps); err != nil {
			return fmt.Errorf("loading snapshots: %w", err)
		}
		log.Printf("loaded %d snapshots into %s.%s", len(snaps), *mongoDB, *mongoColl)
	}

	printStats(snaps)
	return nil
}

// generate flies opts.aircraft straight-line tracks inside each region and
// samples them every opts.step up to opts.end. Output is deterministic for a
// given seed.
func generate(opts options) ([]domain.RegionSnapshot, error) {
	if opts.step <= 0 || opts.span < 0 {
		return nil, errors.New("step must be positive and span non-negative")
	}
	if len(opts.regions) == 0 {
		return nil, errors.New("no regions")
	}
	rng := rand.New(rand.NewSource(opts.seed)) //nolint:gosec // fixture data

	steps := int(opts.span/opts.step) + 1
	start := opts.end.Add(-time.Duration(steps-1) * opts.step)

	var snaps []domain.RegionSnapshot
	for _, name := range opts.regions {
		box, ok := knownRegions[name]
		if !ok {
			return nil, fmt.Errorf("unknown region %q", name)
		}
		tracks := make([]track, opts.aircraft)
		for i := range tracks {
			tracks[i] = newTrack(rng, box)
		}
		for s := range steps {
			at := start.Add(time.Duration(s) * opts.step)
			elapsed := at.Sub(start)
			states := make([][]any, 0, len(tracks))
			for i := range tracks {
				states = append(states, tracks[i].vector(elapsed, at))
			}
			snaps = append(snaps, domain.RegionSnapshot{
				Region:    name,
				Time:      at,
				FetchedAt: at.Add(2 * time.Second),
				States:    states,
			})
		}
	}
	return snaps, nil
}

type track struct {
	icao24   string
	callsign string
	lat, lon float64
	heading  float64 // degrees
	speed    float64 // m/s
	altitude float64 // m
	onGround bool
}

func newTrack(rng *rand.Rand, box bbox) track {
	t := track{
		icao24:   fmt.Sprintf("%06x", rng.Intn(0xffffff)),
		callsign: fmt.Sprintf("%s%d  ", []string{"UAL", "DAL", "AAL", "SWA", "DLH", "JAL"}[rng.Intn(6)], 100+rng.Intn(900)),
		lat:      box.minLat + rng.Float64()*(box.maxLat-box.minLat),
		lon:      box.minLon + rng.Float64()*(box.maxLon-box.minLon),
		heading:  rng.Float64() * 360,
		speed:    180 + rng.Float64()*80,
		altitude: 9000 + rng.Float64()*3000,
	}
	if rng.Intn(10) == 0 {
		t.onGround, t.speed, t.altitude = true, 0, 0
	}
	return t
}

// vector returns the OpenSky state array for the aircraft after elapsed.
func (t *track) vector(elapsed time.Duration, at time.Time) []any {
	const metersPerDegree = 111_320.0
	dist := t.speed * elapsed.Seconds()
	rad := t.heading * math.Pi / 180
	lat := t.lat + dist*math.Cos(rad)/metersPerDegree
	lon := t.lon + dist*math.Sin(rad)/(metersPerDegree*math.Cos(t.lat*math.Pi/180))
	lat = math.Max(-89.9, math.Min(89.9, lat))
	lon = math.Mod(lon+540, 360) - 180

	ts := at.Unix()
	return []any{
		t.icao24, t.callsign, "United States", ts, ts,
		round(lon, 4), round(lat, 4), round(t.altitude, 1), t.onGround,
		round(t.speed, 2), round(t.heading, 2), 0.0, nil,
		round(t.altitude+120, 1), nil, false, 0,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

type fixtureSnapshot struct {
	Region    string  `json:"bbox_id"`
	Time      int64   `json:"time"`
	FetchedAt string  `json:"fetched_at"`
	States    [][]any `json:"states"`
}

func writeJSON(path string, snaps []domain.RegionSnapshot) error {
	out := make([]fixtureSnapshot, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, fixtureSnapshot{
			Region:    s.Region,
			Time:      s.Time.Unix(),
			FetchedAt: s.FetchedAt.Format(time.RFC3339),
			States:    s.States,
		})
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644) //nolint:gosec // fixture file
}

// writePoints emits one lat,lon row per generated report so the seed job can
// register the cells the aircraft fly through.
func writePoints(path string, snaps []domain.RegionSnapshot) error {
	reports, _ := domain.ExtractReports(snaps)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"lat", "lon"}); err != nil {
		return err
	}
	for _, r := range reports {
		row := []string{strconv.FormatFloat(r.Lat, 'f', 4, 64), strconv.FormatFloat(r.Lon, 'f', 4, 64)}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func printStats(snaps []domain.RegionSnapshot) {
	reports, stats := domain.ExtractReports(snaps)
	cells := map[domain.Cell]struct{}{}
	for _, r := range reports {
		cells[r.Cell] = struct{}{}
	}
	fmt.Printf("\nState vectors: %d\n", stats.States)
	fmt.Printf("Position reports: %d\n", stats.Reports)
	fmt.Printf("Distinct res-6 cells: %d\n", len(cells))
	fmt.Printf("Dropped: malformed=%d no_position=%d invalid=%d duplicates=%d\n",
		stats.Malformed, stats.NoPosition, stats.Invalid, stats.Duplicates)
}

func regionNames() []string {
	names := make([]string, 0, len(knownRegions))
	for n := range knownRegions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
