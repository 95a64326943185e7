package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/couchcryptid/flight-weather-etl/internal/domain"
)

// SeedReport is the outcome of one seed pass.
type SeedReport struct {
	Rows     int
	Invalid  int
	Cells    int // distinct cells after indexing
	Inserted int // cells that had no curated row
}

func (r SeedReport) String() string {
	return fmt.Sprintf("rows=%d invalid=%d cells=%d inserted=%d", r.Rows, r.Invalid, r.Cells, r.Inserted)
}

// Seeder registers cells from a list of points so refresh will pick them up.
type Seeder struct {
	curated CuratedStore
	env     Env
}

// NewSeeder creates a Seeder.
func NewSeeder(curated CuratedStore, env Env) *Seeder {
	return &Seeder{curated: curated, env: env.withDefaults()}
}

// SeedPoints reads lat,lon rows from CSV and inserts a never-fetched curated
// row for every new cell. A header row is detected by name ("lat"/"latitude",
// "lon"/"lng"/"longitude") and may put the columns in any order. Without one,
// the first two columns are lat then lon. Unparseable or out-of-range rows are
// counted and skipped. Existing curated rows are left untouched.
func (s *Seeder) SeedPoints(ctx context.Context, r io.Reader) (report SeedReport, err error) {
	env := s.env
	log := env.Logger.With("job", JobSeed)
	defer env.track(JobSeed, env.Clock.Now(), &err)

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	latCol, lonCol := 0, 1
	first := true
	var cells []domain.Cell
	for {
		rec, rerr := cr.Read()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			var perr *csv.ParseError
			if errors.As(rerr, &perr) {
				first = false
				report.Rows++
				report.Invalid++
				continue
			}
			return report, fmt.Errorf("read points: %w", rerr)
		}

		if first {
			first = false
			if la, lo, ok := headerColumns(rec); ok {
				latCol, lonCol = la, lo
				continue
			}
		}

		report.Rows++
		cell, ok := pointCell(rec, latCol, lonCol)
		if !ok {
			report.Invalid++
			log.Debug("skipping invalid point", "row", report.Rows, "record", rec)
			continue
		}
		cells = append(cells, cell)
	}

	cells = domain.UniqueCells(cells)
	report.Cells = len(cells)
	for _, chunk := range chunks(cells, env.BatchSize) {
		n, err := s.curated.SeedCells(ctx, chunk)
		if err != nil {
			return report, fmt.Errorf("seed cells: %w", err)
		}
		report.Inserted += n
	}

	log.Info("seed finished", "rows", report.Rows, "invalid", report.Invalid, "cells", report.Cells, "inserted", report.Inserted)
	return report, nil
}

func headerColumns(rec []string) (lat, lon int, ok bool) {
	lat, lon = -1, -1
	for i, f := range rec {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case "lat", "latitude":
			lat = i
		case "lon", "lng", "long", "longitude":
			lon = i
		}
	}
	if lat >= 0 && lon >= 0 {
		return lat, lon, true
	}
	return 0, 1, false
}

func pointCell(rec []string, latCol, lonCol int) (domain.Cell, bool) {
	if latCol >= len(rec) || lonCol >= len(rec) {
		return "", false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(rec[latCol]), 64)
	if err != nil {
		return "", false
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(rec[lonCol]), 64)
	if err != nil {
		return "", false
	}
	return domain.CellFor(lat, lon)
}
