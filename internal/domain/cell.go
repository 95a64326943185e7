package domain

import (
	"fmt"
	"math"

	h3 "github.com/uber/h3-go/v4"
)

// Resolution is the H3 resolution every stored cell identifier is built at.
// Changing it invalidates all persisted cells (curated rows, history, hits).
const Resolution = 6

// Cell is an H3 cell identifier in its canonical hex string form.
type Cell string

// ValidCoordinates reports whether lat/lon are finite and inside WGS-84 bounds.
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return math.Abs(lat) <= 90 && math.Abs(lon) <= 180
}

// IndexAt maps a coordinate to its cell at the given resolution.
// Non-finite or out-of-range coordinates yield ErrInvalidCoordinates.
func IndexAt(lat, lon float64, res int) (Cell, error) {
	if !ValidCoordinates(lat, lon) {
		return "", fmt.Errorf("%w: (%v, %v)", ErrInvalidCoordinates, lat, lon)
	}
	c, err := h3.LatLngToCell(h3.NewLatLng(lat, lon), res)
	if err != nil {
		return "", fmt.Errorf("%w: (%v, %v): %v", ErrInvalidCoordinates, lat, lon, err)
	}
	return Cell(c.String()), nil
}

// CellFor indexes a coordinate at the system Resolution. The boolean is false
// when the coordinate cannot be indexed ("no cell").
func CellFor(lat, lon float64) (Cell, bool) {
	c, err := IndexAt(lat, lon, Resolution)
	if err != nil {
		return "", false
	}
	return c, true
}

// CellCenter returns the centroid of a stored cell. Cells that do not parse,
// are not valid H3 indexes, or were built at a different resolution are
// rejected with ErrInvalidCell.
func CellCenter(c Cell) (lat, lon float64, err error) {
	idx := h3.Cell(h3.IndexFromString(string(c)))
	if !idx.IsValid() {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidCell, c)
	}
	if r := idx.Resolution(); r != Resolution {
		return 0, 0, fmt.Errorf("%w: %q has resolution %d, want %d", ErrInvalidCell, c, r, Resolution)
	}
	ll, err := h3.CellToLatLng(idx)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q: %v", ErrInvalidCell, c, err)
	}
	if !ValidCoordinates(ll.Lat, ll.Lng) {
		return 0, 0, fmt.Errorf("%w: %q has non-finite center", ErrInvalidCell, c)
	}
	return ll.Lat, ll.Lng, nil
}

// UniqueCells returns the distinct cells in first-seen order.
func UniqueCells(cells []Cell) []Cell {
	seen := make(map[Cell]struct{}, len(cells))
	out := make([]Cell, 0, len(cells))
	for _, c := range cells {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
