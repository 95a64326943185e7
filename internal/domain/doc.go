// Package domain models cell-indexed weather observations, aircraft position
// reports and the temporal join between them.
//
// # Spatial Index
//
// Every location is reduced to an H3 cell at resolution 6 (roughly 36 km²
// per hexagon). Cells are stored as their canonical lowercase hex string,
// for example "861f1d4a7ffffff". The resolution is a constant: curated rows,
// history rows and correlation records all key on it, so changing it
// invalidates every persisted cell. See [Resolution].
//
// Coordinates that are NaN, infinite, or outside [-90, 90] / [-180, 180]
// never produce a cell ("no cell"). A stored cell that does not parse or was
// built at another resolution is rejected by [CellCenter] with [ErrInvalidCell].
//
// # Weather Conventions
//
// Observations are OpenWeather current-conditions responses kept verbatim.
// The only field the pipeline interprets is the coarse label:
//
//	{"weather": [{"main": "Clouds", ...}], ...}  →  "Clouds"
//
// The raw log is append-only. The curated table holds one row per cell whose
// last_updated only moves forward; a NULL last_updated marks a seeded cell
// that was never fetched and sorts first for refresh. See [SelectStale].
//
// # Position Reports
//
// Position snapshots arrive as OpenSky state vectors, positional arrays:
//
//	[0] icao24   [1] callsign   [5] longitude   [6] latitude
//	[7] baro_alt [8] on_ground  [9] velocity    [10] true_track
//	[11] vertical_rate          [13] geo_alt
//
// The snapshot time is the report time for every vector in it. Vectors
// without an icao24 or without coordinates are dropped and counted. Adjacent
// region tiles overlap, so the same (object, time, cell) can appear twice and
// is kept once.
//
// # Temporal Join
//
// [Join] matches each report to the nearest-in-time sample in the same cell.
// The match window is inclusive: a gap exactly equal to the tolerance still
// matches. Equidistant samples resolve to the earlier one. Samples sharing a
// (cell, time) collapse to the one with the smallest payload bytes, so the
// join is a pure function of its inputs.
//
// # Identity
//
// A correlation record is identified by (icao24, report time, cell). Stores
// upsert on that key so re-running a join over the same inputs converges to
// the same rows.
package domain
