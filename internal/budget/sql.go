package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// SQL dialects understood by SQLLedger.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

const createLedgerTable = `CREATE TABLE IF NOT EXISTS budget_ledger (
	day  TEXT PRIMARY KEY,
	used INTEGER NOT NULL DEFAULT 0
)`

// SQLLedger keeps one row per UTC day in a relational table. Increments are a
// single upsert statement, so concurrent runs never lose an update.
type SQLLedger struct {
	db      *sql.DB
	dialect string
}

// NewSQLLedger wraps db and creates the ledger table if needed.
func NewSQLLedger(ctx context.Context, db *sql.DB, dialect string) (*SQLLedger, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported budget ledger dialect %q", dialect)
	}
	if _, err := db.ExecContext(ctx, createLedgerTable); err != nil {
		return nil, fmt.Errorf("create budget_ledger: %w", err)
	}
	return &SQLLedger{db: db, dialect: dialect}, nil
}

// OpenSQLite opens (creating if needed) a SQLite ledger database at path.
func OpenSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	return db, nil
}

// Used implements Ledger.
func (l *SQLLedger) Used(ctx context.Context, day string) (int, error) {
	var used int
	err := l.db.QueryRowContext(ctx, l.rebind(`SELECT used FROM budget_ledger WHERE day = ?`), day).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return used, nil
}

// Add implements Ledger.
func (l *SQLLedger) Add(ctx context.Context, day string, n int) (int, error) {
	const q = `INSERT INTO budget_ledger (day, used) VALUES (?, ?)
ON CONFLICT (day) DO UPDATE SET used = budget_ledger.used + excluded.used
RETURNING used`
	var used int
	if err := l.db.QueryRowContext(ctx, l.rebind(q), day, n).Scan(&used); err != nil {
		return 0, err
	}
	return used, nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (l *SQLLedger) rebind(q string) string {
	if l.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
