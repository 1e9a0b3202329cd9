// Package journal keeps an append-only SQLite record of every visit the
// instrument performs. Position metadata stays the source of truth; the
// journal answers operational questions such as duty cycle across runs.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS visits (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	timepoint TEXT NOT NULL,
	position TEXT NOT NULL,
	visit INTEGER NOT NULL,
	final INTEGER NOT NULL DEFAULT 0,
	focus_source TEXT NOT NULL DEFAULT '',
	z REAL NOT NULL DEFAULT 0,
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_visits_position ON visits(position, started_at);
CREATE INDEX IF NOT EXISTS idx_visits_window ON visits(started_at, finished_at);
`

// Entry is one visit. Times are stored with millisecond precision.
type Entry struct {
	ID          string
	RunID       string
	Timepoint   string
	Position    string
	Visit       int
	Final       bool
	FocusSource string
	Z           float64
	StartedAt   time.Time
	FinishedAt  time.Time
}

func (e Entry) Duration() time.Duration { return e.FinishedAt.Sub(e.StartedAt) }

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate journal schema: %w", err)
	}
	return nil
}

// RecordVisit inserts e, assigning an ID when it has none, and returns the ID.
func (s *Store) RecordVisit(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Position == "" || e.Visit < 1 {
		return "", fmt.Errorf("record visit: position and visit >= 1 required")
	}
	if e.FinishedAt.Before(e.StartedAt) {
		return "", fmt.Errorf("record visit %s/%d: finished before started", e.Position, e.Visit)
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO visits(
			id, run_id, timepoint, position, visit, final, focus_source, z, started_at, finished_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.Timepoint, e.Position, e.Visit, boolToInt(e.Final), e.FocusSource, e.Z,
		e.StartedAt.UnixMilli(), e.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("record visit: %w", err)
	}
	return e.ID, nil
}

const selectColumns = `SELECT id, run_id, timepoint, position, visit, final, focus_source, z, started_at, finished_at FROM visits`

// ListVisits returns visits in start order. An empty timepoint lists every
// timepoint; limit <= 0 means no limit.
func (s *Store) ListVisits(ctx context.Context, timepoint string, limit int) ([]Entry, error) {
	query := selectColumns
	var args []any
	if timepoint != "" {
		query += ` WHERE timepoint = ?`
		args = append(args, timepoint)
	}
	query += ` ORDER BY started_at ASC, visit ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// LastVisit returns the most recently started visit of position.
func (s *Store) LastVisit(ctx context.Context, position string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE position = ? ORDER BY started_at DESC, visit DESC LIMIT 1`, position)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("last visit: %w", err)
	}
	return e, true, nil
}

// DutyCycle returns the fraction of [since, until) the instrument spent
// inside visits. Overlapping visits are not expected and are counted twice.
func (s *Store) DutyCycle(ctx context.Context, since, until time.Time) (float64, error) {
	window := until.Sub(since)
	if window <= 0 {
		return 0, fmt.Errorf("duty cycle: empty window")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT started_at, finished_at FROM visits WHERE finished_at > ? AND started_at < ?`,
		since.UnixMilli(), until.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("duty cycle: %w", err)
	}
	defer rows.Close()

	var busy time.Duration
	for rows.Next() {
		var started, finished int64
		if err := rows.Scan(&started, &finished); err != nil {
			return 0, fmt.Errorf("scan visit window: %w", err)
		}
		a := time.UnixMilli(started)
		b := time.UnixMilli(finished)
		if a.Before(since) {
			a = since
		}
		if b.After(until) {
			b = until
		}
		busy += b.Sub(a)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate visit windows: %w", err)
	}
	return float64(busy) / float64(window), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	var final int
	var started, finished int64
	if err := row.Scan(&e.ID, &e.RunID, &e.Timepoint, &e.Position, &e.Visit, &final, &e.FocusSource, &e.Z, &started, &finished); err != nil {
		return Entry{}, err
	}
	e.Final = final != 0
	e.StartedAt = time.UnixMilli(started).UTC()
	e.FinishedAt = time.UnixMilli(finished).UTC()
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	result := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate visits: %w", err)
	}
	return result, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
