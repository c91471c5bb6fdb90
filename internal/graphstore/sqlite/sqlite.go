// Package sqlite persists the dependency graph in an SQLite database, for
// build hosts that share one graph between several cache directories or
// want to query it with ordinary SQL tooling.
//
// Usage:
//
//	gs, err := sqlite.Open(".diagcache/graph.db")
//	graph, err := diagcache.OpenGraph(ctx, gs)
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gophersatwork/diagcache"
)

const schema = `
CREATE TABLE IF NOT EXISTS graph_records (
	output_id   TEXT PRIMARY KEY,
	recorded_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS graph_dependencies (
	output_id   TEXT NOT NULL REFERENCES graph_records(output_id) ON DELETE CASCADE,
	position    INTEGER NOT NULL,
	dep_id      TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	PRIMARY KEY (output_id, position)
);
CREATE INDEX IF NOT EXISTS idx_graph_dependencies_fp ON graph_dependencies(fingerprint);
`

// memoryPath opens a private in-memory database.
const memoryPath = ":memory:"

type config struct {
	busyTimeout int
	synchronous string
}

// Option customises Open.
type Option func(*config)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// Store is a diagcache.GraphStore backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

var _ diagcache.GraphStore = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
// path may be ":memory:" for tests.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := config{busyTimeout: 10_000, synchronous: "NORMAL"}
	for _, o := range opts {
		o(&cfg)
	}

	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, &diagcache.StorageError{Op: "open", Path: path, Err: err}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &diagcache.StorageError{Op: "open", Path: path, Err: err}
	}
	// Pragmas are per connection, and every connection to :memory: is a
	// separate database. The graph has a single writer anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		fmt.Sprintf("PRAGMA synchronous = %s", cfg.synchronous),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, &diagcache.StorageError{Op: "open", Path: path, Err: fmt.Errorf("%s: %w", p, err)}
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &diagcache.StorageError{Op: "open", Path: path, Err: fmt.Errorf("schema: %w", err)}
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

// LoadRecords returns every stored record with dependencies in recorded order.
func (s *Store) LoadRecords(ctx context.Context) ([]diagcache.DependencyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.output_id, r.recorded_at, d.dep_id, d.fingerprint
		FROM graph_records r
		LEFT JOIN graph_dependencies d ON d.output_id = r.output_id
		ORDER BY r.output_id, d.position`)
	if err != nil {
		return nil, s.wrap("load", err)
	}
	defer rows.Close()

	var records []diagcache.DependencyRecord
	for rows.Next() {
		var (
			outputID   string
			recordedAt int64
			depID      sql.NullString
			fp         sql.NullString
		)
		if err := rows.Scan(&outputID, &recordedAt, &depID, &fp); err != nil {
			return nil, s.wrap("load", err)
		}

		if n := len(records); n == 0 || records[n-1].OutputID != outputID {
			records = append(records, diagcache.DependencyRecord{
				OutputID:   outputID,
				RecordedAt: time.Unix(0, recordedAt).UTC(),
			})
		}
		if depID.Valid {
			last := &records[len(records)-1]
			last.Dependencies = append(last.Dependencies, diagcache.Dependency{
				ID:          depID.String,
				Fingerprint: diagcache.Fingerprint(fp.String),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("load", err)
	}
	return records, nil
}

// SaveRecords replaces the stored graph with records in one transaction.
func (s *Store) SaveRecords(ctx context.Context, records []diagcache.DependencyRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("save", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"graph_dependencies", "graph_records"} {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return s.wrap("save", err)
		}
	}

	recStmt, err := tx.PrepareContext(ctx, `INSERT INTO graph_records (output_id, recorded_at) VALUES (?, ?)`)
	if err != nil {
		return s.wrap("save", err)
	}
	defer recStmt.Close()

	depStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO graph_dependencies (output_id, position, dep_id, fingerprint) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return s.wrap("save", err)
	}
	defer depStmt.Close()

	for _, rec := range records {
		if _, err = recStmt.ExecContext(ctx, rec.OutputID, rec.RecordedAt.UnixNano()); err != nil {
			return s.wrap("save", fmt.Errorf("record %s: %w", rec.OutputID, err))
		}
		for i, d := range rec.Dependencies {
			if _, err = depStmt.ExecContext(ctx, rec.OutputID, i, d.ID, string(d.Fingerprint)); err != nil {
				return s.wrap("save", fmt.Errorf("record %s: %w", rec.OutputID, err))
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return s.wrap("save", err)
	}
	return nil
}

// OutputsDependingOn queries the outputs that recorded fp, sorted. It reads
// the persisted state, not pending in-memory changes.
func (s *Store) OutputsDependingOn(ctx context.Context, fp diagcache.Fingerprint) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT output_id FROM graph_dependencies WHERE fingerprint = ? ORDER BY output_id`, string(fp))
	if err != nil {
		return nil, s.wrap("query", err)
	}
	defer rows.Close()

	var outs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, s.wrap("query", err)
		}
		outs = append(outs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("query", err)
	}
	return outs, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return s.wrap("close", err)
	}
	return nil
}

func (s *Store) wrap(op string, err error) error {
	var se *diagcache.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &diagcache.StorageError{Op: op, Path: s.path, Err: err}
}
