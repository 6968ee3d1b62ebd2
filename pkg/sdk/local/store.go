// Package local is the client's on-device usage store: per (host, date)
// accumulators in SQLite plus a small key-value table for engine state.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/nicktill/tinysync/pkg/rows"
)

// ErrNotFound is returned by Get for an unknown (host, date)
var ErrNotFound = errors.New("row not found")

const queueKey = "sync_queue"

// Listener observes every accumulated delta
type Listener func(delta rows.Row)

// Entry is a local row with the time it last changed (epoch ms)
type Entry struct {
	rows.Row
	LastModified int64 `json:"lastModified"`
}

// MergeFunc resolves the stored entry (nil when absent) against a remote
// row. It returns the row to store, its last-modified time and whether
// anything changed.
type MergeFunc func(existing *Entry) (rows.Row, int64, bool)

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the local accumulator
type Store struct {
	db  *sql.DB
	now func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// Open opens (or creates) the database at path. ":memory:" is accepted for
// tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	log.WithField("path", path).Debug("Local usage store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage (
		host TEXT NOT NULL,
		date TEXT NOT NULL,
		focus INTEGER NOT NULL DEFAULT 0,
		time INTEGER NOT NULL DEFAULT 0,
		run INTEGER,
		last_modified INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (host, date)
	);

	CREATE INDEX IF NOT EXISTS idx_usage_date ON usage(date);

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// AddListener registers fn to be called after every Accumulate.
func (s *Store) AddListener(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Get returns the local row for (host, date) or ErrNotFound.
func (s *Store) Get(ctx context.Context, host, date string) (*Entry, error) {
	return getEntry(ctx, s.db, host, date)
}

func getEntry(ctx context.Context, q querier, host, date string) (*Entry, error) {
	var e Entry
	var run sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT host, date, focus, time, run, last_modified FROM usage WHERE host = ? AND date = ?`,
		host, date,
	).Scan(&e.Host, &e.Date, &e.Focus, &e.Time, &run, &e.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	if run.Valid {
		v := uint64(run.Int64)
		e.Run = &v
	}
	return &e, nil
}

// Accumulate adds delta to the (host, date) row, creating it if needed,
// then notifies listeners with the delta.
func (s *Store) Accumulate(ctx context.Context, delta rows.Row) error {
	if err := delta.Validate(); err != nil {
		return err
	}
	var run interface{}
	if delta.Run != nil {
		run = int64(*delta.Run)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage (host, date, focus, time, run, last_modified)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(host, date) DO UPDATE SET
			focus = focus + excluded.focus,
			time = time + excluded.time,
			run = CASE
				WHEN excluded.run IS NULL THEN run
				ELSE COALESCE(run, 0) + excluded.run
			END,
			last_modified = excluded.last_modified`,
		delta.Host, delta.Date, int64(delta.Focus), int64(delta.Time), run, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("accumulate usage: %w", err)
	}

	s.mu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(delta)
	}
	return nil
}

// ForceUpdate replaces the (host, date) row with row. Listeners are not
// notified: the values came from the server.
func (s *Store) ForceUpdate(ctx context.Context, row rows.Row, lastModified int64) error {
	return replaceEntry(ctx, s.db, row, lastModified)
}

// Merge reads the (host, date) row, resolves it with fn and writes the
// result in one transaction. A concurrent Accumulate lands either before the
// read or after the write, never in between. fn must not use the store.
// Listeners are not notified.
func (s *Store) Merge(ctx context.Context, host, date string, fn MergeFunc) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback()

	existing, err := getEntry(ctx, tx, host, date)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	row, lastModified, changed := fn(existing)
	if !changed {
		return false, nil
	}
	if err := replaceEntry(ctx, tx, row, lastModified); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit merge: %w", err)
	}
	return true, nil
}

func replaceEntry(ctx context.Context, q querier, row rows.Row, lastModified int64) error {
	if err := row.Validate(); err != nil {
		return err
	}
	var run interface{}
	if row.Run != nil {
		run = int64(*row.Run)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO usage (host, date, focus, time, run, last_modified)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(host, date) DO UPDATE SET
			focus = excluded.focus,
			time = excluded.time,
			run = excluded.run,
			last_modified = excluded.last_modified`,
		row.Host, row.Date, int64(row.Focus), int64(row.Time), run, lastModified,
	)
	if err != nil {
		return fmt.Errorf("force update usage: %w", err)
	}
	return nil
}

// Rows returns local rows with startDate <= date <= endDate ordered by date
// then host. Empty bounds are open.
func (s *Store) Rows(ctx context.Context, startDate, endDate string) ([]Entry, error) {
	if startDate == "" {
		startDate = "00000000"
	}
	if endDate == "" {
		endDate = "99999999"
	}
	rs, err := s.db.QueryContext(ctx,
		`SELECT host, date, focus, time, run, last_modified FROM usage
		 WHERE date >= ? AND date <= ? ORDER BY date, host`,
		startDate, endDate,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rs.Close()

	var out []Entry
	for rs.Next() {
		var e Entry
		var run sql.NullInt64
		if err := rs.Scan(&e.Host, &e.Date, &e.Focus, &e.Time, &run, &e.LastModified); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		if run.Valid {
			v := uint64(run.Int64)
			e.Run = &v
		}
		out = append(out, e)
	}
	return out, rs.Err()
}

// SaveQueue stores the serialized outbound queue
func (s *Store) SaveQueue(ctx context.Context, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		queueKey, data,
	)
	if err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

// LoadQueue returns the stored queue, nil when none was saved
func (s *Store) LoadQueue(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, queueKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	return data, nil
}

// ClearQueue removes the stored queue
func (s *Store) ClearQueue(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, queueKey); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}
