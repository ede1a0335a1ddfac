package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"github.com/mattn/go-sqlite3"
	"github.com/shruggr/dictcache/snapshot"
)

// formatVersion is bumped whenever the schema changes incompatibly
const formatVersion = "1"

// Store is a SQLite-backed implementation of snapshot.Store
type Store struct {
	db   *sql.DB
	path string
}

// Config holds configuration for SQLite
type Config struct {
	DBPath string // Path to SQLite database file
}

// New opens (creating if absent) a SQLite-backed snapshot store.
// Failures are reported as *snapshot.StorageError with kind OpenFailure or
// CorruptStore.
func New(ctx context.Context, config *Config) (*Store, error) {
	if config.DBPath == "" {
		return nil, snapshot.NewOpenError("", fmt.Errorf("DBPath is required"))
	}

	db, err := sql.Open("sqlite3", dsn(config.DBPath))
	if err != nil {
		return nil, snapshot.NewOpenError(config.DBPath, fmt.Errorf("failed to open sqlite db: %w", err))
	}
	// One connection keeps transactions serialized and avoids SQLITE_BUSY
	// between pooled connections of the same process.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, path: config.DBPath}

	if err := store.init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// dsn builds a file: URI for path. The path is percent-escaped so that '?',
// '#' and '%' in file names reach SQLite literally.
func dsn(path string) string {
	return "file:" + (&url.URL{Path: path}).EscapedPath() + "?_busy_timeout=5000&_synchronous=FULL"
}

func (s *Store) init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.classify(fmt.Errorf("failed to connect: %w", err))
	}

	var result string
	if err := s.db.QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&result); err != nil {
		return s.classify(fmt.Errorf("failed to check integrity: %w", err))
	}
	if result != "ok" {
		return snapshot.NewCorruptError(s.path, fmt.Errorf("integrity check: %s", result))
	}

	if err := s.initSchema(ctx); err != nil {
		return s.classify(fmt.Errorf("failed to initialize schema: %w", err))
	}

	return s.checkFormat(ctx)
}

// initSchema creates the necessary tables
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dictionaries (
		id    INTEGER PRIMARY KEY AUTOINCREMENT,
		name  TEXT NOT NULL UNIQUE,
		stamp TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entries (
		dictionary_id INTEGER NOT NULL,
		key           TEXT NOT NULL,
		value         TEXT NOT NULL,

		PRIMARY KEY (dictionary_id, key)
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// checkFormat records the layout version on a fresh file and rejects files
// written with a different one
func (s *Store) checkFormat(ctx context.Context) error {
	var version string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'format_version'`).Scan(&version)

	if err == sql.ErrNoRows {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES ('format_version', ?)`, formatVersion)
		if err != nil {
			return s.classify(fmt.Errorf("failed to record format version: %w", err))
		}
		return nil
	}
	if err != nil {
		return s.classify(fmt.Errorf("failed to read format version: %w", err))
	}

	if version != formatVersion {
		return snapshot.NewCorruptError(s.path,
			fmt.Errorf("%w: version %q, want %q", snapshot.ErrUnsupportedFormat, version, formatVersion))
	}
	return nil
}

// classify maps a driver error onto the storage error taxonomy
func (s *Store) classify(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrNotADB, sqlite3.ErrCorrupt, sqlite3.ErrFormat:
			return snapshot.NewCorruptError(s.path, err)
		}
	}
	return snapshot.NewOpenError(s.path, err)
}

// Lookup retrieves the live header for name
func (s *Store) Lookup(ctx context.Context, name string) (*snapshot.Header, error) {
	var h snapshot.Header
	var stamp string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, stamp FROM dictionaries WHERE name = ?`,
		name,
	).Scan(&h.ID, &h.Name, &stamp)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query dictionary: %w", err)
	}

	h.Stamp = snapshot.Stamp(stamp)
	return &h, nil
}

// Register replaces any snapshot under name with an empty one, atomically
func (s *Store) Register(ctx context.Context, name string, stamp snapshot.Stamp) (*snapshot.Header, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, snapshot.NewWriteError(s.path, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM entries WHERE dictionary_id IN (SELECT id FROM dictionaries WHERE name = ?)`,
		name,
	)
	if err != nil {
		return nil, snapshot.NewWriteError(s.path, fmt.Errorf("failed to drop old entries: %w", err))
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM dictionaries WHERE name = ?`, name)
	if err != nil {
		return nil, snapshot.NewWriteError(s.path, fmt.Errorf("failed to drop old dictionary: %w", err))
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO dictionaries (name, stamp) VALUES (?, ?)`,
		name, string(stamp),
	)
	if err != nil {
		return nil, snapshot.NewWriteError(s.path, fmt.Errorf("failed to insert dictionary: %w", err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, snapshot.NewWriteError(s.path, fmt.Errorf("failed to read dictionary id: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, snapshot.NewWriteError(s.path, fmt.Errorf("failed to commit transaction: %w", err))
	}

	return &snapshot.Header{ID: id, Name: name, Stamp: stamp}, nil
}

// List returns all live headers ordered by name
func (s *Store) List(ctx context.Context) ([]*snapshot.Header, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, stamp FROM dictionaries ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dictionaries: %w", err)
	}
	defer rows.Close()

	var headers []*snapshot.Header
	for rows.Next() {
		var h snapshot.Header
		var stamp string
		if err := rows.Scan(&h.ID, &h.Name, &stamp); err != nil {
			return nil, fmt.Errorf("failed to scan dictionary: %w", err)
		}
		h.Stamp = snapshot.Stamp(stamp)
		headers = append(headers, &h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dictionaries: %w", err)
	}

	return headers, nil
}

// Load streams the pairs of a snapshot in insertion order
func (s *Store) Load(ctx context.Context, id int64, fn func(snapshot.Pair) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM entries WHERE dictionary_id = ? ORDER BY rowid`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p snapshot.Pair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return snapshot.NewCorruptError(s.path, fmt.Errorf("failed to scan entry: %w", err))
		}
		if err := fn(p); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating entries: %w", err)
	}

	return nil
}

// Put upserts pairs in one transaction
func (s *Store) Put(ctx context.Context, id int64, pairs []snapshot.Pair) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return snapshot.NewWriteError(s.path, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := s.requireDictionary(ctx, tx, id); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries (dictionary_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (dictionary_id, key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return snapshot.NewWriteError(s.path, fmt.Errorf("failed to prepare upsert: %w", err))
	}
	defer stmt.Close()

	for _, p := range pairs {
		if _, err := stmt.ExecContext(ctx, id, p.Key, p.Value); err != nil {
			return snapshot.NewWriteError(s.path, fmt.Errorf("failed to upsert %q: %w", p.Key, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return snapshot.NewWriteError(s.path, fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

// Delete removes keys in one transaction
func (s *Store) Delete(ctx context.Context, id int64, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return snapshot.NewWriteError(s.path, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := s.requireDictionary(ctx, tx, id); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM entries WHERE dictionary_id = ? AND key = ?`)
	if err != nil {
		return snapshot.NewWriteError(s.path, fmt.Errorf("failed to prepare delete: %w", err))
	}
	defer stmt.Close()

	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, id, k); err != nil {
			return snapshot.NewWriteError(s.path, fmt.Errorf("failed to delete %q: %w", k, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return snapshot.NewWriteError(s.path, fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

// Compact rebuilds the database file to reclaim space from replaced snapshots
func (s *Store) Compact(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("failed to vacuum: %w", err)
	}
	return nil
}

// requireDictionary rejects writes to a snapshot that has been replaced
func (s *Store) requireDictionary(ctx context.Context, tx *sql.Tx, id int64) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM dictionaries WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return snapshot.NewWriteError(s.path, fmt.Errorf("dictionary %d not registered", id))
	}
	if err != nil {
		return snapshot.NewWriteError(s.path, fmt.Errorf("failed to query dictionary: %w", err))
	}
	return nil
}

// Close releases all database resources
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
