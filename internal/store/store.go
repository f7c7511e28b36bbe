// Package store persists completed analysis records and resolved dependency
// edges to SQLite, so hosts can keep results across runs. The engine treats
// it as an optional second cache level behind the in-memory ResultCache.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite data access layer.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database at dbPath with WAL mode enabled.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use in transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates all tables and indexes. Idempotent.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS files (
  id            INTEGER PRIMARY KEY,
  path          TEXT NOT NULL UNIQUE,
  language      TEXT NOT NULL,
  fingerprint   TEXT NOT NULL,
  analyzed_at   TIMESTAMP
);

CREATE TABLE IF NOT EXISTS records (
  key           TEXT PRIMARY KEY,
  path          TEXT NOT NULL,
  fingerprint   TEXT NOT NULL,
  config_sig    TEXT NOT NULL,
  record        TEXT NOT NULL,
  created_at    TIMESTAMP
);

CREATE TABLE IF NOT EXISTS edges (
  id            INTEGER PRIMARY KEY,
  from_path     TEXT NOT NULL,
  specifier     TEXT NOT NULL,
  to_path       TEXT NOT NULL,
  kind          TEXT NOT NULL DEFAULT 'import',
  external      BOOLEAN NOT NULL DEFAULT FALSE,
  UNIQUE(from_path, specifier, to_path, kind)
);

CREATE TABLE IF NOT EXISTS metadata (
  key           TEXT PRIMARY KEY,
  value         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_files_language ON files(language);
CREATE INDEX IF NOT EXISTS idx_records_path ON records(path);
CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_path);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_path);
`

// File is one analyzed file's identity row.
type File struct {
	ID          int64
	Path        string
	Language    string
	Fingerprint string
	AnalyzedAt  time.Time
}

// UpsertFile inserts or replaces the identity row for a path.
func (s *Store) UpsertFile(f *File) error {
	_, err := s.db.Exec(
		`INSERT INTO files (path, language, fingerprint, analyzed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   language = excluded.language,
		   fingerprint = excluded.fingerprint,
		   analyzed_at = excluded.analyzed_at`,
		f.Path, f.Language, f.Fingerprint, f.AnalyzedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}
	return nil
}

// FileByPath returns the identity row for a path, or nil if absent.
func (s *Store) FileByPath(path string) (*File, error) {
	f := &File{}
	err := s.db.QueryRow(
		"SELECT id, path, language, fingerprint, analyzed_at FROM files WHERE path = ?",
		path,
	).Scan(&f.ID, &f.Path, &f.Language, &f.Fingerprint, &f.AnalyzedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file by path: %w", err)
	}
	return f, nil
}

// SaveRecord persists one serialized analysis record under its cache key.
func (s *Store) SaveRecord(key, path, fingerprint, configSig string, record []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO records (key, path, fingerprint, config_sig, record, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   path = excluded.path,
		   fingerprint = excluded.fingerprint,
		   config_sig = excluded.config_sig,
		   record = excluded.record,
		   created_at = excluded.created_at`,
		key, path, fingerprint, configSig, string(record), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// LoadRecord returns the serialized record for a cache key, or nil if absent.
func (s *Store) LoadRecord(key string) ([]byte, error) {
	var record string
	err := s.db.QueryRow("SELECT record FROM records WHERE key = ?", key).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	return []byte(record), nil
}

// DeleteRecordsByPath removes every persisted record for a path.
// Returns the number of rows removed.
func (s *Store) DeleteRecordsByPath(path string) (int64, error) {
	res, err := s.db.Exec("DELETE FROM records WHERE path = ?", path)
	if err != nil {
		return 0, fmt.Errorf("delete records by path: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// EdgeRow is one persisted dependency edge.
type EdgeRow struct {
	FromPath  string
	Specifier string
	ToPath    string
	Kind      string
	External  bool
}

// SaveEdges transactionally inserts edges, ignoring duplicates.
func (s *Store) SaveEdges(edges []EdgeRow) error {
	if len(edges) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO edges (from_path, specifier, to_path, kind, external)
		 VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare edge insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range edges {
		if _, err := stmt.Exec(e.FromPath, e.Specifier, e.ToPath, e.Kind, e.External); err != nil {
			return fmt.Errorf("insert edge %s -> %s: %w", e.FromPath, e.Specifier, err)
		}
	}
	return tx.Commit()
}

// DeleteEdgesFrom removes every edge originating at a path.
func (s *Store) DeleteEdgesFrom(path string) error {
	if _, err := s.db.Exec("DELETE FROM edges WHERE from_path = ?", path); err != nil {
		return fmt.Errorf("delete edges from: %w", err)
	}
	return nil
}

// AllEdges returns every persisted edge.
func (s *Store) AllEdges() ([]EdgeRow, error) {
	rows, err := s.db.Query("SELECT from_path, specifier, to_path, kind, external FROM edges")
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var edges []EdgeRow
	for rows.Next() {
		var e EdgeRow
		if err := rows.Scan(&e.FromPath, &e.Specifier, &e.ToPath, &e.Kind, &e.External); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// GetMetadata returns the value for a metadata key, or "" if absent.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata: %w", err)
	}
	return value, nil
}

// SetMetadata inserts or replaces a metadata key.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}
