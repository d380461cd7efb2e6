// Package metastore is the transactional gateway over the metadata
// database: projects, datasets, collection bindings, web pages, chunk
// shadow rows, ingestion jobs, watchers, and shares. It is the only
// writer of this state; the vector index holds content, this store
// holds identity and bookkeeping.
package metastore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	"github.com/scopehq/contextmcp/internal/errors"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the metadata database. An empty path opens an
// in-memory database for tests. WAL mode plus a single writer connection
// keeps cross-process readers from blocking on ingest.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(errors.KindIO, "create metadata directory", err)
		}
		dsn = path + "?_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "open metadata database", err).WithResource(path)
	}

	// Single writer prevents SQLITE_BUSY storms under concurrent ingest.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// modernc.org/sqlite ignores most DSN params; pragmas must be
	// executed explicitly.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(errors.KindIO, "set pragma", err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS projects (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		owner       TEXT NOT NULL DEFAULT '',
		is_global   INTEGER NOT NULL DEFAULT 0,
		metadata    TEXT NOT NULL DEFAULT '{}',
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS datasets (
		id          TEXT PRIMARY KEY,
		project_id  TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_global   INTEGER NOT NULL DEFAULT 0,
		metadata    TEXT NOT NULL DEFAULT '{}',
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL,
		UNIQUE(project_id, name)
	);

	-- Collection bindings: one current binding per (dataset, backend).
	CREATE TABLE IF NOT EXISTS dataset_collections (
		dataset_id      TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
		collection_name TEXT NOT NULL,
		backend         TEXT NOT NULL,
		dimension       INTEGER NOT NULL,
		is_hybrid       INTEGER NOT NULL DEFAULT 0,
		point_count     INTEGER NOT NULL DEFAULT 0,
		last_indexed_at INTEGER,
		PRIMARY KEY(dataset_id, backend)
	);

	-- Chunk shadow rows for metadata-driven lookup and sync deletion.
	CREATE TABLE IF NOT EXISTS chunks (
		id           TEXT NOT NULL,
		dataset_id   TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
		source_key   TEXT NOT NULL,
		chunk_index  INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		is_code      INTEGER NOT NULL DEFAULT 0,
		language     TEXT NOT NULL DEFAULT '',
		PRIMARY KEY(dataset_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(dataset_id, source_key);

	CREATE TABLE IF NOT EXISTS web_pages (
		id         TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
		url        TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		domain     TEXT NOT NULL DEFAULT '',
		content    TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL DEFAULT '',
		metadata   TEXT NOT NULL DEFAULT '{}',
		crawled_at INTEGER NOT NULL,
		UNIQUE(dataset_id, url)
	);

	CREATE TABLE IF NOT EXISTS ingestion_jobs (
		id              TEXT PRIMARY KEY,
		project         TEXT NOT NULL,
		dataset         TEXT NOT NULL,
		source_type     TEXT NOT NULL,
		source          TEXT NOT NULL,
		status          TEXT NOT NULL,
		summary         TEXT NOT NULL DEFAULT '',
		progress        INTEGER NOT NULL DEFAULT 0,
		processed_files INTEGER NOT NULL DEFAULT 0,
		total_files     INTEGER NOT NULL DEFAULT 0,
		error           TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		started_at      INTEGER,
		finished_at     INTEGER
	);

	CREATE TABLE IF NOT EXISTS watchers (
		id           TEXT PRIMARY KEY,
		project      TEXT NOT NULL,
		dataset      TEXT NOT NULL,
		path         TEXT NOT NULL,
		started_at   INTEGER NOT NULL,
		last_sync_at INTEGER,
		sync_count   INTEGER NOT NULL DEFAULT 0,
		UNIQUE(project, dataset, path)
	);

	CREATE TABLE IF NOT EXISTS shares (
		owner_project   TEXT NOT NULL,
		grantee_project TEXT NOT NULL,
		permission      TEXT NOT NULL,
		created_at      INTEGER NOT NULL,
		PRIMARY KEY(owner_project, grantee_project)
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(errors.KindIO, "initialize metadata schema", err)
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.KindIO, "begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.KindIO, "commit transaction", err)
	}
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func millisToTime(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64)
	return &t
}
