// Package store owns the shared embedded relational database and the
// rooted data directory tree every binding persists into. It is a
// process-wide singleton: built once at startup, torn down at process exit.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the shared data.sqlite database plus the data directory root.
type Store struct {
	DB      *sql.DB
	RootDir string

	mu sync.Mutex
}

// Open opens (creating if necessary) the shared database at
// <rootDir>/data.sqlite in WAL mode, and ensures the standard sub-directory
// layout exists (r2/, d1/, do-sql/).
func Open(rootDir string) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	for _, sub := range []string{"r2", "d1", "do-sql"} {
		if err := os.MkdirAll(filepath.Join(rootDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s dir: %w", sub, err)
		}
	}

	dsn := filepath.Join(rootDir, "data.sqlite") + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening shared store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer; WAL still allows concurrent readers internally
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging shared store: %w", err)
	}

	s := &Store{DB: db, RootDir: rootDir}
	if err := s.RunMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close tears down the shared database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// R2Dir returns the on-disk root for a given object-store bucket.
func (s *Store) R2Dir(bucket string) string {
	return filepath.Join(s.RootDir, "r2", bucket)
}

// D1Path returns the per-logical-database sqlite file path.
func (s *Store) D1Path(name string) string {
	return filepath.Join(s.RootDir, "d1", name+".sqlite")
}

// DOSQLPath returns the per-actor sqlite file path.
func (s *Store) DOSQLPath(class, id string) string {
	return filepath.Join(s.RootDir, "do-sql", class, id+".sqlite")
}

// migrations is an ordered list of idempotent schema statements, one entry
// per entity family, following the platform's CreateTables convention of a
// single CREATE TABLE IF NOT EXISTS plus its indexes.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS kv_entries (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		metadata TEXT,
		expiration INTEGER,
		PRIMARY KEY (namespace, key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_kv_entries_expiration ON kv_entries(namespace, expiration)`,

	`CREATE TABLE IF NOT EXISTS r2_objects (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		size INTEGER NOT NULL,
		etag TEXT NOT NULL,
		version TEXT NOT NULL,
		uploaded INTEGER NOT NULL,
		http_metadata TEXT,
		custom_metadata TEXT,
		storage_class TEXT,
		PRIMARY KEY (bucket, key)
	)`,
	`CREATE TABLE IF NOT EXISTS r2_multipart_uploads (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		upload_id TEXT NOT NULL,
		aborted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (bucket, key, upload_id)
	)`,
	`CREATE TABLE IF NOT EXISTS r2_multipart_parts (
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		upload_id TEXT NOT NULL,
		part_number INTEGER NOT NULL,
		etag TEXT NOT NULL,
		temp_path TEXT NOT NULL,
		size INTEGER NOT NULL,
		PRIMARY KEY (bucket, key, upload_id, part_number)
	)`,

	`CREATE TABLE IF NOT EXISTS do_instances (
		class TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (class, id)
	)`,
	`CREATE TABLE IF NOT EXISTS do_storage (
		class TEXT NOT NULL,
		id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (class, id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS do_alarms (
		class TEXT NOT NULL,
		id TEXT NOT NULL,
		alarm_time INTEGER NOT NULL,
		PRIMARY KEY (class, id)
	)`,

	`CREATE TABLE IF NOT EXISTS queue_messages (
		queue TEXT NOT NULL,
		id TEXT NOT NULL,
		body BLOB NOT NULL,
		content_type TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		visible_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		completed_at INTEGER,
		PRIMARY KEY (queue, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_messages_visible ON queue_messages(queue, status, visible_at)`,

	`CREATE TABLE IF NOT EXISTS workflow_instances (
		workflow_name TEXT NOT NULL,
		id TEXT NOT NULL,
		status TEXT NOT NULL,
		params TEXT,
		output TEXT,
		error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (workflow_name, id)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_steps (
		workflow_name TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		step_name TEXT NOT NULL,
		output TEXT,
		completed_at INTEGER NOT NULL,
		PRIMARY KEY (workflow_name, instance_id, step_name)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_events (
		id TEXT NOT NULL PRIMARY KEY,
		workflow_name TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_events_instance ON workflow_events(workflow_name, instance_id, event_type)`,

	`CREATE TABLE IF NOT EXISTS cache_entries (
		cache_name TEXT NOT NULL,
		url TEXT NOT NULL,
		status INTEGER NOT NULL,
		headers TEXT NOT NULL,
		body BLOB NOT NULL,
		expires_at INTEGER,
		PRIMARY KEY (cache_name, url)
	)`,

	`CREATE TABLE IF NOT EXISTS spans (
		span_id TEXT NOT NULL PRIMARY KEY,
		trace_id TEXT NOT NULL,
		parent_span_id TEXT,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		attributes TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id)`,
	`CREATE TABLE IF NOT EXISTS span_events (
		span_id TEXT NOT NULL,
		name TEXT NOT NULL,
		time INTEGER NOT NULL,
		attributes TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS log_entries (
		timestamp INTEGER NOT NULL,
		level TEXT NOT NULL,
		service TEXT,
		message TEXT NOT NULL,
		trace_id TEXT,
		span_id TEXT,
		fields TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_log_entries_trace ON log_entries(trace_id)`,

	`CREATE TABLE IF NOT EXISTS errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		trace_id TEXT,
		span_id TEXT,
		created_at INTEGER NOT NULL
	)`,
}

// RunMigrations applies every migration statement idempotently. Safe to
// call repeatedly (e.g. from `migrate` CLI command as well as at startup).
func (s *Store) RunMigrations() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stmt := range migrations {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed (%.40s...): %w", stmt, err)
		}
	}
	return nil
}
