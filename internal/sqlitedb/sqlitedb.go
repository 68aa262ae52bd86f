// Package sqlitedb opens the single shared SQLite database and runs its
// schema migrations. Every other package that touches the database takes a
// *sql.DB produced by Open rather than opening its own connection.
package sqlitedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/flyingrobots/blacklight/internal/logging"
)

// currentSchemaVersion is the PRAGMA user_version the database must reach.
// Migrations run on open, inside a single transaction, advancing
// user_version only on success.
const currentSchemaVersion = 5

// Options configures the connection pragmas. Zero values fall back to the
// defaults mandated by the batch-writer contract.
type Options struct {
	BusyTimeoutMS int
}

// Open opens (creating if needed) the database at path, applies the
// required pragmas, and migrates the schema to currentSchemaVersion.
func Open(path string, opts Options) (*sql.DB, error) {
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", path, opts.BusyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-64000",
		"PRAGMA mmap_size=268435456",
		fmt.Sprintf("PRAGMA busy_timeout=%d", opts.BusyTimeoutMS),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			L_warn("sqlitedb: pragma failed", "pragma", p, "error", err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	L_info("sqlitedb: database opened", "path", path)
	return db, nil
}

// migrate advances the schema from whatever PRAGMA user_version currently
// holds up to currentSchemaVersion, one migration function per version.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version >= currentSchemaVersion {
		L_debug("sqlitedb: schema up to date", "version", version)
		return nil
	}

	migrations := []func(*sql.Tx) error{
		migrateV1,
		migrateV2,
		migrateV3,
		migrateV4,
		migrateV5,
	}

	L_info("sqlitedb: migrating schema", "from", version, "to", currentSchemaVersion)

	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", i+1, err)
		}
		if err := migrations[i](tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version=%d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("advance user_version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", i+1, err)
		}
		L_debug("sqlitedb: applied migration", "version", i+1)
	}

	return nil
}

func migrateV1(tx *sql.Tx) error {
	_, err := tx.Exec(`
	CREATE TABLE IF NOT EXISTS sources (
		name TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		root TEXT NOT NULL,
		cas_prefix TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS indexed_files (
		source_name TEXT NOT NULL,
		path TEXT NOT NULL,
		kind TEXT NOT NULL,
		mtime INTEGER NOT NULL,
		size INTEGER NOT NULL,
		last_byte_offset INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (source_name, path)
	);
	CREATE INDEX IF NOT EXISTS idx_indexed_files_kind ON indexed_files(kind);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_path TEXT,
		project_slug TEXT,
		first_prompt TEXT,
		summary TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		modified_at INTEGER NOT NULL,
		git_branch TEXT,
		app_version TEXT,
		is_sidechain INTEGER NOT NULL DEFAULT 0,
		source_name TEXT NOT NULL,
		source_kind TEXT NOT NULL,
		fingerprint TEXT,
		source_file TEXT,
		superseded_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_slug);
	CREATE INDEX IF NOT EXISTS idx_sessions_modified ON sessions(modified_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_source ON sessions(source_name);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		parent_id TEXT,
		type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		turn_index INTEGER NOT NULL,
		model TEXT,
		stop_reason TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		fingerprint TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp, turn_index);

	CREATE TABLE IF NOT EXISTS content_blocks (
		message_id TEXT NOT NULL,
		block_index INTEGER NOT NULL,
		block_type TEXT NOT NULL,
		content_hash TEXT,
		inline_content TEXT,
		tool_name TEXT,
		tool_use_id TEXT,
		tool_input_hash TEXT,
		PRIMARY KEY (message_id, block_index),
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_content_blocks_tool_use ON content_blocks(tool_use_id);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		input_hash TEXT,
		output_hash TEXT,
		timestamp INTEGER NOT NULL,
		fingerprint TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_name ON tool_calls(tool_name);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		source_name TEXT NOT NULL,
		title TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS facets (
		session_id TEXT PRIMARY KEY,
		outcome TEXT,
		friction TEXT,
		helpfulness REAL,
		recorded_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stats_daily (
		date TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, model)
	);

	CREATE TABLE IF NOT EXISTS history_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_name TEXT NOT NULL,
		project_path TEXT,
		prompt TEXT,
		occurred_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_entries_source ON history_entries(source_name, occurred_at);

	CREATE TABLE IF NOT EXISTS plans (
		path TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		recorded_at INTEGER NOT NULL
	);
	`)
	return err
}

func migrateV2(tx *sql.Tx) error {
	_, err := tx.Exec(`
	CREATE TABLE IF NOT EXISTS content_store (
		hash TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		size INTEGER NOT NULL,
		kind TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS blob_references (
		hash TEXT NOT NULL,
		message_id TEXT NOT NULL,
		context TEXT NOT NULL,
		PRIMARY KEY (hash, message_id, context),
		FOREIGN KEY (hash) REFERENCES content_store(hash)
	);
	CREATE INDEX IF NOT EXISTS idx_blob_references_message ON blob_references(message_id);

	CREATE TABLE IF NOT EXISTS file_references (
		file_path TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		PRIMARY KEY (file_path, session_id, message_id, operation),
		FOREIGN KEY (content_hash) REFERENCES content_store(hash)
	);
	CREATE INDEX IF NOT EXISTS idx_file_references_path ON file_references(file_path);
	CREATE INDEX IF NOT EXISTS idx_file_references_session ON file_references(session_id);

	CREATE VIRTUAL TABLE IF NOT EXISTS content_fts USING fts5(
		content,
		hash UNINDEXED,
		kind UNINDEXED,
		content='content_store',
		content_rowid='rowid'
	);

	CREATE TRIGGER IF NOT EXISTS content_store_ai AFTER INSERT ON content_store BEGIN
		INSERT INTO content_fts(rowid, content, hash, kind)
		VALUES (NEW.rowid, NEW.content, NEW.hash, NEW.kind);
	END;

	CREATE TRIGGER IF NOT EXISTS content_store_ad AFTER DELETE ON content_store BEGIN
		INSERT INTO content_fts(content_fts, rowid, content, hash, kind)
		VALUES ('delete', OLD.rowid, OLD.content, OLD.hash, OLD.kind);
	END;

	CREATE TRIGGER IF NOT EXISTS content_store_au AFTER UPDATE ON content_store BEGIN
		INSERT INTO content_fts(content_fts, rowid, content, hash, kind)
		VALUES ('delete', OLD.rowid, OLD.content, OLD.hash, OLD.kind);
		INSERT INTO content_fts(rowid, content, hash, kind)
		VALUES (NEW.rowid, NEW.content, NEW.hash, NEW.kind);
	END;
	`)
	return err
}

func migrateV3(tx *sql.Tx) error {
	_, err := tx.Exec(`
	CREATE TABLE IF NOT EXISTS session_backups (
		session_id TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		cas_prefix TEXT NOT NULL DEFAULT '',
		original_path TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		backed_up_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`)
	return err
}

func migrateV4(tx *sql.Tx) error {
	_, err := tx.Exec(`
	CREATE TABLE IF NOT EXISTS session_enrichments (
		session_id TEXT PRIMARY KEY,
		title TEXT,
		summary TEXT,
		enriched_at INTEGER,
		model_used TEXT,
		approval_status TEXT NOT NULL DEFAULT 'pending_review',
		reviewed_at INTEGER,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS session_tags (
		session_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, tag),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`)
	return err
}

func migrateV5(tx *sql.Tx) error {
	_, err := tx.Exec(`
	CREATE TABLE IF NOT EXISTS schedule_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		enabled INTEGER NOT NULL DEFAULT 0,
		interval_minutes INTEGER NOT NULL DEFAULT 60,
		run_enrichment INTEGER NOT NULL DEFAULT 0,
		enrichment_concurrency INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL,
		last_run_at INTEGER,
		next_run_at INTEGER
	);
	INSERT OR IGNORE INTO schedule_config (id, updated_at) VALUES (1, strftime('%s','now'));
	`)
	return err
}
