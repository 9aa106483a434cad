// Package db is the SQLite persistence layer: items and their extracted
// sub-items (with FTS5 search), one overview per knowledge base, the oracle
// conversation log, and capability-gap reports.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/margin/internal/config"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// FileName is the database file inside the data directory.
const FileName = "margin.db"

// Init initializes the SQLite database at baseDir/margin.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.margin.
func Init(baseDir string) (*sql.DB, error) {
	// Create base directory with restricted permissions
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	// Explicit chmod (best-effort, may not work on all platforms)
	_ = os.Chmod(baseDir, 0700)

	exportsDir := ExportsDir(baseDir)
	if err := os.MkdirAll(exportsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create exports directory: %w", err)
	}
	_ = os.Chmod(exportsDir, 0700)

	// Pragmas in the connection string apply to every pooled connection.
	dbPath := filepath.Join(baseDir, FileName)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations (this creates the file if it doesn't exist)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	// Set file permissions after file exists (best-effort)
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ExportsDir is where JSONL exports are allowed to be written.
func ExportsDir(baseDir string) string {
	return filepath.Join(baseDir, "exports")
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: Initial schema (v1)
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS items (
		  id          TEXT PRIMARY KEY,
		  kb          TEXT NOT NULL,
		  raw_text    TEXT NOT NULL,
		  item_type   TEXT NOT NULL,
		  tags        TEXT NOT NULL,
		  summary     TEXT NOT NULL,
		  source_url  TEXT,
		  url_content TEXT,
		  created_at  INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_items_kb_created
		ON items(kb, created_at DESC);

		CREATE VIRTUAL TABLE IF NOT EXISTS items_fts USING fts5(
		  raw_text,
		  summary,
		  tags,
		  content='items',
		  content_rowid='rowid'
		);

		CREATE TRIGGER IF NOT EXISTS items_fts_insert AFTER INSERT ON items BEGIN
		  INSERT INTO items_fts(rowid, raw_text, summary, tags)
		  VALUES (new.rowid, new.raw_text, new.summary, new.tags);
		END;

		CREATE TRIGGER IF NOT EXISTS items_fts_delete AFTER DELETE ON items BEGIN
		  INSERT INTO items_fts(items_fts, rowid, raw_text, summary, tags)
		  VALUES ('delete', old.rowid, old.raw_text, old.summary, old.tags);
		END;

		CREATE TABLE IF NOT EXISTS extracted_items (
		  id         TEXT PRIMARY KEY,
		  parent_id  TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
		  kb         TEXT NOT NULL,
		  summary    TEXT NOT NULL,
		  tags       TEXT NOT NULL,
		  created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_extracted_items_parent
		ON extracted_items(parent_id);

		CREATE TABLE IF NOT EXISTS overviews (
		  kb         TEXT PRIMARY KEY,
		  text       TEXT NOT NULL,
		  revision   INTEGER NOT NULL,
		  updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
		  id            TEXT PRIMARY KEY,
		  kb            TEXT NOT NULL,
		  interaction   TEXT NOT NULL,
		  system_prompt TEXT NOT NULL,
		  user_message  TEXT NOT NULL,
		  response      TEXT NOT NULL,
		  duration_ms   INTEGER NOT NULL,
		  error         TEXT,
		  created_at    INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_kb_created
		ON conversations(kb, created_at DESC);

		CREATE TABLE IF NOT EXISTS gap_reports (
		  id                       TEXT PRIMARY KEY,
		  kb                       TEXT NOT NULL,
		  original_message         TEXT NOT NULL,
		  bot_response             TEXT NOT NULL,
		  gap_description          TEXT NOT NULL,
		  proposal                 TEXT NOT NULL,
		  target_prompt            TEXT NOT NULL,
		  proposed_contract_update TEXT NOT NULL,
		  status                   TEXT NOT NULL DEFAULT 'pending',
		  created_at               INTEGER NOT NULL,
		  resolved_at              INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_gap_reports_kb_status
		ON gap_reports(kb, status, created_at DESC);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Future migrations go here:
	// if version < 2 { ... }

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
