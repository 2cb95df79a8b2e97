package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// LedgerFileName is the well-known name of the ledger file inside the base
// directory.
const LedgerFileName = "ledger.db"

// Init initializes the SQLite ledger at baseDir/ledger.db.
// The baseDir parameter allows tests to use t.TempDir() instead of the
// default data directory.
func Init(baseDir string) (*sql.DB, error) {
	// Create base directory with restricted permissions
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	_ = os.Chmod(baseDir, 0700)

	// Open database with pragmas in connection string (applies to all connections)
	dbPath := filepath.Join(baseDir, LedgerFileName)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	database, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	// The ledger is exclusively owned by one logical writer; serializing the
	// pool keeps every mutation on a single connection.
	database.SetMaxOpenConns(1)

	if err := verifyWALMode(database); err != nil {
		database.Close()
		return nil, err
	}

	if err := migrate(database); err != nil {
		database.Close()
		return nil, err
	}

	// Set file permissions after file exists (best-effort)
	_ = os.Chmod(dbPath, 0600)

	return database, nil
}

// migrate applies schema migrations based on user_version.
func migrate(database *sql.DB) error {
	version, err := GetUserVersion(database)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: Initial schema (v1)
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS captures (
		  id            TEXT PRIMARY KEY,
		  channel       TEXT NOT NULL CHECK (channel IN ('voice','email')),
		  content       TEXT NOT NULL DEFAULT '',
		  content_hash  TEXT,
		  status        TEXT NOT NULL DEFAULT 'staged',
		  native_id     TEXT NOT NULL,
		  metadata_json TEXT NOT NULL,
		  created_at    INTEGER NOT NULL,
		  updated_at    INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_captures_channel_native
		ON captures(channel, native_id);

		CREATE INDEX IF NOT EXISTS idx_captures_status_created
		ON captures(status, created_at);

		CREATE INDEX IF NOT EXISTS idx_captures_content_hash
		ON captures(content_hash)
		WHERE content_hash IS NOT NULL;

		CREATE TABLE IF NOT EXISTS export_audit (
		  id           INTEGER PRIMARY KEY AUTOINCREMENT,
		  capture_id   TEXT NOT NULL REFERENCES captures(id) ON DELETE CASCADE,
		  export_path  TEXT NOT NULL,
		  content_hash TEXT,
		  mode         TEXT NOT NULL CHECK (mode IN ('initial','duplicate_skip','placeholder')),
		  had_error    INTEGER NOT NULL DEFAULT 0,
		  created_at   INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_export_audit_capture
		ON export_audit(capture_id);

		CREATE TABLE IF NOT EXISTS error_log (
		  id         INTEGER PRIMARY KEY AUTOINCREMENT,
		  capture_id TEXT REFERENCES captures(id) ON DELETE SET NULL,
		  stage      TEXT NOT NULL CHECK (stage IN ('poll','transcribe','export','backup','integrity')),
		  message    TEXT NOT NULL,
		  created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_error_log_created
		ON error_log(created_at);

		CREATE TABLE IF NOT EXISTS cursors (
		  key        TEXT PRIMARY KEY,
		  value      TEXT NOT NULL,
		  updated_at INTEGER NOT NULL
		);
		`
		if _, err := database.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(database, 1); err != nil {
			return err
		}
	}

	// Future migrations go here:
	// if version < 2 { ... }

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(database *sql.DB) error {
	var journalMode string
	if err := database.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(database *sql.DB) (int, error) {
	var version int
	if err := database.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(database *sql.DB, version int) error {
	_, err := database.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
