package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Database manages the SQLite database for state persistence
type Database struct {
	db     *sql.DB
	dbPath string
}

// NewDatabase creates a new database connection
func NewDatabase(dbPath string) (*Database, error) {
	if dbPath != ":memory:" {
		if err := ensureDir(filepath.Dir(dbPath)); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support concurrent writes well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	database := &Database{
		db:     db,
		dbPath: dbPath,
	}

	if err := database.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// GetDB returns the underlying database connection
func (d *Database) GetDB() *sql.DB {
	return d.db
}

// Path returns the database file path
func (d *Database) Path() string {
	return d.dbPath
}

// initSchema initializes the database schema
func (d *Database) initSchema() error {
	schema := `
	-- Key/value state kept across runs (last settings, last roi)
	CREATE TABLE IF NOT EXISTS system_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- One row per detection run
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		input TEXT NOT NULL,
		method TEXT NOT NULL,
		status TEXT NOT NULL, -- 'running', 'finished', 'cancelled', 'failed', 'interrupted'
		frames INTEGER DEFAULT 0,
		settings TEXT, -- JSON detector settings at start
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);

	-- One row per processed frame
	CREATE TABLE IF NOT EXISTS detections (
		session_id TEXT NOT NULL,
		frame_index INTEGER NOT NULL,
		timestamp REAL NOT NULL,
		center_x REAL NOT NULL,
		center_y REAL NOT NULL,
		axis_major REAL NOT NULL,
		axis_minor REAL NOT NULL,
		angle REAL NOT NULL,
		diameter REAL NOT NULL,
		confidence REAL NOT NULL,
		norm_x REAL NOT NULL,
		norm_y REAL NOT NULL,
		method TEXT NOT NULL,
		error TEXT,
		PRIMARY KEY (session_id, frame_index),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	CREATE INDEX IF NOT EXISTS idx_detections_confidence ON detections(session_id, confidence);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// ensureDir ensures a directory exists
func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
