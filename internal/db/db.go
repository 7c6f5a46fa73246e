// Package db provides durable SQLite storage for the sync queue and the
// conflict log.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "outletsync.db"

// readerConns bounds the read-only pool used by status and list queries.
const readerConns = 4

// DB wraps the sql.DB with outletsync-specific configuration.
//
// The embedded handle is the single writer. Reader is a separate
// query_only pool over the same file so status reads are not queued behind
// a write that holds the writer connection. Reader is nil for in-memory
// databases, which cannot be shared between connections.
type DB struct {
	*sql.DB
	Reader *sql.DB
}

// Open opens (creating if needed) the database in dataDir.
// The database is opened with:
// - WAL mode for concurrent reads/writes
// - a busy timeout so readers wait out a checkpoint
// - Foreign key constraints enabled
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, FileName))
}

// OpenPath opens the database at dsn, which may be ":memory:".
func OpenPath(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers, and each in-memory
	// connection is a separate database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if dsn == ":memory:" {
		return &DB{DB: db}, nil
	}

	reader, err := openReader(dsn)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db, Reader: reader}, nil
}

// openReader opens a read-only pool over the file at path. WAL lets these
// connections read the last committed state while the writer is busy.
func openReader(path string) (*sql.DB, error) {
	reader, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=query_only(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(readerConns)
	reader.SetMaxIdleConns(readerConns)
	if err := reader.Ping(); err != nil {
		reader.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	return reader, nil
}

// OpenAndMigrate opens the database in dataDir and applies every pending
// migration.
func OpenAndMigrate(dataDir string) (*DB, error) {
	db, err := Open(dataDir)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the reader pool and the writer connection.
func (db *DB) Close() error {
	if db.Reader != nil {
		if err := db.Reader.Close(); err != nil {
			db.DB.Close()
			return err
		}
	}
	return db.DB.Close()
}
