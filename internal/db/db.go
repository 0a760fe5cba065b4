// Package db persists analysis runs and their emitted records in sqlite.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the sql handle so migration and query helpers hang off one type.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the sqlite database at path and applies the
// standard pragmas. The schema is managed separately via MigrateUp.
func Open(path string) (*DB, error) {
	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// modernc sqlite is single-writer; one connection avoids SQLITE_BUSY
	// churn under concurrent readers.
	handle.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := handle.Exec(p); err != nil {
			handle.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	return &DB{handle}, nil
}
