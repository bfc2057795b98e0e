package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of session.Store and
// checkpoint.Store, grounded on graph/store/sqlite.go's SQLiteStore[S]:
// WAL mode, a single writer connection, and auto-migrated tables on
// first use.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (creating if absent) a SQLite database at path and
// migrates the orchestrator's session/checkpoint tables into it. path may
// be ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	s := &sqlStore{db: db, dialect: "sqlite"}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore: s}, nil
}
