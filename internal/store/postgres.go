package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is a Postgres-backed implementation of session.Store and
// checkpoint.Store, completing the three-dialect SQL backend the pack
// implies (kadirpekel-hector/v2/pkg/memory/session_service_sql.go
// explicitly supports "postgres", "mysql", and "sqlite" as SQLSessionService
// dialects); teacher's own graph/store only ships SQLite and MySQL, so the
// Postgres dialect branch in sqlStore is exercised solely through this type.
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore opens a connection pool against dsn and migrates the
// orchestrator's session/checkpoint tables.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	s := &sqlStore{db: db, dialect: "postgres"}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{sqlStore: s}, nil
}
