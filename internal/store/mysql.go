package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed implementation of session.Store
// and checkpoint.Store, grounded on graph/store/mysql.go's MySQLStore[S]:
// pooled connections and auto-migrated tables, for production
// deployments that survive process restarts.
type MySQLStore struct {
	*sqlStore
}

// NewMySQLStore opens a connection pool against dsn and migrates the
// orchestrator's session/checkpoint tables.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}

	s := &sqlStore{db: db, dialect: "mysql"}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLStore{sqlStore: s}, nil
}
