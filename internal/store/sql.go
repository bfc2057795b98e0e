package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/neuroconv/orchestrator/internal/checkpoint"
	taxerr "github.com/neuroconv/orchestrator/internal/errors"
	"github.com/neuroconv/orchestrator/internal/session"
)

// sqlStore is a dialect-aware Session & Checkpoint store shared by
// SQLiteStore, MySQLStore and PostgresStore, grounded on
// kadirpekel-hector/v2/pkg/memory/session_service_sql.go's
// SQLSessionService: one *sql.DB, a dialect tag selecting "?" versus
// "$N" placeholders, and dialect-specific DDL at construction time.
type sqlStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	closed  bool
	dialect string // "sqlite", "mysql" or "postgres"
}

func (s *sqlStore) ph(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *sqlStore) createTables(ctx context.Context) error {
	autoincrement := "INTEGER PRIMARY KEY AUTOINCREMENT"
	switch s.dialect {
	case "mysql":
		autoincrement = "BIGINT AUTO_INCREMENT PRIMARY KEY"
	case "postgres":
		autoincrement = "BIGSERIAL PRIMARY KEY"
	}

	sessionsTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS orchestrator_sessions (
			id VARCHAR(64) PRIMARY KEY,
			principal_id VARCHAR(128) NOT NULL,
			workflow_ref VARCHAR(128) NOT NULL,
			state VARCHAR(32) NOT NULL,
			version BIGINT NOT NULL,
			document TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`)
	if _, err := s.db.ExecContext(ctx, sessionsTable); err != nil {
		return fmt.Errorf("store: create orchestrator_sessions: %w", err)
	}

	checkpointsTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS orchestrator_checkpoints (
			row_id %s,
			session_id VARCHAR(64) NOT NULL,
			version BIGINT NOT NULL,
			document TEXT NOT NULL,
			integrity_hash VARCHAR(128) NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`, autoincrement)
	if _, err := s.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("store: create orchestrator_checkpoints: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_orch_checkpoints_session ON orchestrator_checkpoints(session_id, row_id)"); err != nil {
		return fmt.Errorf("store: create checkpoint index: %w", err)
	}

	return nil
}

// --- session.Store ---

func (s *sqlStore) Create(ctx context.Context, sess *session.Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return taxerr.Wrap(taxerr.KindInternal, "marshal session", err)
	}
	q := fmt.Sprintf(
		"INSERT INTO orchestrator_sessions (id, principal_id, workflow_ref, state, version, document, expires_at, updated_at) VALUES (%s, %s, %s, %s, %s, %s, %s, %s)",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8))
	_, err = s.db.ExecContext(ctx, q, sess.ID, sess.PrincipalID, sess.WorkflowRef, sess.State, sess.Version, doc, sess.ExpiresAt, sess.UpdatedAt)
	if err != nil {
		return taxerr.Wrap(taxerr.KindInternal, "insert session", err)
	}
	return nil
}

func (s *sqlStore) LoadLatest(ctx context.Context, id string) (*session.Session, error) {
	q := fmt.Sprintf("SELECT document FROM orchestrator_sessions WHERE id = %s", s.ph(1))
	row := s.db.QueryRowContext(ctx, q, id)

	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, session.ErrNotFound
		}
		return nil, taxerr.Wrap(taxerr.KindInternal, "load session", err)
	}

	var out session.Session
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return nil, taxerr.Wrap(taxerr.KindInternal, "unmarshal session", err)
	}
	return &out, nil
}

func (s *sqlStore) Persist(ctx context.Context, sess *session.Session, expectedVersion int64) (int64, error) {
	current, err := s.LoadLatest(ctx, sess.ID)
	if err != nil {
		return 0, err
	}
	if current.Version != expectedVersion {
		return 0, session.ErrConcurrency
	}
	if current.State.IsTerminal() {
		return 0, session.ErrTerminalState
	}

	sess.Version = expectedVersion + 1
	doc, err := json.Marshal(sess)
	if err != nil {
		return 0, taxerr.Wrap(taxerr.KindInternal, "marshal session", err)
	}

	q := fmt.Sprintf(
		"UPDATE orchestrator_sessions SET state = %s, version = %s, document = %s, expires_at = %s, updated_at = %s WHERE id = %s AND version = %s",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	res, err := s.db.ExecContext(ctx, q, sess.State, sess.Version, doc, sess.ExpiresAt, sess.UpdatedAt, sess.ID, expectedVersion)
	if err != nil {
		return 0, taxerr.Wrap(taxerr.KindInternal, "update session", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, taxerr.Wrap(taxerr.KindInternal, "rows affected", err)
	}
	if rows == 0 {
		return 0, session.ErrConcurrency
	}
	return sess.Version, nil
}

func (s *sqlStore) ListActive(ctx context.Context, filter session.Filter) ([]*session.Session, error) {
	args := []any{}
	q := "SELECT document FROM orchestrator_sessions WHERE state NOT IN (" +
		s.ph(1) + "," + s.ph(2) + "," + s.ph(3) + ")"
	args = append(args, string(session.StateCompleted), string(session.StateFailed), string(session.StateCancelled))

	if filter.PrincipalID != "" {
		q += fmt.Sprintf(" AND principal_id = %s", s.ph(len(args)+1))
		args = append(args, filter.PrincipalID)
	}
	q += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, taxerr.Wrap(taxerr.KindInternal, "list active sessions", err)
	}
	defer rows.Close()

	wantStates := map[session.State]bool{}
	for _, st := range filter.States {
		wantStates[st] = true
	}

	var out []*session.Session
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, taxerr.Wrap(taxerr.KindInternal, "scan session", err)
		}
		var sess session.Session
		if err := json.Unmarshal([]byte(doc), &sess); err != nil {
			return nil, taxerr.Wrap(taxerr.KindInternal, "unmarshal session", err)
		}
		if len(wantStates) > 0 && !wantStates[sess.State] {
			continue
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *sqlStore) Expire(ctx context.Context, cutoff time.Time) (int, error) {
	q := fmt.Sprintf("DELETE FROM orchestrator_sessions WHERE expires_at < %s", s.ph(1))
	res, err := s.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, taxerr.Wrap(taxerr.KindInternal, "expire sessions", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqlStore) Purge(ctx context.Context, id string) error {
	q1 := fmt.Sprintf("DELETE FROM orchestrator_sessions WHERE id = %s", s.ph(1))
	res, err := s.db.ExecContext(ctx, q1, id)
	if err != nil {
		return taxerr.Wrap(taxerr.KindInternal, "purge session", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return session.ErrNotFound
	}

	q2 := fmt.Sprintf("DELETE FROM orchestrator_checkpoints WHERE session_id = %s", s.ph(1))
	if _, err := s.db.ExecContext(ctx, q2, id); err != nil {
		return taxerr.Wrap(taxerr.KindInternal, "purge checkpoints", err)
	}
	return nil
}

// --- checkpoint.Store ---

func (s *sqlStore) Append(ctx context.Context, c checkpoint.Checkpoint) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return taxerr.Wrap(taxerr.KindInternal, "marshal checkpoint", err)
	}
	q := fmt.Sprintf(
		"INSERT INTO orchestrator_checkpoints (session_id, version, document, integrity_hash, created_at) VALUES (%s, %s, %s, %s, %s)",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err = s.db.ExecContext(ctx, q, c.SessionID, c.Version, doc, c.IntegrityHash, c.Timestamp)
	if err != nil {
		return taxerr.Wrap(taxerr.KindInternal, "insert checkpoint", err)
	}
	return nil
}

func (s *sqlStore) LatestValid(ctx context.Context, sessionID string) (checkpoint.Checkpoint, error) {
	list, err := s.List(ctx, sessionID)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Verify() {
			return list[i], nil
		}
	}
	return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
}

func (s *sqlStore) List(ctx context.Context, sessionID string) ([]checkpoint.Checkpoint, error) {
	q := fmt.Sprintf("SELECT document FROM orchestrator_checkpoints WHERE session_id = %s ORDER BY row_id", s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, taxerr.Wrap(taxerr.KindInternal, "list checkpoints", err)
	}
	defer rows.Close()

	var out []checkpoint.Checkpoint
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, taxerr.Wrap(taxerr.KindInternal, "scan checkpoint", err)
		}
		var c checkpoint.Checkpoint
		if err := json.Unmarshal([]byte(doc), &c); err != nil {
			return nil, taxerr.Wrap(taxerr.KindInternal, "unmarshal checkpoint", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
