// Package store provides concrete implementations of the Session &
// Checkpoint store ports (spec.md §4.7): an in-memory store for tests and
// small deployments, and SQL-backed stores for production, grounded on
// graph/store's MemStore[S]/SQLiteStore[S]/MySQLStore[S] generalized from
// "workflow state S" to "Session" and "Checkpoint".
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/neuroconv/orchestrator/internal/checkpoint"
	taxerr "github.com/neuroconv/orchestrator/internal/errors"
	"github.com/neuroconv/orchestrator/internal/session"
)

// MemSessionStore is an in-memory session.Store, grounded on
// graph/store/memory.go's MemStore[S]: a mutex-guarded map keyed by id,
// storing a deep copy on every write/read so callers can never mutate
// store-owned state through an aliased pointer.
type MemSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func NewMemSessionStore() *MemSessionStore {
	return &MemSessionStore{sessions: make(map[string]*session.Session)}
}

func cloneSession(s *session.Session) *session.Session {
	c := *s
	c.Checkpoints = append([]string(nil), s.Checkpoints...)
	c.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		c.Metadata[k] = v
	}
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	if s.PendingPrompt != nil {
		p := *s.PendingPrompt
		c.PendingPrompt = &p
	}
	return &c
}

func (m *MemSessionStore) Create(ctx context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return taxerr.New(taxerr.KindInternal, "session already exists: "+s.ID)
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *MemSessionStore) LoadLatest(ctx context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemSessionStore) Persist(ctx context.Context, s *session.Session, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[s.ID]
	if !ok {
		return 0, session.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return 0, session.ErrConcurrency
	}
	if existing.State.IsTerminal() {
		return 0, session.ErrTerminalState
	}

	s.Version = expectedVersion + 1
	m.sessions[s.ID] = cloneSession(s)
	return s.Version, nil
}

func (m *MemSessionStore) ListActive(ctx context.Context, filter session.Filter) ([]*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wantStates := map[session.State]bool{}
	for _, st := range filter.States {
		wantStates[st] = true
	}

	var out []*session.Session
	for _, s := range m.sessions {
		if s.State.IsTerminal() {
			continue
		}
		if filter.PrincipalID != "" && s.PrincipalID != filter.PrincipalID {
			continue
		}
		if len(wantStates) > 0 && !wantStates[s.State] {
			continue
		}
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemSessionStore) Expire(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemSessionStore) Purge(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return session.ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

// MemCheckpointStore is an in-memory checkpoint.Store, the checkpoint
// analogue of MemSessionStore. Unlike FSStore it performs no durable
// write-temp-fsync-rename sequence; it exists for tests and for
// deployments that accept checkpoint loss on process restart.
type MemCheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string][]checkpoint.Checkpoint
}

func NewMemCheckpointStore() *MemCheckpointStore {
	return &MemCheckpointStore{checkpoints: make(map[string][]checkpoint.Checkpoint)}
}

func (m *MemCheckpointStore) Append(ctx context.Context, c checkpoint.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[c.SessionID] = append(m.checkpoints[c.SessionID], c)
	return nil
}

func (m *MemCheckpointStore) LatestValid(ctx context.Context, sessionID string) (checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.checkpoints[sessionID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Verify() {
			return list[i], nil
		}
	}
	return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
}

func (m *MemCheckpointStore) List(ctx context.Context, sessionID string) ([]checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]checkpoint.Checkpoint, len(m.checkpoints[sessionID]))
	copy(out, m.checkpoints[sessionID])
	return out, nil
}
