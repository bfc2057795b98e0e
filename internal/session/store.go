package session

import (
	"context"
	"time"
)

// Filter narrows listActive (spec.md §6.3 listSessions).
type Filter struct {
	PrincipalID string
	States      []State
}

// Store is the Session & State Store port (spec.md §4.7, §6.2): the only
// component that durably owns Session data. It mirrors graph.store.Store's
// shape (save/load/optimistic-version) generalized from "workflow state S"
// to "Session".
type Store interface {
	// Create persists a brand-new session at version 1.
	Create(ctx context.Context, s *Session) error

	// LoadLatest returns the most recently persisted version of a session.
	LoadLatest(ctx context.Context, id string) (*Session, error)

	// Persist writes s iff the persisted version equals expectedVersion
	// (optimistic concurrency, spec.md §4.7); on success s.Version and the
	// stored version both become expectedVersion+1, which is returned.
	// Returns ErrConcurrency on mismatch and ErrTerminalState
	// if the persisted session is already terminal.
	Persist(ctx context.Context, s *Session, expectedVersion int64) (newVersion int64, err error)

	// ListActive returns all non-terminal sessions matching filter.
	ListActive(ctx context.Context, filter Filter) ([]*Session, error)

	// Expire marks every session whose ExpiresAt is before cutoff as purged,
	// returning the number of sessions removed.
	Expire(ctx context.Context, cutoff time.Time) (int, error)

	// Purge administratively deletes a single session and its checkpoints.
	Purge(ctx context.Context, id string) error
}
