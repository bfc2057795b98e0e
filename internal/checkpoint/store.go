package checkpoint

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a session has no checkpoints.
var ErrNotFound = errors.New("checkpoint: not found")

// Store is the checkpoint store port (spec.md §4.7, §6.2): append(session,
// checkpoint) / latestValid(session), generalized from graph.Store[S]'s
// SaveCheckpoint/LoadCheckpoint pair. Checkpoints are append-only; Store
// implementations must never overwrite a previously appended checkpoint.
type Store interface {
	// Append durably writes c. Implementations must make the write atomic
	// (stage + fsync + rename, or an equivalent transactional commit) so a
	// reader never observes a partially written checkpoint.
	Append(ctx context.Context, c Checkpoint) error

	// LatestValid returns the most recent checkpoint for sessionID whose
	// integrity hash verifies. A checkpoint failing verification is skipped
	// in favor of the next most recent one, per spec.md §4.7's invariant
	// that a checkpoint failing hash verification is treated as absent.
	// Returns ErrNotFound if no valid checkpoint exists.
	LatestValid(ctx context.Context, sessionID string) (Checkpoint, error)

	// List returns every checkpoint recorded for sessionID, oldest first,
	// regardless of validity — used by provenance and debugging tooling.
	List(ctx context.Context, sessionID string) ([]Checkpoint, error)
}
