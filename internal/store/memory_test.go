package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neuroconv/orchestrator/internal/checkpoint"
	"github.com/neuroconv/orchestrator/internal/session"
)

func TestMemSessionStore_CreateLoadPersist(t *testing.T) {
	ctx := context.Background()
	store := NewMemSessionStore()

	s := session.New("principal-1", "workflow-1", time.Hour)
	require.NoError(t, store.Create(ctx, s))

	loaded, err := store.LoadLatest(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, s.State, loaded.State)

	loaded.State = session.StateCollectingMetadata
	newVersion, err := store.Persist(ctx, loaded, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), newVersion)

	reloaded, err := store.LoadLatest(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, session.StateCollectingMetadata, reloaded.State)
}

func TestMemSessionStore_PersistRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemSessionStore()
	s := session.New("p", "w", time.Hour)
	require.NoError(t, store.Create(ctx, s))

	_, err := store.Persist(ctx, s, 99)
	require.ErrorIs(t, err, session.ErrConcurrency)
}

func TestMemSessionStore_ListActiveExcludesTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemSessionStore()

	active := session.New("p", "w", time.Hour)
	require.NoError(t, store.Create(ctx, active))

	done := session.New("p", "w", time.Hour)
	require.NoError(t, done.Transition(session.StateFailed))
	require.NoError(t, store.Create(ctx, done))

	list, err := store.ListActive(ctx, session.Filter{PrincipalID: "p"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, active.ID, list[0].ID)
}

func TestMemCheckpointStore_AppendThenLatestValid(t *testing.T) {
	ctx := context.Background()
	store := NewMemCheckpointStore()

	c1, err := checkpoint.New("sess-1", 1, nil, nil, "")
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, c1))

	latest, err := store.LatestValid(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, c1.IntegrityHash, latest.IntegrityHash)
}

func TestMemCheckpointStore_UnknownSessionReturnsNotFound(t *testing.T) {
	store := NewMemCheckpointStore()
	_, err := store.LatestValid(context.Background(), "missing")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}
