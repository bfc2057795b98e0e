package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFSStore_AppendThenLatestValid(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	c1, err := New("sess-1", 1, nil, nil, "")
	require.NoError(t, err)
	c2, err := New("sess-1", 2, nil, nil, "")
	require.NoError(t, err)

	require.NoError(t, store.Append(ctx, c1))
	require.NoError(t, store.Append(ctx, c2))

	latest, err := store.LatestValid(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), latest.Version)
}

func TestFSStore_LatestValid_SkipsCorruptedNewestCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	require.NoError(t, err)

	c1, err := New("sess-1", 1, nil, nil, "")
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, c1))

	c2, err := New("sess-1", 2, nil, nil, "")
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, c2))

	// Corrupt the newest checkpoint's payload on disk directly.
	path := filepath.Join(dir, "sess-1", checkpointFileName(2))
	require.NoError(t, os.WriteFile(path, []byte(`{"session_id":"sess-1","version":2,"integrity_hash":"sha256:deadbeef"}`), 0o644))

	latest, err := store.LatestValid(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), latest.Version, "corrupted checkpoint must be treated as absent")
}

func TestFSStore_LatestValid_UnknownSessionReturnsNotFound(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.LatestValid(context.Background(), "unknown")
	require.ErrorIs(t, err, ErrNotFound)
}
