package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FSStore is a filesystem-backed Store implementing the atomic
// stage+fsync+rename contract spec.md §4.7 and §6.2 require: each
// checkpoint is written to a temp file in the same directory, fsynced,
// then renamed over its final path so a concurrent reader always sees
// either the previous checkpoint or the complete new one, never a partial
// write. This mirrors the "write temp, fsync, rename" discipline implied
// by graph/checkpoint.go's IdempotencyKey hashing convention, applied here
// at the filesystem layer rather than in-process.
type FSStore struct {
	mu  sync.Mutex
	dir string
}

// NewFSStore returns a Store that persists checkpoints under dir, one
// subdirectory per session. dir is created if absent.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create store dir: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) sessionDir(sessionID string) string {
	return filepath.Join(s.dir, sessionID)
}

// checkpointFileName encodes version with zero-padding so a directory
// listing sorts oldest-to-newest lexicographically.
func checkpointFileName(version int64) string {
	return fmt.Sprintf("%020d.json", version)
}

func (s *FSStore) Append(ctx context.Context, c Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.sessionDir(c.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: create session dir: %w", err)
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	final := filepath.Join(dir, checkpointFileName(c.Version))
	tmp, err := os.CreateTemp(dir, ".tmp-checkpoint-*")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return fmt.Errorf("checkpoint: rename into place: %w", err)
	}

	return nil
}

func (s *FSStore) LatestValid(ctx context.Context, sessionID string) (Checkpoint, error) {
	all, err := s.List(ctx, sessionID)
	if err != nil {
		return Checkpoint{}, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Verify() {
			return all[i], nil
		}
	}
	return Checkpoint{}, ErrNotFound
}

func (s *FSStore) List(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.sessionDir(sessionID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list session dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	if len(names) == 0 {
		return nil, ErrNotFound
	}

	out := make([]Checkpoint, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("checkpoint: read %s: %w", name, err)
		}
		var c Checkpoint
		if err := json.Unmarshal(raw, &c); err != nil {
			continue // corrupt file: treated as absent, not fatal
		}
		out = append(out, c)
	}
	return out, nil
}
