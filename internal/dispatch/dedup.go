package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/neuroconv/orchestrator/internal/agentport"
)

// requestKey hashes (sessionID, stepID, first-attempt payload) the same
// way graph/checkpoint.go hashes idempotency keys: SHA-256 over the fixed
// identifying fields plus the JSON-marshaled variable payload.
func requestKey(sessionID, stepID string, payload map[string]any) (string, error) {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte(stepID))
	enc, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	h.Write(enc)
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// dedupCache caches the first attempt's response for idempotent
// invocations, keyed per session so a duplicate dispatch (caused by a
// crash-and-resume or a stray retry racing with a successful attempt)
// returns the original outcome instead of re-invoking the worker.
type dedupCache struct {
	mu      sync.Mutex
	entries map[string]agentport.Response
}

func newDedupCache() *dedupCache {
	return &dedupCache{entries: make(map[string]agentport.Response)}
}

func (d *dedupCache) get(key string) (agentport.Response, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.entries[key]
	return r, ok
}

func (d *dedupCache) put(key string, resp agentport.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = resp
}
