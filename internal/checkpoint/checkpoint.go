// Package checkpoint implements the durable per-session execution snapshot
// described in spec.md §3 and §4.7, generalized from graph.Checkpoint[S]
// (graph/checkpoint.go) from "arbitrary node state S" to "step-output map
// plus DAG execution frontier for a Session".
package checkpoint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// FrontierItem is one step eligible to run when resuming from a Checkpoint.
// Ordering is by StepID, mirroring graph.WorkItem's OrderKey tie-break.
type FrontierItem struct {
	StepID    string `json:"step_id"`
	AgentRole string `json:"agent_role"`
}

// Checkpoint is a durable snapshot taken after each step completion and
// before each suspension (spec.md §3). Checkpoints are append-only; a
// session's checkpoint list only ever grows.
type Checkpoint struct {
	// SessionID identifies the owning session.
	SessionID string `json:"session_id"`

	// Version is the session version counter at the moment this checkpoint
	// was taken. For all checkpoints persisted for a session, Version never
	// exceeds the session's version at the time of the next read.
	Version int64 `json:"version"`

	// StepOutputs holds every step's output recorded so far, keyed by step
	// id. Steps already present here are not re-executed on resume.
	StepOutputs map[string]json.RawMessage `json:"step_outputs"`

	// Frontier is the set of steps eligible to run next, sorted by StepID
	// for deterministic resume ordering.
	Frontier []FrontierItem `json:"frontier"`

	// IntegrityHash is a SHA-256 hash over the serialized payload above,
	// formatted "sha256:hex" per the teacher's IdempotencyKey convention
	// (graph/checkpoint.go). A checkpoint whose hash fails verification is
	// treated as absent; the prior valid checkpoint is used instead.
	IntegrityHash string `json:"integrity_hash"`

	// Timestamp records when this checkpoint was written.
	Timestamp time.Time `json:"timestamp"`

	// Label optionally names a user-requested save point. Empty for
	// checkpoints written automatically after a step or before suspension.
	Label string `json:"label,omitempty"`
}

// New builds a Checkpoint for sessionID at version, computing its integrity
// hash over the supplied payload. Frontier is sorted by StepID before the
// hash is taken so that equivalent frontiers in different orders produce
// the same checkpoint.
func New(sessionID string, version int64, stepOutputs map[string]json.RawMessage, frontier []FrontierItem, label string) (Checkpoint, error) {
	sorted := make([]FrontierItem, len(frontier))
	copy(sorted, frontier)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StepID < sorted[j].StepID })

	if stepOutputs == nil {
		stepOutputs = map[string]json.RawMessage{}
	}

	hash, err := computeIntegrityHash(sessionID, version, stepOutputs, sorted)
	if err != nil {
		return Checkpoint{}, err
	}

	return Checkpoint{
		SessionID:     sessionID,
		Version:       version,
		StepOutputs:   stepOutputs,
		Frontier:      sorted,
		IntegrityHash: hash,
		Timestamp:     time.Now(),
		Label:         label,
	}, nil
}

// Verify recomputes c's integrity hash and reports whether it still matches
// IntegrityHash. A false result means c must be treated as absent
// (spec.md §4.7's atomic-checkpoint invariant).
func (c Checkpoint) Verify() bool {
	want, err := computeIntegrityHash(c.SessionID, c.Version, c.StepOutputs, c.Frontier)
	if err != nil {
		return false
	}
	return want == c.IntegrityHash
}

// computeIntegrityHash hashes (sessionID, version, sorted step outputs,
// sorted frontier) the same way graph.checkpoint.go's computeIdempotencyKey
// hashes (runID, stepID, sorted work items, state): write the session id
// and the 8-byte big-endian version first, then each step output's key
// and raw bytes in sorted key order, then each frontier item's step id
// and role, so the hash is stable across map iteration order.
func computeIntegrityHash(sessionID string, version int64, stepOutputs map[string]json.RawMessage, frontier []FrontierItem) (string, error) {
	h := sha256.New()
	h.Write([]byte(sessionID))

	versionBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(versionBytes, uint64(version))
	h.Write(versionBytes)

	keys := make([]string, 0, len(stepOutputs))
	for k := range stepOutputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write(stepOutputs[k])
	}

	for _, item := range frontier {
		h.Write([]byte(item.StepID))
		h.Write([]byte(item.AgentRole))
	}

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
