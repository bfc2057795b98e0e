// Package contract implements the Orchestration API (spec.md §6.3): a
// protocol-independent service facade over the Workflow Engine, the
// Validation Aggregator, the Session Store, and the Event Bus. The three
// transport adapters (stdio, HTTP, WebSocket) each hold one Service and
// translate their own wire framing into calls on it, the way
// kadirpekel-hector's mcptoolset keeps transport framing out of the tool
// implementations it wraps.
package contract

import (
	"sync"

	taxerr "github.com/neuroconv/orchestrator/internal/errors"
	"github.com/neuroconv/orchestrator/internal/workflow"
)

// WorkflowRegistry resolves a workflow ref (spec.md §6.3's submit input)
// to the WorkflowDefinition it names. Definitions are registered once at
// startup by cmd/orchestratord; the registry itself never mutates a
// definition after registration, mirroring WorkflowDefinition's own
// immutability contract.
type WorkflowRegistry struct {
	mu   sync.RWMutex
	defs map[string]*workflow.WorkflowDefinition
}

// NewWorkflowRegistry builds an empty registry.
func NewWorkflowRegistry() *WorkflowRegistry {
	return &WorkflowRegistry{defs: make(map[string]*workflow.WorkflowDefinition)}
}

// Register binds ref to def, overwriting any previous definition for ref.
func (r *WorkflowRegistry) Register(ref string, def *workflow.WorkflowDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[ref] = def
}

// Resolve looks up the definition bound to ref.
func (r *WorkflowRegistry) Resolve(ref string) (*workflow.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[ref]
	if !ok {
		return nil, taxerr.New(taxerr.KindInvalidWorkflow, "unknown workflow ref: "+ref)
	}
	return def, nil
}
