// Package workflow implements the Workflow Engine & Session State Machine
// (spec.md §4.1): a DAG-based step scheduler over Session state, generalized
// from graph.Engine[S] (graph/engine.go)'s Run/runConcurrent/mergeDeltas/
// evaluateEdges/SaveCheckpoint/ResumeFromCheckpoint methods, replacing
// "node, arbitrary state S" with "workflow step bound to an agent role,
// Session state".
package workflow

import (
	"encoding/json"
	"sort"

	taxerr "github.com/neuroconv/orchestrator/internal/errors"

	"github.com/neuroconv/orchestrator/internal/agentport"
)

// RetryPolicy mirrors dispatch.RetryPolicy at the step-definition level,
// so a WorkflowDefinition can be constructed without importing dispatch.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   int64 // nanoseconds, converted to time.Duration at dispatch
	MaxDelay    int64
}

// InputMapper builds a step's request payload from its ancestors' already
// recorded outputs. Pure by contract: no side effects, deterministic given
// the same outputs map.
type InputMapper func(outputs map[string]json.RawMessage) (map[string]any, error)

// Step is one node of a WorkflowDefinition's DAG (spec.md §3).
type Step struct {
	ID           string
	Role         agentport.Role
	TimeoutNanos int64
	Retry        RetryPolicy
	Suspendable  bool
	Idempotent   bool
	BuildInput   InputMapper
	DependsOn    []string

	// Compute, when set, runs st inside the engine itself instead of
	// dispatching through the Agent Dispatcher: no retries, no circuit
	// breaker, no role-limiter slot (spec.md §4.3's Format Detection
	// Coordinator is a pure function with no persistence and no
	// goroutines). Intended for agentport.RoleInternal steps; the engine
	// never dispatches a step with Compute set.
	Compute func(input map[string]any) (agentport.Response, error)
}

// WorkflowDefinition is an immutable DAG of steps (spec.md §3). Construct
// with New, which validates acyclicity the same defensive way
// graph.Engine.Add/StartAt validate graph construction at build time
// rather than at run time.
type WorkflowDefinition struct {
	ID    string
	Steps map[string]Step
	// topological is a deterministic topological ordering of step ids,
	// computed once at construction (Kahn's algorithm, ties broken by
	// step id) so the engine's "tie-break by step id" requirement
	// (spec.md §4.1) holds for free whenever steps are walked in this order.
	topological []string
}

// New validates steps (non-empty unique ids, every dependency names a
// declared step, acyclic) and returns a WorkflowDefinition ready for
// Engine.Submit. Agent roles and BuildInput mappers are not checked. It never mutates steps after construction.
func New(id string, steps []Step) (*WorkflowDefinition, error) {
	byID := make(map[string]Step, len(steps))
	for _, st := range steps {
		if st.ID == "" {
			return nil, taxerr.New(taxerr.KindInvalidWorkflow, "step with empty id")
		}
		if _, dup := byID[st.ID]; dup {
			return nil, taxerr.New(taxerr.KindInvalidWorkflow, "duplicate step id: "+st.ID)
		}
		byID[st.ID] = st
	}

	for _, st := range byID {
		for _, dep := range st.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, taxerr.New(taxerr.KindInvalidWorkflow, "step "+st.ID+" depends on unknown step "+dep)
			}
		}
	}

	order, err := topologicalSort(byID)
	if err != nil {
		return nil, err
	}

	return &WorkflowDefinition{ID: id, Steps: byID, topological: order}, nil
}

// topologicalSort runs Kahn's algorithm over byID's DependsOn edges,
// breaking ties deterministically by step id at every round (spec.md
// §4.1's "tie-breaking for parallel ready steps is by step id"), and
// reports CircularDependency if a cycle prevents full ordering.
func topologicalSort(byID map[string]Step) ([]string, error) {
	indegree := make(map[string]int, len(byID))
	dependents := make(map[string][]string, len(byID))

	for id, st := range byID {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range st.DependsOn {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(byID))
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		children := append([]string(nil), dependents[next]...)
		sort.Strings(children)
		for _, child := range children {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(order) != len(byID) {
		return nil, taxerr.New(taxerr.KindCircularDependency, "workflow definition contains a cycle")
	}
	return order, nil
}

// SourceSteps returns the steps with no dependencies, the initial ready
// set submit enqueues (spec.md §4.1).
func (d *WorkflowDefinition) SourceSteps() []string {
	var out []string
	for _, id := range d.topological {
		if len(d.Steps[id].DependsOn) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Ready returns the steps, in deterministic step-id order, whose
// dependencies are all present in done and which are not already in done.
func (d *WorkflowDefinition) Ready(done map[string]json.RawMessage) []string {
	var out []string
	for _, id := range d.topological {
		if _, already := done[id]; already {
			continue
		}
		st := d.Steps[id]
		satisfied := true
		for _, dep := range st.DependsOn {
			if _, ok := done[dep]; !ok {
				satisfied = false
				break
			}
		}
		if satisfied {
			out = append(out, id)
		}
	}
	return out
}

// Terminal reports whether every step's output is already recorded.
func (d *WorkflowDefinition) Terminal(done map[string]json.RawMessage) bool {
	for id := range d.Steps {
		if _, ok := done[id]; !ok {
			return false
		}
	}
	return true
}
