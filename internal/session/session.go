// Package session implements the Session data model and the state machine
// described in spec.md §3 and §4.1, generalized from graph.Engine's
// sequential run-to-completion model into a suspendable, resumable,
// version-checkpointed session lifecycle.
package session

import (
	"time"

	"github.com/google/uuid"
)

// State is a member of the session state machine (spec.md §4.1).
type State string

const (
	StateAnalyzing          State = "Analyzing"
	StateCollectingMetadata State = "CollectingMetadata"
	StateConverting         State = "Converting"
	StateValidating         State = "Validating"
	StateSuspended          State = "Suspended"
	// StateFailedRetryable is the non-terminal failed state a step lands
	// in when it exhausts its retry policy but the underlying failure is
	// still policy-retryable (spec.md §4.1's resume() contract: "Requires
	// state ∈ {Suspended, Failed-Retryable}"). Distinct from StateFailed,
	// which is hard-terminal and has no resume path.
	StateFailedRetryable State = "Failed-Retryable"
	StateCompleted       State = "Completed"
	StateFailed          State = "Failed"
	StateCancelled       State = "Cancelled"
)

// terminal reports whether a state accepts no further mutation.
var terminal = map[State]bool{
	StateCompleted: true,
	StateFailed:    true,
	StateCancelled: true,
}

// IsTerminal reports whether s is a terminal state (spec.md §3 invariant).
func (s State) IsTerminal() bool { return terminal[s] }

// legalTransitions is the precomputed adjacency table for spec.md §4.1's
// state machine, validated the same defensive way graph.Engine.Connect
// validates edges: illegal transitions are rejected, not silently coerced.
//
// Suspended carries a "return" state (the state to resume into after
// provideInput); that return state is tracked on Session.SuspendedReturn
// rather than folded into the State type. Per the diagram, every
// InputRequired edge — from Analyzing or from CollectingMetadata — returns
// to CollectingMetadata; Suspended itself therefore transitions to exactly
// that one state plus Failed (UserInputTimeout) and Cancelled (always
// legal from any non-terminal state). FailedRetryable carries the same
// kind of return state on Session.FailedReturn, recording whichever macro
// state the step was executing under when its retries were exhausted.
var legalTransitions = map[State]map[State]bool{
	StateAnalyzing: {
		StateCollectingMetadata: true,
		StateSuspended:          true,
		StateFailedRetryable:    true,
		StateFailed:             true,
		StateCancelled:          true,
	},
	StateCollectingMetadata: {
		StateConverting:      true,
		StateSuspended:       true,
		StateFailedRetryable: true,
		StateFailed:          true,
		StateCancelled:       true,
	},
	StateConverting: {
		StateValidating:      true,
		StateFailedRetryable: true,
		StateFailed:          true,
		StateCancelled:       true,
	},
	StateValidating: {
		StateCompleted:          true,
		StateCollectingMetadata: true, // validation-fail, auto-fix not exhausted
		StateFailedRetryable:    true,
		StateFailed:             true,
		StateCancelled:          true,
	},
	StateSuspended: {
		StateCollectingMetadata: true, // resume target recorded on the session
		StateFailed:             true, // UserInputTimeout
		StateCancelled:          true,
	},
	StateFailedRetryable: {
		StateAnalyzing:          true, // resume target recorded on FailedReturn
		StateCollectingMetadata: true,
		StateConverting:         true,
		StateValidating:         true,
		StateFailed:             true, // operator gives up after a failed resume attempt
		StateCancelled:          true,
	},
}

// CanTransition reports whether to is reachable from from per the
// precomputed adjacency table.
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	return legalTransitions[from][to]
}

// ErrorRecord is embedded on a session that has reached StateFailed.
type ErrorRecord struct {
	Kind              string `json:"kind"`
	FailingStepID     string `json:"failing_step_id"`
	LastAgentRole     string `json:"last_agent_role"`
	WorkerMessage     string `json:"worker_message"`
	RecoveryHint      string `json:"recovery_hint,omitempty"`
	CorrelationID     string `json:"correlation_id"`
}

// Session is the top-level durable unit described in spec.md §3.
type Session struct {
	ID               string            `json:"id"`
	PrincipalID      string            `json:"principal_id"`
	WorkflowRef      string            `json:"workflow_ref"`
	State            State             `json:"state"`
	SuspendedReturn  State             `json:"suspended_return,omitempty"`
	FailedReturn     State             `json:"failed_return,omitempty"`
	Version          int64             `json:"version"`
	Checkpoints      []string          `json:"checkpoints"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
	Metadata         map[string]string `json:"metadata"`
	Error            *ErrorRecord      `json:"error,omitempty"`
	PendingPrompt    *PromptSchema     `json:"pending_prompt,omitempty"`
	CurrentStepID    string            `json:"current_step_id,omitempty"`
	CompletionFraction float64         `json:"completion_fraction"`
	LatestEventSeq   uint64            `json:"latest_event_seq"`
}

// PromptSchema describes an InputRequired prompt awaiting provideInput.
type PromptSchema struct {
	StepID  string         `json:"step_id"`
	Schema  map[string]any `json:"schema"`
	Timeout time.Duration  `json:"timeout"`
	IssuedAt time.Time     `json:"issued_at"`
}

// New constructs a new Session in StateAnalyzing, version 1, exactly as
// workflow.Engine.submit requires (spec.md §4.1).
func New(principalID, workflowRef string, ttl time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:          newSessionID(),
		PrincipalID: principalID,
		WorkflowRef: workflowRef,
		State:       StateAnalyzing,
		Version:     1,
		Checkpoints: []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Metadata:    map[string]string{},
	}
}

// newSessionID derives a URL-safe, 128-bit-class random identifier the
// way kadirpekel-hector's session store and evalgo-org-eve mint session
// and request ids: github.com/google/uuid's v4 generator.
func newSessionID() string {
	return uuid.NewString()
}

// Transition validates and applies a state transition in place. It does
// not persist the session; callers (the Workflow Engine, under the
// per-session lock) are responsible for calling the Store afterward.
func (s *Session) Transition(to State) error {
	if s.State.IsTerminal() {
		return ErrTerminalState
	}
	if !CanTransition(s.State, to) {
		return ErrInvalidStateTransition
	}
	s.State = to
	s.UpdatedAt = time.Now()
	return nil
}

// Touch bumps the version counter and update timestamp without altering
// state — used for metadata-only mutations.
func (s *Session) Touch() {
	s.Version++
	s.UpdatedAt = time.Now()
}
