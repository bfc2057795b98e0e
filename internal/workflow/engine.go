package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/neuroconv/orchestrator/internal/agentport"
	"github.com/neuroconv/orchestrator/internal/checkpoint"
	"github.com/neuroconv/orchestrator/internal/dispatch"
	taxerr "github.com/neuroconv/orchestrator/internal/errors"
	"github.com/neuroconv/orchestrator/internal/event"
	"github.com/neuroconv/orchestrator/internal/provenance"
	"github.com/neuroconv/orchestrator/internal/session"
	"github.com/neuroconv/orchestrator/internal/telemetry"
)

// roleState maps an agent role to the macro session state a step of that
// role runs under (spec.md §4.1's state diagram). RoleInternal steps never
// change the macro state; they execute under whatever state is current.
var roleState = map[agentport.Role]session.State{
	agentport.RoleAnalysis:          session.StateAnalyzing,
	agentport.RoleMetadataCollector: session.StateCollectingMetadata,
	agentport.RoleConversion:        session.StateConverting,
	agentport.RoleValidation:        session.StateValidating,
}

// maxAutoFixAttempts bounds how many times a failed Validating step
// returns the session to CollectingMetadata before the engine gives up
// and transitions to Failed (spec.md §4.1's "if auto-fix exhausted").
const maxAutoFixAttempts = 2

const autoFixAttemptsKey = "autofix_attempts"

// Engine composes every other component into the only part of the system
// with complete knowledge of a session's lifecycle (spec.md §2's control
// flow item 8), generalized from graph.Engine[S]'s Run/runConcurrent/
// mergeDeltas/evaluateEdges/SaveCheckpoint/ResumeFromCheckpoint.
type Engine struct {
	sessions    session.Store
	checkpoints checkpoint.Store
	dispatcher  *dispatch.Dispatcher
	events      *event.Bus
	provStore   provenance.Store
	provTrack   *provenance.DegradedTracker
	limiter     *roleLimiter
	metrics     *telemetry.Metrics
	logger      *telemetry.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	cancels map[string]context.CancelFunc

	sessionTTL time.Duration
}

// New builds an Engine over the supplied ports. perRoleLimits configures
// roleLimiter; defaultRoleLimit applies to any role not named. metrics
// and logger may be nil; a nil logger falls back to a console logger
// writing to stdout rather than requiring every caller (including tests)
// to supply one.
func New(
	sessions session.Store,
	checkpoints checkpoint.Store,
	dispatcher *dispatch.Dispatcher,
	events *event.Bus,
	provStore provenance.Store,
	provTrack *provenance.DegradedTracker,
	perRoleLimits map[string]int,
	defaultRoleLimit int,
	sessionTTL time.Duration,
	metrics *telemetry.Metrics,
	logger *telemetry.Logger,
) *Engine {
	if logger == nil {
		logger = telemetry.NewConsoleLogger("orchestrator")
	}
	return &Engine{
		sessions:    sessions,
		checkpoints: checkpoints,
		dispatcher:  dispatcher,
		events:      events,
		provStore:   provStore,
		provTrack:   provTrack,
		limiter:     newRoleLimiter(perRoleLimits, defaultRoleLimit),
		metrics:     metrics,
		logger:      logger,
		locks:       make(map[string]*sync.Mutex),
		cancels:     make(map[string]context.CancelFunc),
		sessionTTL:  sessionTTL,
	}
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Snapshot is the status() operation's return value (spec.md §4.1).
type Snapshot struct {
	SessionID          string
	State              session.State
	Version            int64
	CurrentStepID      string
	CompletionFraction float64
	LatestEventSeq     uint64
	Error              *session.ErrorRecord
}

// Submit constructs a new session in StateAnalyzing, persists it at
// version 1, and drives execution from the DAG's source steps until the
// session suspends or reaches a terminal state (spec.md §4.1). Fails with
// InvalidWorkflow/CircularDependency only via def construction, which
// New already validated; Submit itself cannot return those kinds.
func (e *Engine) Submit(ctx context.Context, def *WorkflowDefinition, principalID string, input map[string]any) (string, error) {
	s := session.New(principalID, def.ID, e.sessionTTL)
	s.Metadata[inputSlotKey], _ = marshalInputMetadata(input)

	if err := e.sessions.Create(ctx, s); err != nil {
		return "", err
	}

	lock := e.lockFor(s.ID)
	lock.Lock()
	defer lock.Unlock()

	e.events.Publish(s.ID, event.KindStateChanged, map[string]any{"state": string(s.State)})
	e.runLoop(ctx, def, s)
	return s.ID, nil
}

// Resume reloads the most recent valid checkpoint and re-enters execution
// from its frontier (spec.md §4.1). Requires state ∈ {Suspended,
// Failed-Retryable}; any other state fails with TerminalState. Suspended
// resumes into SuspendedReturn (always CollectingMetadata); Failed-
// Retryable resumes into FailedReturn, the macro state the step was
// executing under when its retries were exhausted.
func (e *Engine) Resume(ctx context.Context, def *WorkflowDefinition, sessionID string) error {
	lock := e.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := e.sessions.LoadLatest(ctx, sessionID)
	if err != nil {
		return err
	}
	target, err := resumeTarget(s)
	if err != nil {
		return err
	}

	if err := s.Transition(target); err != nil {
		return err
	}
	s.PendingPrompt = nil
	if _, err := e.sessions.Persist(ctx, s, s.Version-1); err != nil {
		return err
	}

	e.events.Publish(s.ID, event.KindStateChanged, map[string]any{"state": string(s.State)})
	e.runLoop(ctx, def, s)
	return nil
}

// resumeTarget reports the state a resume() call must transition s into,
// per spec.md §4.1/§6.3's resume() contract over {Suspended,
// Failed-Retryable}.
func resumeTarget(s *session.Session) (session.State, error) {
	switch s.State {
	case session.StateSuspended:
		return s.SuspendedReturn, nil
	case session.StateFailedRetryable:
		return s.FailedReturn, nil
	default:
		return "", taxerr.New(taxerr.KindTerminalState, "resume requires a suspended or failed-retryable session")
	}
}

// ProvideInput validates and records input against the pending prompt,
// then resumes execution the same way Resume does (spec.md §4.1).
func (e *Engine) ProvideInput(ctx context.Context, def *WorkflowDefinition, sessionID string, input map[string]any) error {
	lock := e.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := e.sessions.LoadLatest(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.State != session.StateSuspended || s.PendingPrompt == nil {
		return taxerr.New(taxerr.KindNotSuspended, "session has no outstanding InputRequired prompt")
	}

	if err := validateAgainstSchema(input, s.PendingPrompt.Schema); err != nil {
		return err
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return taxerr.Wrap(taxerr.KindInternal, "marshal provided input", err)
	}
	s.Metadata[resumeInputPrefix+s.PendingPrompt.StepID] = string(raw)

	if err := s.Transition(s.SuspendedReturn); err != nil {
		return err
	}
	s.PendingPrompt = nil
	if _, err := e.sessions.Persist(ctx, s, s.Version-1); err != nil {
		return err
	}

	e.events.Publish(s.ID, event.KindStateChanged, map[string]any{"state": string(s.State)})
	e.runLoop(ctx, def, s)
	return nil
}

// Cancel requests cooperative cancellation of any in-flight invocations
// for sessionID; the running loop observes ctx.Done() and transitions to
// Cancelled once outstanding invocations return (spec.md §4.1). A second
// Cancel against an already-cancelled or terminal session is a no-op.
func (e *Engine) Cancel(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[sessionID]
	e.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	lock := e.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := e.sessions.LoadLatest(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.State.IsTerminal() {
		return nil
	}
	if err := s.Transition(session.StateCancelled); err != nil {
		return err
	}
	_, err = e.sessions.Persist(ctx, s, s.Version-1)
	return err
}

// Status returns a point-in-time snapshot (spec.md §4.1).
func (e *Engine) Status(ctx context.Context, sessionID string) (Snapshot, error) {
	s, err := e.sessions.LoadLatest(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		SessionID:          s.ID,
		State:              s.State,
		Version:            s.Version,
		CurrentStepID:      s.CurrentStepID,
		CompletionFraction: s.CompletionFraction,
		LatestEventSeq:     e.events.Latest(sessionID),
		Error:              s.Error,
	}, nil
}

// Provenance streams the accumulated provenance log serialized as Turtle
// (spec.md §4.1's default format).
func (e *Engine) Provenance(ctx context.Context, sessionID string) (string, error) {
	log, err := e.provStore.Stream(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return log.ToTurtle(), nil
}

func marshalInputMetadata(input map[string]any) (string, error) {
	raw, err := json.Marshal(input)
	return string(raw), err
}

// validateAgainstSchema checks that every key the schema's "required"
// array names is present in input. This is intentionally the minimal
// structural check spec.md §4.1 asks for ("validates input against the
// pending prompt schema"); a full JSON Schema validator is outside the
// core's scope (§1's out-of-scope worker-role internals).
func errMissingField(key string) error { return taxerr.New(taxerr.KindInputSchemaMismatch, "missing required field: "+key) }

func validateAgainstSchema(input map[string]any, schema map[string]any) error {
	required, ok := schema["required"].([]any)
	if !ok {
		return nil
	}
	for _, r := range required {
		key, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := input[key]; !present {
			return errMissingField(key)
		}
	}
	return nil
}
