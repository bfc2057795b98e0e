package workflow

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/neuroconv/orchestrator/internal/agentport"
	"github.com/neuroconv/orchestrator/internal/checkpoint"
	"github.com/neuroconv/orchestrator/internal/dispatch"
	taxerr "github.com/neuroconv/orchestrator/internal/errors"
	"github.com/neuroconv/orchestrator/internal/event"
	"github.com/neuroconv/orchestrator/internal/provenance"
	"github.com/neuroconv/orchestrator/internal/session"
)

// stepResult is what execStep sends back to runLoop once a dispatch
// attempt settles, the generalized analogue of graph.NodeResult[S].
type stepResult struct {
	stepID string
	role   agentport.Role
	resp   agentport.Response
	err    error
}

// runLoop drives s from its current checkpointed frontier to the next
// suspension or terminal state (spec.md §4.1's execution algorithm),
// generalized from graph.Engine.runConcurrent: steps whose roles differ
// run concurrently; same-role steps share a role-bounded semaphore
// (roleLimiter). The caller must hold e.lockFor(s.ID) for the duration.
func (e *Engine) runLoop(parent context.Context, def *WorkflowDefinition, s *session.Session) {
	ctx, cancel := context.WithCancel(parent)
	e.mu.Lock()
	e.cancels[s.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, s.ID)
		e.mu.Unlock()
		cancel()
	}()

	done := e.loadStepOutputs(ctx, s.ID)
	if raw, ok := s.Metadata[inputSlotKey]; ok {
		done[inputSlotKey] = json.RawMessage(raw)
	}
	for k, v := range s.Metadata {
		if stepID, ok := strings.CutPrefix(k, resumeInputPrefix); ok {
			done[resumeInputKey(stepID)] = json.RawMessage(v)
		}
	}
	dispatched := map[string]bool{}
	resultCh := make(chan stepResult, len(def.Steps))
	inFlight := 0

	for {
		for _, id := range def.Ready(done) {
			if dispatched[id] {
				continue
			}
			dispatched[id] = true
			inFlight++
			st := def.Steps[id]
			snapshot := snapshotOutputs(done)
			go e.execStep(ctx, s, st, snapshot, resultCh)
		}

		if inFlight == 0 {
			if def.Terminal(done) {
				e.complete(ctx, s)
			}
			return
		}

		res := <-resultCh
		inFlight--

		if ctx.Err() != nil && res.err == context.Canceled {
			if inFlight == 0 {
				e.cancelled(ctx, s)
				return
			}
			continue
		}

		switch {
		case res.err != nil:
			if e.handleStepFailure(ctx, def, s, res) {
				return
			}
		case res.resp.Tag == agentport.TagInputRequired:
			e.suspend(ctx, s, res)
			return
		default:
			if e.foldOutput(ctx, def, s, res, done, dispatched) {
				return
			}
		}
	}
}

// snapshotOutputs copies done so a concurrently-running execStep's
// BuildInput call never races with the run loop's later mutation of the
// shared map.
func snapshotOutputs(done map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(done))
	for k, v := range done {
		out[k] = v
	}
	return out
}

// execStep acquires a role-bounded slot, dispatches through the Agent
// Dispatcher, and reports the outcome on resultCh. A step with Compute set
// runs inline instead, bypassing the dispatcher and the role limiter
// entirely.
func (e *Engine) execStep(ctx context.Context, s *session.Session, st Step, done map[string]json.RawMessage, resultCh chan<- stepResult) {
	payload, err := st.BuildInput(done)
	if err != nil {
		resultCh <- stepResult{stepID: st.ID, role: st.Role, err: err}
		return
	}

	if st.Compute != nil {
		e.events.Publish(s.ID, event.KindStepStarted, map[string]any{"step_id": st.ID, "role": string(st.Role)})
		resp, err := st.Compute(payload)
		resultCh <- stepResult{stepID: st.ID, role: st.Role, resp: resp, err: err}
		return
	}

	if !e.limiter.acquire(st.Role, ctx.Done()) {
		resultCh <- stepResult{stepID: st.ID, role: st.Role, err: ctx.Err()}
		return
	}
	defer e.limiter.release(st.Role)

	req := agentport.Request{
		Role:       st.Role,
		StepID:     st.ID,
		SessionID:  s.ID,
		Payload:    payload,
		Idempotent: st.Idempotent,
	}
	retry := dispatch.RetryPolicy{
		MaxAttempts: st.Retry.MaxAttempts,
		BaseDelay:   time.Duration(st.Retry.BaseDelay),
		MaxDelay:    time.Duration(st.Retry.MaxDelay),
	}
	timeout := time.Duration(st.TimeoutNanos)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	e.events.Publish(s.ID, event.KindStepStarted, map[string]any{"step_id": st.ID, "role": string(st.Role)})
	started := time.Now()
	resp, err := e.dispatcher.Dispatch(ctx, req, retry, timeout, string(st.Role))

	status := "success"
	if err != nil {
		status = "error"
	}
	if e.metrics != nil {
		e.metrics.RecordStepLatency(s.ID, st.ID, string(st.Role), time.Since(started), status)
	}
	e.logger.WithSession(s.ID).WithStep(st.ID, string(st.Role)).Debug().
		Str("status", status).Dur("latency", time.Since(started)).Msg("step dispatched")

	resultCh <- stepResult{stepID: st.ID, role: st.Role, resp: resp, err: err}
}

// foldOutput records a successful step's output into the checkpoint,
// advances the macro state if the step's role maps to a different one,
// and applies the validation-fail recovery policy when the step is a
// RoleValidation step whose response reports a failing status. Returns
// true if the run loop should stop: the checkpoint write failed, or the
// validation-failure handling ended the run or could not persist.
func (e *Engine) foldOutput(ctx context.Context, def *WorkflowDefinition, s *session.Session, res stepResult, done map[string]json.RawMessage, dispatched map[string]bool) bool {
	raw, err := json.Marshal(res.resp.Payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	done[res.stepID] = raw
	s.CurrentStepID = res.stepID
	s.CompletionFraction = float64(completedStepCount(def, done)) / float64(len(def.Steps))

	e.events.Publish(s.ID, event.KindStepCompleted, map[string]any{"step_id": res.stepID})
	e.recordProvenance(ctx, s.ID, res.stepID, string(res.role))

	if res.role == agentport.RoleValidation && validationFailed(res.resp) {
		return e.handleValidationFailure(ctx, def, s, done, dispatched)
	}

	if target, ok := roleState[res.role]; ok && target != s.State {
		if err := s.Transition(target); err == nil {
			e.events.Publish(s.ID, event.KindStateChanged, map[string]any{"state": string(s.State)})
		}
	}

	return !e.writeCheckpoint(ctx, def, s, done, "")
}

// inputSlotKey is the synthetic "done" entry holding the session's
// originally submitted input (spec.md §3's dataset ref), so a source
// step's BuildInput can read it the same way any other step reads an
// ancestor's output — via outputs[inputSlotKey] — without widening
// BuildInput's signature beyond map[string]json.RawMessage.
const inputSlotKey = "__input"

// resumeInputPrefix prefixes the Metadata key Engine.ProvideInput writes
// the caller's answer under ("__input:"+StepID), keyed by the step that
// was suspended awaiting it. resumeInputKey maps that step id to the
// done-map slot runLoop exposes it under, so a resumed step's BuildInput
// can read its own answer via outputs[resumeInputKey(selfID)] the same
// way it reads an ancestor's output.
const resumeInputPrefix = "__input:"

func resumeInputKey(stepID string) string {
	return "__resume:" + stepID
}

// completedStepCount counts done's entries that correspond to an actual
// workflow step, excluding synthetic slots like inputSlotKey, so
// CompletionFraction reaches exactly 1.0 once every real step is done.
func completedStepCount(def *WorkflowDefinition, done map[string]json.RawMessage) int {
	n := 0
	for id := range def.Steps {
		if _, ok := done[id]; ok {
			n++
		}
	}
	return n
}

func validationFailed(resp agentport.Response) bool {
	status, _ := resp.Payload["status"].(string)
	return status == "Fail"
}

// handleValidationFailure implements spec.md §4.1's "Validating
// →on validation-fail→ CollectingMetadata (if auto-fix exhausted=false)
// else Failed". Re-entering CollectingMetadata only matters if the steps
// that produced the rejected output actually re-run, so this also strips
// the MetadataCollector/Conversion/Validation steps from done and
// dispatched: Ready() would otherwise keep treating them as complete.
func (e *Engine) handleValidationFailure(ctx context.Context, def *WorkflowDefinition, s *session.Session, done map[string]json.RawMessage, dispatched map[string]bool) bool {
	attempts := 0
	if s.Metadata != nil {
		if v, ok := s.Metadata[autoFixAttemptsKey]; ok {
			json.Unmarshal([]byte(v), &attempts) //nolint:errcheck
		}
	}

	if attempts >= maxAutoFixAttempts {
		return e.fail(ctx, s, "ValidationFailed", "", "validation failed after auto-fix attempts exhausted")
	}

	attempts++
	raw, _ := json.Marshal(attempts)
	s.Metadata[autoFixAttemptsKey] = string(raw)
	if e.metrics != nil {
		e.metrics.IncrementAutofixRetries(s.ID)
	}

	if err := s.Transition(session.StateCollectingMetadata); err != nil {
		return e.fail(ctx, s, "Internal", "", err.Error())
	}

	for id, st := range def.Steps {
		switch st.Role {
		case agentport.RoleMetadataCollector, agentport.RoleConversion, agentport.RoleValidation:
			delete(done, id)
			delete(dispatched, id)
		}
	}

	e.events.Publish(s.ID, event.KindStateChanged, map[string]any{"state": string(s.State)})
	if _, err := e.sessions.Persist(ctx, s, s.Version-1); err != nil {
		return true
	}
	return false
}

// handleStepFailure routes a step's dispatch error to the non-terminal
// Failed-Retryable state when the dispatcher's classification still marks
// the failure retryable (its per-step retries were exhausted, not the
// failure ruled permanent), and to the hard-terminal Failed state
// otherwise (spec.md §4.1's resume() contract over {Suspended,
// Failed-Retryable}).
func (e *Engine) handleStepFailure(ctx context.Context, def *WorkflowDefinition, s *session.Session, res stepResult) bool {
	kind := "AgentPermanentFailure"
	retryable := false
	if te, ok := taxerr.As(res.err); ok {
		kind = string(te.Kind)
		retryable = te.Retryable
	}
	if retryable {
		return e.failRetryable(ctx, s, kind, res.stepID, errMessage(res.err))
	}
	return e.fail(ctx, s, kind, res.stepID, errMessage(res.err))
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (e *Engine) fail(ctx context.Context, s *session.Session, kind, stepID, message string) bool {
	if err := s.Transition(session.StateFailed); err != nil {
		return true
	}
	s.Error = &session.ErrorRecord{
		Kind:          kind,
		FailingStepID: stepID,
		LastAgentRole: "",
		WorkerMessage: message,
	}
	e.events.Publish(s.ID, event.KindError, map[string]any{"kind": kind, "message": message})
	e.events.Publish(s.ID, event.KindStateChanged, map[string]any{"state": string(s.State)})
	_, _ = e.sessions.Persist(ctx, s, s.Version-1)
	if e.metrics != nil {
		e.metrics.IncrementSessionsCompleted(string(session.StateFailed))
	}
	e.logger.WithSession(s.ID).Error().Str("kind", kind).Str("step_id", stepID).Msg(message)
	return true
}

// failRetryable transitions s to the non-terminal StateFailedRetryable,
// recording the macro state it was executing under on FailedReturn so a
// later resume() re-enters the same frontier (spec.md §4.1). Falls back
// to the hard-terminal fail path if the transition itself is illegal
// (s already terminal by the time this runs).
func (e *Engine) failRetryable(ctx context.Context, s *session.Session, kind, stepID, message string) bool {
	returnState := s.State
	if err := s.Transition(session.StateFailedRetryable); err != nil {
		return e.fail(ctx, s, kind, stepID, message)
	}
	s.FailedReturn = returnState
	s.Error = &session.ErrorRecord{
		Kind:          kind,
		FailingStepID: stepID,
		LastAgentRole: "",
		WorkerMessage: message,
	}
	e.events.Publish(s.ID, event.KindError, map[string]any{"kind": kind, "message": message})
	e.events.Publish(s.ID, event.KindStateChanged, map[string]any{"state": string(s.State)})
	_, _ = e.sessions.Persist(ctx, s, s.Version-1)
	e.logger.WithSession(s.ID).Warn().Str("kind", kind).Str("step_id", stepID).Msg(message)
	return true
}

// suspend implements spec.md §4.1's "on InputRequired→ Suspended
// (return→CollectingMetadata)": both Analyzing's and CollectingMetadata's
// InputRequired edges name the same return state, so SuspendedReturn is
// fixed regardless of which role raised the prompt.
func (e *Engine) suspend(ctx context.Context, s *session.Session, res stepResult) {
	s.SuspendedReturn = session.StateCollectingMetadata
	s.PendingPrompt = &session.PromptSchema{
		StepID:   res.stepID,
		Schema:   res.resp.Prompt.Schema,
		Timeout:  res.resp.Prompt.Timeout,
		IssuedAt: time.Now(),
	}
	if err := s.Transition(session.StateSuspended); err != nil {
		e.fail(ctx, s, "Internal", res.stepID, err.Error())
		return
	}

	done := e.loadStepOutputs(ctx, s.ID)
	e.writeCheckpoint(ctx, nil, s, done, "suspend:"+res.stepID)
	e.events.Publish(s.ID, event.KindInputRequired, map[string]any{"step_id": res.stepID, "schema": res.resp.Prompt.Schema})
	e.events.Publish(s.ID, event.KindStateChanged, map[string]any{"state": string(s.State)})
	_, _ = e.sessions.Persist(ctx, s, s.Version-1)
}

func (e *Engine) cancelled(ctx context.Context, s *session.Session) {
	if err := s.Transition(session.StateCancelled); err != nil {
		return
	}
	e.events.Publish(s.ID, event.KindStateChanged, map[string]any{"state": string(s.State)})
	_, _ = e.sessions.Persist(ctx, s, s.Version-1)
	if e.metrics != nil {
		e.metrics.IncrementSessionsCompleted(string(session.StateCancelled))
	}
}

func (e *Engine) complete(ctx context.Context, s *session.Session) {
	if err := s.Transition(session.StateCompleted); err != nil {
		return
	}
	s.CompletionFraction = 1
	e.events.Publish(s.ID, event.KindCompleted, map[string]any{"session_id": s.ID})
	e.events.Publish(s.ID, event.KindStateChanged, map[string]any{"state": string(s.State)})
	_, _ = e.sessions.Persist(ctx, s, s.Version-1)
	if e.metrics != nil {
		e.metrics.IncrementSessionsCompleted(string(session.StateCompleted))
	}
	e.logger.WithSession(s.ID).Info().Msg("session completed")
}

// writeCheckpoint persists a Checkpoint over done and the current ready
// frontier (spec.md §4.1: "advances the frontier, writes a checkpoint").
// def may be nil when called from suspend; the checkpoint then records an
// empty frontier, and the step awaiting input is named only in label.
func (e *Engine) writeCheckpoint(ctx context.Context, def *WorkflowDefinition, s *session.Session, done map[string]json.RawMessage, label string) bool {
	var frontier []checkpoint.FrontierItem
	if def != nil {
		for _, id := range def.Ready(done) {
			frontier = append(frontier, checkpoint.FrontierItem{StepID: id, AgentRole: string(def.Steps[id].Role)})
		}
	}

	c, err := checkpoint.New(s.ID, s.Version, done, frontier, label)
	if err != nil {
		e.fail(ctx, s, "Internal", "", err.Error())
		return false
	}
	if err := e.checkpoints.Append(ctx, c); err != nil {
		e.fail(ctx, s, "Internal", "", err.Error())
		return false
	}

	if _, err := e.sessions.Persist(ctx, s, s.Version-1); err != nil {
		return false
	}
	return true
}

// loadStepOutputs reconstructs the step-output map from the most recent
// valid checkpoint, or an empty map for a brand-new session.
func (e *Engine) loadStepOutputs(ctx context.Context, sessionID string) map[string]json.RawMessage {
	c, err := e.checkpoints.LatestValid(ctx, sessionID)
	if err != nil {
		return map[string]json.RawMessage{}
	}
	out := make(map[string]json.RawMessage, len(c.StepOutputs))
	for k, v := range c.StepOutputs {
		out[k] = v
	}
	return out
}

func (e *Engine) recordProvenance(ctx context.Context, sessionID, stepID, role string) {
	now := time.Now()
	degraded, fatal := e.provTrack.Append(func() error {
		return e.provStore.Append(ctx, sessionID, provenance.Record{
			SessionID:     sessionID,
			InvocationID:  stepID + ":" + now.Format(time.RFC3339Nano),
			StepID:        stepID,
			AgentRole:     role,
			AgentInstance: role + "-0",
			StartedAt:     now,
			EndedAt:       now,
		})
	})
	if degraded {
		e.events.Publish(sessionID, event.KindError, map[string]any{"kind": "ProvenanceDegraded", "step_id": stepID, "fatal": fatal})
		if e.metrics != nil {
			e.metrics.IncrementProvenanceDegraded(sessionID, fatal)
		}
		e.logger.WithSession(sessionID).Warn().Str("step_id", stepID).Bool("fatal", fatal).Msg("provenance append degraded")
	}
}
