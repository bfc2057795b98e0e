package workflow

import (
	"context"
	"encoding/json"

	"github.com/neuroconv/orchestrator/internal/event"

	taxerr "github.com/neuroconv/orchestrator/internal/errors"
	"github.com/neuroconv/orchestrator/internal/session"
)

// SubmitAsync performs Submit's synchronous preamble (session creation,
// persistence at version 1) and returns the new session id immediately,
// continuing execution on a background goroutine. This is what transport
// adapters call to honor spec.md §6.5's "returns 202 with session id"
// contract without the Workflow Engine itself needing to manage
// background goroutines for every caller (DESIGN.md's synchronicity
// note): the engine stays synchronous at its core; only the entry point
// transport adapters use is asynchronous.
func (e *Engine) SubmitAsync(ctx context.Context, def *WorkflowDefinition, principalID string, input map[string]any) (string, error) {
	s := session.New(principalID, def.ID, e.sessionTTL)
	s.Metadata[inputSlotKey], _ = marshalInputMetadata(input)

	if err := e.sessions.Create(ctx, s); err != nil {
		return "", err
	}

	go func() {
		lock := e.lockFor(s.ID)
		lock.Lock()
		defer lock.Unlock()
		e.events.Publish(s.ID, event.KindStateChanged, map[string]any{"state": string(s.State)})
		e.runLoop(ctx, def, s)
	}()

	return s.ID, nil
}

// ResumeAsync validates and applies Resume's synchronous state transition
// under the session lock, then continues execution on a background
// goroutine, returning an ack as soon as the transition is durable.
func (e *Engine) ResumeAsync(ctx context.Context, def *WorkflowDefinition, sessionID string) error {
	lock := e.lockFor(sessionID)
	lock.Lock()

	s, err := e.sessions.LoadLatest(ctx, sessionID)
	if err != nil {
		lock.Unlock()
		return err
	}
	target, err := resumeTarget(s)
	if err != nil {
		lock.Unlock()
		return err
	}
	if err := s.Transition(target); err != nil {
		lock.Unlock()
		return err
	}
	s.PendingPrompt = nil
	if _, err := e.sessions.Persist(ctx, s, s.Version-1); err != nil {
		lock.Unlock()
		return err
	}

	e.events.Publish(s.ID, event.KindStateChanged, map[string]any{"state": string(s.State)})
	go func() {
		defer lock.Unlock()
		e.runLoop(ctx, def, s)
	}()
	return nil
}

// ProvideInputAsync mirrors ResumeAsync for the provideInput operation.
func (e *Engine) ProvideInputAsync(ctx context.Context, def *WorkflowDefinition, sessionID string, input map[string]any) error {
	lock := e.lockFor(sessionID)
	lock.Lock()

	s, err := e.sessions.LoadLatest(ctx, sessionID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if s.State != session.StateSuspended || s.PendingPrompt == nil {
		lock.Unlock()
		return taxerr.New(taxerr.KindNotSuspended, "session has no outstanding InputRequired prompt")
	}
	if err := validateAgainstSchema(input, s.PendingPrompt.Schema); err != nil {
		lock.Unlock()
		return err
	}

	raw, err := json.Marshal(input)
	if err != nil {
		lock.Unlock()
		return taxerr.Wrap(taxerr.KindInternal, "marshal provided input", err)
	}
	s.Metadata[resumeInputPrefix+s.PendingPrompt.StepID] = string(raw)

	if err := s.Transition(s.SuspendedReturn); err != nil {
		lock.Unlock()
		return err
	}
	s.PendingPrompt = nil
	if _, err := e.sessions.Persist(ctx, s, s.Version-1); err != nil {
		lock.Unlock()
		return err
	}

	e.events.Publish(s.ID, event.KindStateChanged, map[string]any{"state": string(s.State)})
	go func() {
		defer lock.Unlock()
		e.runLoop(ctx, def, s)
	}()
	return nil
}
