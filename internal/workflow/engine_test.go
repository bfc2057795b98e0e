package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neuroconv/orchestrator/internal/agentport"
	"github.com/neuroconv/orchestrator/internal/dispatch"
	taxerr "github.com/neuroconv/orchestrator/internal/errors"
	"github.com/neuroconv/orchestrator/internal/event"
	"github.com/neuroconv/orchestrator/internal/provenance"
	"github.com/neuroconv/orchestrator/internal/session"
	"github.com/neuroconv/orchestrator/internal/store"
)

// okPort always returns TagOk with payload {"status": "ok"}.
func okPort() agentport.Port {
	return agentport.PortFunc(func(ctx context.Context, req agentport.Request, deadline time.Time) (agentport.Response, error) {
		return agentport.Response{Tag: agentport.TagOk, Payload: map[string]any{"status": "ok", "step": req.StepID}}, nil
	})
}

func noInputMapper(map[string]json.RawMessage) (map[string]any, error) {
	return map[string]any{}, nil
}

func newTestEngine(t *testing.T, registry *agentport.Registry) *Engine {
	t.Helper()
	sessions := store.NewMemSessionStore()
	checkpoints := store.NewMemCheckpointStore()
	disp := dispatch.New(registry, dispatch.CircuitPolicy{FailureThreshold: 3, Cooldown: time.Second}, nil)
	bus := event.New(event.RetentionPolicy{}, 64)
	provStore := provenance.NewMemStore()
	provTrack := provenance.NewDegradedTracker(1, 3)
	return New(sessions, checkpoints, disp, bus, provStore, provTrack, nil, 4, time.Hour, nil, nil)
}

func linearDef(t *testing.T) *WorkflowDefinition {
	t.Helper()
	def, err := New("wf-linear", []Step{
		{ID: "analyze", Role: agentport.RoleAnalysis, BuildInput: noInputMapper, Retry: RetryPolicy{MaxAttempts: 1}},
		{ID: "collect", Role: agentport.RoleMetadataCollector, DependsOn: []string{"analyze"}, BuildInput: noInputMapper, Retry: RetryPolicy{MaxAttempts: 1}},
		{ID: "convert", Role: agentport.RoleConversion, DependsOn: []string{"collect"}, BuildInput: noInputMapper, Retry: RetryPolicy{MaxAttempts: 1}},
		{ID: "validate", Role: agentport.RoleValidation, DependsOn: []string{"convert"}, BuildInput: noInputMapper, Retry: RetryPolicy{MaxAttempts: 1}},
	})
	require.NoError(t, err)
	return def
}

func TestSubmit_RunsToCompletion(t *testing.T) {
	registry := agentport.NewRegistry()
	registry.Register(agentport.RoleAnalysis, okPort())
	registry.Register(agentport.RoleMetadataCollector, okPort())
	registry.Register(agentport.RoleConversion, okPort())
	registry.Register(agentport.RoleValidation, okPort())

	e := newTestEngine(t, registry)
	def := linearDef(t)

	id, err := e.Submit(context.Background(), def, "user-1", map[string]any{"source": "file.dat"})
	require.NoError(t, err)

	snap, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, session.StateCompleted, snap.State)
	require.Equal(t, float64(1), snap.CompletionFraction)
}

func TestSubmit_SuspendsOnInputRequired(t *testing.T) {
	registry := agentport.NewRegistry()
	analyzeCalls := 0
	registry.Register(agentport.RoleAnalysis, agentport.PortFunc(func(ctx context.Context, req agentport.Request, deadline time.Time) (agentport.Response, error) {
		analyzeCalls++
		if analyzeCalls == 1 {
			return agentport.Response{
				Tag:    agentport.TagInputRequired,
				Prompt: &agentport.PromptSchema{Schema: map[string]any{"required": []any{"species"}}, Timeout: time.Minute},
			}, nil
		}
		return agentport.Response{Tag: agentport.TagOk, Payload: map[string]any{}}, nil
	}))
	registry.Register(agentport.RoleMetadataCollector, okPort())

	e := newTestEngine(t, registry)
	def, err := New("wf-suspend", []Step{
		{ID: "analyze", Role: agentport.RoleAnalysis, BuildInput: noInputMapper, Retry: RetryPolicy{MaxAttempts: 1}},
		{ID: "collect", Role: agentport.RoleMetadataCollector, DependsOn: []string{"analyze"}, BuildInput: noInputMapper, Retry: RetryPolicy{MaxAttempts: 1}},
	})
	require.NoError(t, err)

	id, err := e.Submit(context.Background(), def, "user-1", nil)
	require.NoError(t, err)

	snap, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, session.StateSuspended, snap.State)

	// analyze's output is never recorded on InputRequired, so resuming
	// re-dispatches analyze under the spec's only return target,
	// CollectingMetadata; this time the fake port completes it, and
	// collect runs to completion under that same state.
	require.NoError(t, e.ProvideInput(context.Background(), def, id, map[string]any{"species": "mouse"}))

	snap, err = e.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, session.StateCompleted, snap.State)
	require.Equal(t, 2, analyzeCalls)
}

func TestSubmit_PermanentFailureTransitionsToFailed(t *testing.T) {
	registry := agentport.NewRegistry()
	registry.Register(agentport.RoleAnalysis, agentport.PortFunc(func(ctx context.Context, req agentport.Request, deadline time.Time) (agentport.Response, error) {
		return agentport.Response{}, &agentport.Error{Kind: "bad_input", Retryable: false, Message: "unreadable file"}
	}))

	e := newTestEngine(t, registry)
	def, err := New("wf-fail", []Step{
		{ID: "analyze", Role: agentport.RoleAnalysis, BuildInput: noInputMapper, Retry: RetryPolicy{MaxAttempts: 1}},
	})
	require.NoError(t, err)

	id, err := e.Submit(context.Background(), def, "user-1", nil)
	require.NoError(t, err)

	snap, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, session.StateFailed, snap.State)
	require.NotNil(t, snap.Error)
	require.Equal(t, "AgentPermanentFailure", snap.Error.Kind)
}

// TestSubmit_RetryableFailureSuspendsAsFailedRetryableThenResumes exercises
// spec.md §4.1's resume() contract over {Suspended, Failed-Retryable}: a
// step whose failure is still policy-retryable, but whose retries are
// exhausted, lands the session in the non-terminal Failed-Retryable state
// rather than the hard-terminal Failed; resume() re-enters the macro
// state the step failed under and re-dispatches it.
func TestSubmit_RetryableFailureSuspendsAsFailedRetryableThenResumes(t *testing.T) {
	registry := agentport.NewRegistry()
	calls := 0
	registry.Register(agentport.RoleAnalysis, agentport.PortFunc(func(ctx context.Context, req agentport.Request, deadline time.Time) (agentport.Response, error) {
		calls++
		if calls == 1 {
			return agentport.Response{}, &agentport.Error{Kind: "upstream_unavailable", Retryable: true, Message: "worker pool exhausted"}
		}
		return agentport.Response{Tag: agentport.TagOk, Payload: map[string]any{}}, nil
	}))
	registry.Register(agentport.RoleMetadataCollector, okPort())
	registry.Register(agentport.RoleConversion, okPort())
	registry.Register(agentport.RoleValidation, okPort())

	e := newTestEngine(t, registry)
	def := linearDef(t)

	id, err := e.Submit(context.Background(), def, "user-1", nil)
	require.NoError(t, err)

	snap, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, session.StateFailedRetryable, snap.State)
	require.NotNil(t, snap.Error)
	require.Equal(t, "AgentPermanentFailure", snap.Error.Kind)

	require.NoError(t, e.Resume(context.Background(), def, id))

	snap, err = e.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, session.StateCompleted, snap.State)
	require.Equal(t, 2, calls)
}

func TestValidationFailure_RetriesThenFailsAfterExhaustion(t *testing.T) {
	attempts := 0
	registry := agentport.NewRegistry()
	registry.Register(agentport.RoleAnalysis, okPort())
	registry.Register(agentport.RoleMetadataCollector, okPort())
	registry.Register(agentport.RoleConversion, okPort())
	registry.Register(agentport.RoleValidation, agentport.PortFunc(func(ctx context.Context, req agentport.Request, deadline time.Time) (agentport.Response, error) {
		attempts++
		return agentport.Response{Tag: agentport.TagOk, Payload: map[string]any{"status": "Fail"}}, nil
	}))

	e := newTestEngine(t, registry)
	def := linearDef(t)

	id, err := e.Submit(context.Background(), def, "user-1", nil)
	require.NoError(t, err)

	snap, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, session.StateFailed, snap.State)
	require.Equal(t, 3, attempts) // initial + 2 auto-fix retries, then exhausted
}

func TestProvideInput_RejectsWhenNoPendingPrompt(t *testing.T) {
	registry := agentport.NewRegistry()
	registry.Register(agentport.RoleAnalysis, okPort())
	e := newTestEngine(t, registry)
	def, err := New("wf-x", []Step{{ID: "analyze", Role: agentport.RoleAnalysis, BuildInput: noInputMapper, Retry: RetryPolicy{MaxAttempts: 1}}})
	require.NoError(t, err)

	id, err := e.Submit(context.Background(), def, "user-1", nil)
	require.NoError(t, err)

	err = e.ProvideInput(context.Background(), def, id, map[string]any{"x": 1})
	te, ok := taxerr.As(err)
	require.True(t, ok)
	require.Equal(t, taxerr.KindNotSuspended, te.Kind)
}

func TestCancel_TerminalSessionIsNoop(t *testing.T) {
	registry := agentport.NewRegistry()
	registry.Register(agentport.RoleAnalysis, okPort())
	registry.Register(agentport.RoleMetadataCollector, okPort())
	registry.Register(agentport.RoleConversion, okPort())
	registry.Register(agentport.RoleValidation, okPort())

	e := newTestEngine(t, registry)
	def := linearDef(t)

	id, err := e.Submit(context.Background(), def, "user-1", nil)
	require.NoError(t, err)

	require.NoError(t, e.Cancel(context.Background(), id))

	snap, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, session.StateCompleted, snap.State)
}
