package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neuroconv/orchestrator/internal/agentport"
	"github.com/neuroconv/orchestrator/internal/session"
)

// computeDef builds a two-step DAG: a dispatched "collect" source step
// whose MetadataCollector port always suspends for a "species" answer,
// feeding a RoleInternal "echo" step that runs inline via Compute and
// reports back whatever species value it sees in its input, so the test
// can tell whether the answer provided via ProvideInput actually reached
// a step downstream of the one that suspended.
func computeDef(t *testing.T, seen *string) *WorkflowDefinition {
	t.Helper()
	def, err := New("wf-compute", []Step{
		{
			ID:         "collect",
			Role:       agentport.RoleMetadataCollector,
			BuildInput: datasetInputMapper("collect"),
			Retry:      RetryPolicy{MaxAttempts: 1},
		},
		{
			ID:         "echo",
			Role:       agentport.RoleInternal,
			DependsOn:  []string{"collect"},
			BuildInput: fromPriorStep("collect", "echo"),
			Compute: func(input map[string]any) (agentport.Response, error) {
				if species, ok := input["species"].(string); ok {
					*seen = species
				}
				return agentport.Response{Tag: agentport.TagOk, Payload: map[string]any{}}, nil
			},
		},
	})
	require.NoError(t, err)
	return def
}

func suspendOncePort() agentport.Port {
	first := true
	return agentport.PortFunc(func(ctx context.Context, req agentport.Request, deadline time.Time) (agentport.Response, error) {
		if first {
			first = false
			return agentport.Response{
				Tag:    agentport.TagInputRequired,
				Prompt: &agentport.PromptSchema{Schema: map[string]any{"required": []any{"species"}}, Timeout: time.Minute},
			}, nil
		}
		return agentport.Response{Tag: agentport.TagOk, Payload: req.Payload}, nil
	})
}

// TestRoleInternal_ComputeStepRunsInlineWithoutDispatch confirms a step
// with Compute set never needs a registered port: it runs directly off
// the role-internal branch in execStep.
func TestRoleInternal_ComputeStepRunsInlineWithoutDispatch(t *testing.T) {
	var seen string
	registry := agentport.NewRegistry()
	registry.Register(agentport.RoleMetadataCollector, agentport.PortFunc(func(ctx context.Context, req agentport.Request, deadline time.Time) (agentport.Response, error) {
		return agentport.Response{Tag: agentport.TagOk, Payload: map[string]any{"species": "mouse"}}, nil
	}))

	e := newTestEngine(t, registry)
	def := computeDef(t, &seen)

	id, err := e.Submit(context.Background(), def, "user-1", nil)
	require.NoError(t, err)

	snap, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, session.StateCompleted, snap.State)
	require.Equal(t, "mouse", seen)
}

// TestProvideInput_AnswerReachesDownstreamComputeStep is the regression
// test for the resume-input plumbing: the "collect" step suspends for a
// "species" answer, and once provided, the answer must flow into
// "collect"'s own recorded output so "echo" (which reads collect's
// output via fromPriorStep) observes it after resume.
func TestProvideInput_AnswerReachesDownstreamComputeStep(t *testing.T) {
	var seen string
	registry := agentport.NewRegistry()
	registry.Register(agentport.RoleMetadataCollector, suspendOncePort())

	e := newTestEngine(t, registry)
	def := computeDef(t, &seen)

	id, err := e.Submit(context.Background(), def, "user-1", nil)
	require.NoError(t, err)

	snap, err := e.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, session.StateSuspended, snap.State)

	err = e.ProvideInput(context.Background(), def, id, map[string]any{"species": "mouse"})
	require.NoError(t, err)

	snap, err = e.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, session.StateCompleted, snap.State)
	require.Equal(t, "mouse", seen)
}
