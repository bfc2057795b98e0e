package contract

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neuroconv/orchestrator/internal/agentport"
	"github.com/neuroconv/orchestrator/internal/dispatch"
	"github.com/neuroconv/orchestrator/internal/event"
	"github.com/neuroconv/orchestrator/internal/provenance"
	"github.com/neuroconv/orchestrator/internal/session"
	"github.com/neuroconv/orchestrator/internal/store"
	"github.com/neuroconv/orchestrator/internal/validation"
	"github.com/neuroconv/orchestrator/internal/workflow"
)

func okPort() agentport.Port {
	return agentport.PortFunc(func(ctx context.Context, req agentport.Request, deadline time.Time) (agentport.Response, error) {
		return agentport.Response{Tag: agentport.TagOk, Payload: map[string]any{"status": "ok"}}, nil
	})
}

func newTestService(t *testing.T, registry *agentport.Registry) (*Service, *WorkflowRegistry) {
	t.Helper()
	sessions := store.NewMemSessionStore()
	checkpoints := store.NewMemCheckpointStore()
	disp := dispatch.New(registry, dispatch.CircuitPolicy{FailureThreshold: 3, Cooldown: time.Second}, nil)
	bus := event.New(event.RetentionPolicy{}, 64)
	provStore := provenance.NewMemStore()
	provTrack := provenance.NewDegradedTracker(1, 3)
	engine := workflow.New(sessions, checkpoints, disp, bus, provStore, provTrack, nil, 4, time.Hour, nil, nil)

	workflows := NewWorkflowRegistry()
	def, err := workflow.NewConversionWorkflow("neuroconv.standard", 30*time.Second, nil, 0.05)
	require.NoError(t, err)
	workflows.Register("neuroconv.standard", def)

	svc := New(engine, workflows, sessions, bus, provStore, disp, validation.DefaultWeights)
	return svc, workflows
}

func fullRegistry() *agentport.Registry {
	r := agentport.NewRegistry()
	r.Register(agentport.RoleAnalysis, okPort())
	r.Register(agentport.RoleMetadataCollector, okPort())
	r.Register(agentport.RoleConversion, okPort())
	r.Register(agentport.RoleValidation, okPort())
	return r
}

func TestWorkflowRegistry_ResolveUnknown(t *testing.T) {
	r := NewWorkflowRegistry()
	_, err := r.Resolve("nope")
	require.Error(t, err)
}

func TestService_SubmitAndStatus(t *testing.T) {
	svc, _ := newTestService(t, fullRegistry())

	id, err := svc.Submit(context.Background(), "neuroconv.standard", "s3://bucket/rec.dat", "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		snap, err := svc.Status(context.Background(), id)
		return err == nil && snap.State == session.StateCompleted
	}, time.Second, time.Millisecond)
}

func TestService_SubmitUnknownWorkflowRef(t *testing.T) {
	svc, _ := newTestService(t, fullRegistry())
	_, err := svc.Submit(context.Background(), "nope", "ref", "user-1")
	require.Error(t, err)
}

func TestService_ListSessions(t *testing.T) {
	registry := agentport.NewRegistry()
	registry.Register(agentport.RoleAnalysis, agentport.PortFunc(func(ctx context.Context, req agentport.Request, deadline time.Time) (agentport.Response, error) {
		return agentport.Response{
			Tag:    agentport.TagInputRequired,
			Prompt: &agentport.PromptSchema{Schema: map[string]any{"required": []any{"species"}}, Timeout: time.Minute},
		}, nil
	}))
	svc, _ := newTestService(t, registry)

	_, err := svc.Submit(context.Background(), "neuroconv.standard", "ref", "user-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		summaries, err := svc.ListSessions(context.Background(), session.Filter{PrincipalID: "user-1"})
		return err == nil && len(summaries) == 1 && summaries[0].State == session.StateSuspended
	}, time.Second, time.Millisecond)
}

func TestService_ValidateStandalone(t *testing.T) {
	registry := agentport.NewRegistry()
	registry.Register(agentport.RoleValidation, agentport.PortFunc(func(ctx context.Context, req agentport.Request, deadline time.Time) (agentport.Response, error) {
		return agentport.Response{Tag: agentport.TagOk, Payload: map[string]any{
			"issues": []map[string]any{
				{"severity": "Warning", "rule_id": "W1", "location": "/x", "message": "minor", "fix_hint": ""},
			},
		}}, nil
	}))
	svc, _ := newTestService(t, registry)

	report, err := svc.ValidateStandalone(context.Background(), "file.nwb", []string{"nwbinspector"})
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	require.Equal(t, validation.StatusWarning, report.Status)
}

func TestService_ValidateStandalone_RequiresValidatorIDs(t *testing.T) {
	svc, _ := newTestService(t, fullRegistry())
	_, err := svc.ValidateStandalone(context.Background(), "file.nwb", nil)
	require.Error(t, err)
}
