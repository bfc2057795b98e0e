package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neuroconv/orchestrator/internal/agentport"
	"github.com/neuroconv/orchestrator/internal/dispatch"
	"github.com/neuroconv/orchestrator/internal/event"
	"github.com/neuroconv/orchestrator/internal/provenance"
	"github.com/neuroconv/orchestrator/internal/store"
	"github.com/neuroconv/orchestrator/internal/transport/contract"
	"github.com/neuroconv/orchestrator/internal/validation"
	"github.com/neuroconv/orchestrator/internal/workflow"
)

func okPort() agentport.Port {
	return agentport.PortFunc(func(ctx context.Context, req agentport.Request, deadline time.Time) (agentport.Response, error) {
		return agentport.Response{Tag: agentport.TagOk, Payload: map[string]any{}}, nil
	})
}

func newTestService(t *testing.T) *contract.Service {
	t.Helper()
	registry := agentport.NewRegistry()
	registry.Register(agentport.RoleAnalysis, okPort())
	registry.Register(agentport.RoleMetadataCollector, okPort())
	registry.Register(agentport.RoleConversion, okPort())
	registry.Register(agentport.RoleValidation, okPort())

	sessions := store.NewMemSessionStore()
	checkpoints := store.NewMemCheckpointStore()
	disp := dispatch.New(registry, dispatch.CircuitPolicy{FailureThreshold: 3, Cooldown: time.Second}, nil)
	bus := event.New(event.RetentionPolicy{}, 64)
	provStore := provenance.NewMemStore()
	provTrack := provenance.NewDegradedTracker(1, 3)
	engine := workflow.New(sessions, checkpoints, disp, bus, provStore, provTrack, nil, 4, time.Hour, nil, nil)

	workflows := contract.NewWorkflowRegistry()
	def, err := workflow.NewConversionWorkflow("neuroconv.standard", 30*time.Second, nil, 0.05)
	require.NoError(t, err)
	workflows.Register("neuroconv.standard", def)

	return contract.New(engine, workflows, sessions, bus, provStore, disp, validation.DefaultWeights)
}

func TestAdapter_SubmitThenStatus(t *testing.T) {
	svc := newTestService(t)
	adapter := New(svc)

	in := bytes.NewBufferString(
		`{"tool":"submit","id":"1","args":{"workflow_ref":"neuroconv.standard","dataset_ref":"ref.dat","principal_id":"u1"}}` + "\n",
	)
	var out bytes.Buffer

	err := adapter.Serve(context.Background(), in, &out)
	require.NoError(t, err)

	var submitResp response
	line, err := bufio.NewReader(&out).ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, &submitResp))
	require.Equal(t, "1", submitResp.ID)
	require.NotNil(t, submitResp.Result)
}

func TestAdapter_UnknownTool(t *testing.T) {
	svc := newTestService(t)
	adapter := New(svc)

	in := bytes.NewBufferString(`{"tool":"doesNotExist","id":"9","args":{}}` + "\n")
	var out bytes.Buffer

	err := adapter.Serve(context.Background(), in, &out)
	require.NoError(t, err)

	var resp response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.Equal(t, "9", resp.ID)
	require.NotNil(t, resp.Error)
	require.Equal(t, "InvalidWorkflow", resp.Error.Kind)
}

func TestAdapter_MalformedLine(t *testing.T) {
	svc := newTestService(t)
	adapter := New(svc)

	in := bytes.NewBufferString("not json\n")
	var out bytes.Buffer

	err := adapter.Serve(context.Background(), in, &out)
	require.NoError(t, err)

	var resp response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.NotNil(t, resp.Error)
}
