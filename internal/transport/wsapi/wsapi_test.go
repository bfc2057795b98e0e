package wsapi

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
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

func blockingAnalysisPort() agentport.Port {
	return agentport.PortFunc(func(ctx context.Context, req agentport.Request, deadline time.Time) (agentport.Response, error) {
		return agentport.Response{
			Tag:    agentport.TagInputRequired,
			Prompt: &agentport.PromptSchema{Schema: map[string]any{"required": []any{"species"}}, Timeout: time.Minute},
		}, nil
	})
}

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	registry := agentport.NewRegistry()
	registry.Register(agentport.RoleAnalysis, blockingAnalysisPort())

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

	svc := contract.New(engine, workflows, sessions, bus, provStore, disp, validation.DefaultWeights)
	return New(svc, nil)
}

func TestHandleConnect_NotFoundClosesWithCode4004(t *testing.T) {
	adapter := newTestAdapter(t)
	server := httptest.NewServer(adapter.Router())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/conversions/missing"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, 4004, closeErr.Code)
}

func TestHandleConnect_SubscribedOnValidSession(t *testing.T) {
	adapter := newTestAdapter(t)
	server := httptest.NewServer(adapter.Router())
	defer server.Close()

	id, err := adapter.svc.Submit(context.Background(), "neuroconv.standard", "ref.dat", "user-1")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/conversions/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "subscribed", msg["type"])
}
