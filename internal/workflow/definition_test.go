package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	taxerr "github.com/neuroconv/orchestrator/internal/errors"

	"github.com/neuroconv/orchestrator/internal/agentport"
)

func TestNew_RejectsCycle(t *testing.T) {
	_, err := New("wf", []Step{
		{ID: "a", Role: agentport.RoleAnalysis, DependsOn: []string{"b"}},
		{ID: "b", Role: agentport.RoleAnalysis, DependsOn: []string{"a"}},
	})
	te, ok := taxerr.As(err)
	require.True(t, ok)
	require.Equal(t, taxerr.KindCircularDependency, te.Kind)
}

func TestNew_RejectsUnknownDependency(t *testing.T) {
	_, err := New("wf", []Step{
		{ID: "a", Role: agentport.RoleAnalysis, DependsOn: []string{"missing"}},
	})
	te, ok := taxerr.As(err)
	require.True(t, ok)
	require.Equal(t, taxerr.KindInvalidWorkflow, te.Kind)
}

func TestSourceSteps_ReturnsStepsWithNoDependencies(t *testing.T) {
	def, err := New("wf", []Step{
		{ID: "analyze", Role: agentport.RoleAnalysis},
		{ID: "convert", Role: agentport.RoleConversion, DependsOn: []string{"analyze"}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"analyze"}, def.SourceSteps())
}

func TestReady_TieBreaksByStepID(t *testing.T) {
	def, err := New("wf", []Step{
		{ID: "b", Role: agentport.RoleAnalysis},
		{ID: "a", Role: agentport.RoleAnalysis},
		{ID: "c", Role: agentport.RoleConversion, DependsOn: []string{"a", "b"}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, def.Ready(map[string]json.RawMessage{}))
}

func TestReady_AdvancesAsOutputsArrive(t *testing.T) {
	def, err := New("wf", []Step{
		{ID: "a", Role: agentport.RoleAnalysis},
		{ID: "b", Role: agentport.RoleConversion, DependsOn: []string{"a"}},
	})
	require.NoError(t, err)

	require.Equal(t, []string{"a"}, def.Ready(map[string]json.RawMessage{}))
	require.Equal(t, []string{"b"}, def.Ready(map[string]json.RawMessage{"a": json.RawMessage(`{}`)}))
	require.False(t, def.Terminal(map[string]json.RawMessage{"a": json.RawMessage(`{}`)}))
	require.True(t, def.Terminal(map[string]json.RawMessage{"a": json.RawMessage(`{}`), "b": json.RawMessage(`{}`)}))
}
