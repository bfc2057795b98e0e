package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestRecordStepLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordStepLatency("s1", "analyze", "analysis", 42*time.Millisecond, "success")

	mf, err := reg.Gather()
	require.NoError(t, err)
	require.True(t, hasMetric(mf, "orchestrator_step_latency_ms"))
}

func TestDisable_SuppressesRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Disable()

	m.IncrementRetries("analysis", "timeout")
	m.Enable()
	m.IncrementRetries("analysis", "timeout")

	mf, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range mf {
		if f.GetName() == "orchestrator_retries_total" {
			require.Len(t, f.GetMetric(), 1)
			require.Equal(t, float64(1), f.GetMetric()[0].GetCounter().GetValue())
		}
	}
}

func hasMetric(mf []*dto.MetricFamily, name string) bool {
	for _, f := range mf {
		if f.GetName() == name {
			return true
		}
	}
	return false
}
