package provenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleRecord() Record {
	return Record{
		SessionID:      "sess-1",
		InvocationID:   "inv-1",
		StepID:         "step-1",
		AgentRole:      "conversion",
		AgentInstance:  "conversion-0",
		InputEntities:  []string{"raw-data"},
		OutputEntities: []string{"nwb-file"},
		StartedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndedAt:        time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC),
		Attributes:     map[string]string{"worker_version": "1.2.3"},
	}
}

func TestToTurtle_EmitsActivityAndAgentTriples(t *testing.T) {
	log := &Log{}
	log.Append(sampleRecord())

	out := log.ToTurtle()
	require.Contains(t, out, "prov:Activity")
	require.Contains(t, out, "prov:SoftwareAgent")
	require.Contains(t, out, "prov:wasGeneratedBy")
	require.Contains(t, out, "urn:neuroconv:session:sess-1:activity:inv-1")
}

func TestToJSONLD_PinsContextAndEmitsGraph(t *testing.T) {
	log := &Log{}
	log.Append(sampleRecord())

	out, err := log.ToJSONLD()
	require.NoError(t, err)
	require.Contains(t, string(out), `"@context"`)
	require.Contains(t, string(out), `"wasAssociatedWith"`)
	require.Contains(t, string(out), "urn:neuroconv:agent:conversion:conversion-0")
}

func TestDegradedTracker_SucceedsWithinAttempts(t *testing.T) {
	tracker := NewDegradedTracker(3, 2)
	calls := 0
	degraded, fatal := tracker.Append(func() error {
		calls++
		if calls < 2 {
			return ErrAppendFailed
		}
		return nil
	})
	require.False(t, degraded)
	require.False(t, fatal)
}

func TestDegradedTracker_BecomesFatalAfterThreshold(t *testing.T) {
	tracker := NewDegradedTracker(1, 2)

	degraded, fatal := tracker.Append(func() error { return ErrAppendFailed })
	require.True(t, degraded)
	require.False(t, fatal)

	degraded, fatal = tracker.Append(func() error { return ErrAppendFailed })
	require.True(t, degraded)
	require.True(t, fatal)
}

func TestMemStore_AppendThenStreamPreservesInsertionOrder(t *testing.T) {
	store := NewMemStore()
	r1 := sampleRecord()
	r2 := sampleRecord()
	r2.InvocationID = "inv-2"

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "sess-1", r1))
	require.NoError(t, store.Append(ctx, "sess-1", r2))

	log, err := store.Stream(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, log.Records, 2)
	require.Equal(t, "inv-1", log.Records[0].InvocationID)
	require.Equal(t, "inv-2", log.Records[1].InvocationID)
}
