package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe_FullReplayFromZero(t *testing.T) {
	bus := New(RetentionPolicy{}, 16)
	bus.Publish("s1", KindStepStarted, nil)
	bus.Publish("s1", KindStepCompleted, nil)

	sub := bus.Subscribe("s1", "sub-1", 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	e1, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), e1.Seq)

	e2, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), e2.Seq)
}

func TestSubscribe_LiveOnlyStartsAtLatest(t *testing.T) {
	bus := New(RetentionPolicy{}, 16)
	bus.Publish("s1", KindStepStarted, nil)

	sub := bus.Subscribe("s1", "sub-1", bus.Latest("s1"))
	bus.Publish("s1", KindStepCompleted, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, KindStepCompleted, e.Kind)
}

func TestBackpressure_DropsLossyEventsBeforeCritical(t *testing.T) {
	bus := New(RetentionPolicy{}, 1)
	sub := bus.Subscribe("s1", "sub-1", 0)

	bus.Publish("s1", KindStepProgress, map[string]any{"n": 1}) // fills capacity 1
	bus.Publish("s1", KindStateChanged, nil)                     // critical: must evict the lossy one

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, KindStateChanged, e.Kind, "critical event must survive over a buffered lossy one")
}

func TestBackpressure_DisconnectsOnCriticalOverflow(t *testing.T) {
	bus := New(RetentionPolicy{}, 1)
	sub := bus.Subscribe("s1", "sub-1", 0)

	bus.Publish("s1", KindStateChanged, nil) // fills capacity with a critical event
	bus.Publish("s1", KindError, nil)        // no lossy entry to evict: disconnect

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := sub.Recv(ctx) // drains the first critical event
	require.NoError(t, err)

	_, err = sub.Recv(ctx)
	require.Error(t, err)
}

func TestRecv_ReturnsContextErrorOnTimeout(t *testing.T) {
	bus := New(RetentionPolicy{}, 16)
	sub := bus.Subscribe("s1", "sub-1", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
