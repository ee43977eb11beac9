package synccore

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutationQueueDispatchesAndMarksProcessed(t *testing.T) {
	persistence := newFakeMutationPersistence()
	wire := newFakeWire()
	var inFlight int32
	var maxInFlight int32

	wire.mutateFn = func(_ context.Context, req MutationRequest) (MutationResult, *GraphQLResponseError, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return MutationResult{}, nil, nil
	}

	processor := NewErrorProcessor(newFakeStore(), newFakeBus(), nil, nil, nil)
	mq := NewMutationQueue(persistence, wire, processor)

	for i := 0; i < 5; i++ {
		require.NoError(t, mq.Enqueue(context.Background(), MutationEvent{
			ID: "m" + string(rune('a'+i)), ModelID: "w1", ModelName: "Widget", MutationType: MutationUpdate,
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mq.Start(ctx)

	waitForQueue(t, 2*time.Second, func() bool { return persistence.remaining() == 0 })
	mq.Stop()

	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(1), "at most one mutation may be in flight at a time")
}

func TestMutationQueueHandsErrorToProcessor(t *testing.T) {
	persistence := newFakeMutationPersistence()
	wire := newFakeWire()
	wire.mutateFn = func(_ context.Context, req MutationRequest) (MutationResult, *GraphQLResponseError, error) {
		return MutationResult{}, &GraphQLResponseError{Errors: []GraphQLError{{Type: ErrorTypeConditionalCheck}}}, nil
	}

	bus := newFakeBus()
	processor := NewErrorProcessor(newFakeStore(), bus, nil, nil, nil)
	mq := NewMutationQueue(persistence, wire, processor)

	require.NoError(t, mq.Enqueue(context.Background(), MutationEvent{
		ID: "m1", ModelID: "w1", ModelName: "Widget", MutationType: MutationUpdate,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mq.Start(ctx)

	waitForQueue(t, time.Second, func() bool { return persistence.remaining() == 0 })
	mq.Stop()

	events := bus.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, BusConditionalSaveFailed, events[0].Kind)
}

func TestMutationQueueStopForcesCancelAfterDrainTimeout(t *testing.T) {
	persistence := newFakeMutationPersistence()
	wire := newFakeWire()
	mutateStarted := make(chan struct{})
	wire.mutateFn = func(ctx context.Context, req MutationRequest) (MutationResult, *GraphQLResponseError, error) {
		close(mutateStarted)
		<-ctx.Done()
		return MutationResult{}, nil, ctx.Err()
	}

	processor := NewErrorProcessor(newFakeStore(), newFakeBus(), nil, nil, nil)
	mq := NewMutationQueue(persistence, wire, processor)
	mq.SetDrainTimeout(20 * time.Millisecond)

	require.NoError(t, mq.Enqueue(context.Background(), MutationEvent{
		ID: "m1", ModelID: "w1", ModelName: "Widget", MutationType: MutationUpdate,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mq.Start(ctx)

	select {
	case <-mutateStarted:
	case <-time.After(time.Second):
		t.Fatal("mutate call never started")
	}

	stopped := make(chan struct{})
	go func() {
		mq.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return within the drain timeout plus slack")
	}
}

func waitForQueue(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}
