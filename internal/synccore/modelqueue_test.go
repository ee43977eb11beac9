package synccore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
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

func newTestModelQueue(t *testing.T, store StoreAdapter, bus EventBus) (*ModelQueue, *fakeSubscription) {
	t.Helper()
	sub := newFakeSubscription()
	var conn ConnectionState
	q := NewModelQueue("Widget", store, newFakeWire(), sub, bus, func(_ string, state ConnectionState) {
		conn = state
	})
	_ = conn
	return q, sub
}

func TestModelQueueAppliesEventsInArrivalOrder(t *testing.T) {
	store := newFakeStore()
	bus := newFakeBus()
	q, sub := newTestModelQueue(t, store, bus)
	q.Start()

	for v := uint64(1); v <= 5; v++ {
		sub.pushData(MutationSync{
			Record:       Record{ID: "w1", ModelType: "Widget", SerializedPayload: []byte("v")},
			SyncMetadata: SyncMetadata{ID: "w1", ModelType: "Widget", Version: v},
		})
	}

	waitFor(t, time.Second, func() bool {
		v, ok := store.versionOf("w1")
		return ok && v == 5
	})

	events := bus.snapshot()
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, BusSyncReceived, ev.Kind)
		assert.Equal(t, uint64(i+1), *ev.MutationEvent.Version)
	}
}

func TestModelQueueDropsStaleVersion(t *testing.T) {
	store := newFakeStore()
	bus := newFakeBus()
	q, sub := newTestModelQueue(t, store, bus)
	q.Start()

	sub.pushData(MutationSync{
		Record:       Record{ID: "w1", ModelType: "Widget"},
		SyncMetadata: SyncMetadata{ID: "w1", ModelType: "Widget", Version: 3},
	})
	waitFor(t, time.Second, func() bool { v, ok := store.versionOf("w1"); return ok && v == 3 })

	sub.pushData(MutationSync{
		Record:       Record{ID: "w1", ModelType: "Widget"},
		SyncMetadata: SyncMetadata{ID: "w1", ModelType: "Widget", Version: 2},
	})

	// Give the drain loop a chance to process the stale event; it must
	// not advance past version 3, and must not emit a second bus event.
	time.Sleep(50 * time.Millisecond)
	v, _ := store.versionOf("w1")
	assert.Equal(t, uint64(3), v)
	assert.Len(t, bus.snapshot(), 1)
}

func TestModelQueueWritesMetadataOnlyForAbsentTombstone(t *testing.T) {
	store := newFakeStore()
	bus := newFakeBus()
	q, sub := newTestModelQueue(t, store, bus)
	q.Start()

	sub.pushData(MutationSync{
		Record:       Record{ID: "ghost", ModelType: "Widget"},
		SyncMetadata: SyncMetadata{ID: "ghost", ModelType: "Widget", Version: 1, Deleted: true},
	})

	waitFor(t, time.Second, func() bool { _, ok := store.versionOf("ghost"); return ok })
	assert.False(t, store.hasRecord("ghost"))

	events := bus.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, MutationDelete, events[0].MutationEvent.MutationType)
}

func TestModelQueueBuffersBeforeStartThenReplaysInOrder(t *testing.T) {
	store := newFakeStore()
	bus := newFakeBus()
	q, sub := newTestModelQueue(t, store, bus)

	for v := uint64(1); v <= 5; v++ {
		sub.pushData(MutationSync{
			Record:       Record{ID: "w1", ModelType: "Widget", SerializedPayload: []byte("v")},
			SyncMetadata: SyncMetadata{ID: "w1", ModelType: "Widget", Version: v},
		})
	}

	// Give the subscription-consuming goroutine time to buffer all five
	// events before Start is ever called.
	time.Sleep(50 * time.Millisecond)

	_, ok := store.versionOf("w1")
	assert.False(t, ok, "no store write should happen before Start")
	assert.Empty(t, bus.snapshot(), "no bus event should happen before Start")

	q.Start()

	waitFor(t, time.Second, func() bool {
		v, ok := store.versionOf("w1")
		return ok && v == 5
	})

	events := bus.snapshot()
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, BusSyncReceived, ev.Kind)
		assert.Equal(t, uint64(i+1), *ev.MutationEvent.Version)
	}
}

func TestModelQueueCancelStopsDrain(t *testing.T) {
	store := newFakeStore()
	bus := newFakeBus()
	q, _ := newTestModelQueue(t, store, bus)
	q.Start()
	q.Cancel()

	select {
	case <-q.Done():
	case <-time.After(time.Second):
		t.Fatal("drain loop did not exit after Cancel")
	}
}
