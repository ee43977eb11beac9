package synccore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileQueueEmitsInitializedExactlyOnce(t *testing.T) {
	store := newFakeStore()
	wire := newFakeWire()
	bus := newFakeBus()

	q, err := NewReconcileQueue(context.Background(), []string{"Widget", "Gadget"}, store, wire, bus, nil)
	require.NoError(t, err)
	q.Start()

	initCount := 0
	var events []AggregateEvent
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range q.Publisher() {
			events = append(events, ev)
			if ev.Kind == AggregateInitialized {
				initCount++
			}
			if len(events) >= 2 {
				return
			}
		}
	}()

	wire.subscription("Widget").pushConnection(Connected)
	time.Sleep(10 * time.Millisecond)
	wire.subscription("Gadget").pushConnection(Connected)

	wire.subscription("Widget").pushData(MutationSync{
		Record:       Record{ID: "w1", ModelType: "Widget"},
		SyncMetadata: SyncMetadata{ID: "w1", ModelType: "Widget", Version: 1},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("did not observe expected events in time")
	}

	assert.Equal(t, 1, initCount)
}

func TestReconcileQueueEmitsTerminalOnConnectionFailure(t *testing.T) {
	store := newFakeStore()
	wire := newFakeWire()
	bus := newFakeBus()

	q, err := NewReconcileQueue(context.Background(), []string{"Widget"}, store, wire, bus, nil)
	require.NoError(t, err)
	q.Start()

	wire.subscription("Widget").pushConnection(Failed)

	select {
	case ev, ok := <-q.Publisher():
		require.True(t, ok)
		assert.Equal(t, AggregateError, ev.Kind)
		require.Error(t, ev.Err)
	case <-time.After(time.Second):
		t.Fatal("expected a terminal AggregateError")
	}

	_, stillOpen := <-q.Publisher()
	assert.False(t, stillOpen, "publisher must close after emitting the terminal error")
}
