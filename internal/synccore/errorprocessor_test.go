package synccore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorProcessorConditionalCheckEmitsBusEvent(t *testing.T) {
	bus := newFakeBus()
	p := NewErrorProcessor(newFakeStore(), bus, nil, nil, nil)

	event := MutationEvent{ID: "m1", ModelID: "w1", ModelName: "Widget", MutationType: MutationUpdate}
	err := p.Process(context.Background(), event, &GraphQLResponseError{
		Errors: []GraphQLError{{Type: ErrorTypeConditionalCheck}},
	})

	require.NoError(t, err)
	events := bus.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, BusConditionalSaveFailed, events[0].Kind)
}

func TestErrorProcessorConflictOnCreateIsInvariantViolation(t *testing.T) {
	bus := newFakeBus()
	p := NewErrorProcessor(newFakeStore(), bus, nil, nil, nil)

	event := MutationEvent{ID: "m1", ModelID: "w1", ModelName: "Widget", MutationType: MutationCreate}
	remote := MutationSync{Record: Record{ID: "w1", ModelType: "Widget"}, SyncMetadata: SyncMetadata{ID: "w1", Version: 2}}
	err := p.Process(context.Background(), event, &GraphQLResponseError{
		Errors: []GraphQLError{{Type: ErrorTypeConflictUnhandled, Remote: &remote}},
	})

	ce, ok := AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, KindInvariantViolation, ce.Kind)
}

func TestErrorProcessorConflictUnhandledDefaultsToApplyRemote(t *testing.T) {
	store := newFakeStore()
	bus := newFakeBus()
	p := NewErrorProcessor(store, bus, nil, nil, nil)

	event := MutationEvent{ID: "m1", ModelID: "w1", ModelName: "Widget", MutationType: MutationUpdate}
	remote := MutationSync{
		Record:       Record{ID: "w1", ModelType: "Widget", SerializedPayload: []byte("remote")},
		SyncMetadata: SyncMetadata{ID: "w1", ModelType: "Widget", Version: 5},
	}
	err := p.Process(context.Background(), event, &GraphQLResponseError{
		Errors: []GraphQLError{{Type: ErrorTypeConflictUnhandled, Remote: &remote}},
	})

	require.NoError(t, err)
	v, ok := store.versionOf("w1")
	require.True(t, ok)
	assert.Equal(t, uint64(5), v)
}

func TestErrorProcessorConflictHandlerRetryLocal(t *testing.T) {
	store := newFakeStore()
	bus := newFakeBus()

	var requeued []MutationEvent
	onRetry := func(_ context.Context, event MutationEvent) {
		requeued = append(requeued, event)
	}

	handler := func(_ context.Context, local, remote Record) ConflictResolution {
		return ConflictResolution{Kind: RetryLocal}
	}

	p := NewErrorProcessor(store, bus, handler, onRetry, nil)

	event := MutationEvent{ID: "m1", ModelID: "w1", ModelName: "Widget", MutationType: MutationUpdate}
	remote := MutationSync{
		Record:       Record{ID: "w1", ModelType: "Widget"},
		SyncMetadata: SyncMetadata{ID: "w1", ModelType: "Widget", Version: 7},
	}
	err := p.Process(context.Background(), event, &GraphQLResponseError{
		Errors: []GraphQLError{{Type: ErrorTypeConflictUnhandled, Remote: &remote}},
	})

	require.NoError(t, err)
	require.Len(t, requeued, 1)
	require.NotNil(t, requeued[0].Version)
	assert.Equal(t, uint64(7), *requeued[0].Version)
}

func TestErrorProcessorConflictUnhandledDeleteBothSidesDeletedIsNoop(t *testing.T) {
	store := newFakeStore()
	bus := newFakeBus()
	handlerCalled := false
	handler := func(_ context.Context, local, remote Record) ConflictResolution {
		handlerCalled = true
		return ConflictResolution{Kind: ApplyRemote}
	}
	p := NewErrorProcessor(store, bus, handler, nil, nil)

	event := MutationEvent{ID: "m1", ModelID: "w1", ModelName: "Widget", MutationType: MutationDelete}
	remote := MutationSync{
		Record:       Record{ID: "w1", ModelType: "Widget"},
		SyncMetadata: SyncMetadata{ID: "w1", ModelType: "Widget", Version: 9, Deleted: true},
	}
	err := p.Process(context.Background(), event, &GraphQLResponseError{
		Errors: []GraphQLError{{Type: ErrorTypeConflictUnhandled, Remote: &remote}},
	})

	require.NoError(t, err)
	assert.False(t, handlerCalled)
	assert.False(t, store.hasRecord("w1"))
	_, ok := store.versionOf("w1")
	assert.False(t, ok)
}

func TestErrorProcessorConflictUnhandledDeleteVsLiveRemoteRecreates(t *testing.T) {
	store := newFakeStore()
	bus := newFakeBus()
	handlerCalled := false
	handler := func(_ context.Context, local, remote Record) ConflictResolution {
		handlerCalled = true
		return ConflictResolution{Kind: ApplyRemote}
	}
	p := NewErrorProcessor(store, bus, handler, nil, nil)

	event := MutationEvent{ID: "m1", ModelID: "w1", ModelName: "Widget", MutationType: MutationDelete}
	remote := MutationSync{
		Record:       Record{ID: "w1", ModelType: "Widget", SerializedPayload: []byte("remote")},
		SyncMetadata: SyncMetadata{ID: "w1", ModelType: "Widget", Version: 3, Deleted: false},
	}
	err := p.Process(context.Background(), event, &GraphQLResponseError{
		Errors: []GraphQLError{{Type: ErrorTypeConflictUnhandled, Remote: &remote}},
	})

	require.NoError(t, err)
	assert.False(t, handlerCalled)
	assert.True(t, store.hasRecord("w1"))
	v, ok := store.versionOf("w1")
	require.True(t, ok)
	assert.Equal(t, uint64(3), v)
}

func TestErrorProcessorConflictUnhandledUpdateVsRemoteDeletedTombstones(t *testing.T) {
	store := newFakeStore()
	bus := newFakeBus()
	_, err := store.SaveRecord(context.Background(), Record{ID: "w1", ModelType: "Widget", SerializedPayload: []byte("local")})
	require.NoError(t, err)
	handlerCalled := false
	handler := func(_ context.Context, local, remote Record) ConflictResolution {
		handlerCalled = true
		return ConflictResolution{Kind: ApplyRemote}
	}
	p := NewErrorProcessor(store, bus, handler, nil, nil)

	event := MutationEvent{ID: "m1", ModelID: "w1", ModelName: "Widget", MutationType: MutationUpdate}
	remote := MutationSync{
		Record:       Record{ID: "w1", ModelType: "Widget"},
		SyncMetadata: SyncMetadata{ID: "w1", ModelType: "Widget", Version: 4, Deleted: true},
	}
	err = p.Process(context.Background(), event, &GraphQLResponseError{
		Errors: []GraphQLError{{Type: ErrorTypeConflictUnhandled, Remote: &remote}},
	})

	require.NoError(t, err)
	assert.False(t, handlerCalled)
	assert.False(t, store.hasRecord("w1"))
	v, ok := store.versionOf("w1")
	require.True(t, ok)
	assert.Equal(t, uint64(4), v)
}

func TestErrorProcessorConflictUnhandledUpdateVsLiveRemoteCallsHandler(t *testing.T) {
	store := newFakeStore()
	bus := newFakeBus()
	handlerCalled := false
	handler := func(_ context.Context, local, remote Record) ConflictResolution {
		handlerCalled = true
		return ConflictResolution{Kind: ApplyRemote}
	}
	p := NewErrorProcessor(store, bus, handler, nil, nil)

	event := MutationEvent{ID: "m1", ModelID: "w1", ModelName: "Widget", MutationType: MutationUpdate}
	remote := MutationSync{
		Record:       Record{ID: "w1", ModelType: "Widget", SerializedPayload: []byte("remote")},
		SyncMetadata: SyncMetadata{ID: "w1", ModelType: "Widget", Version: 6, Deleted: false},
	}
	err := p.Process(context.Background(), event, &GraphQLResponseError{
		Errors: []GraphQLError{{Type: ErrorTypeConflictUnhandled, Remote: &remote}},
	})

	require.NoError(t, err)
	assert.True(t, handlerCalled)
}

func TestErrorProcessorMultiErrorResponseIsInvariantViolation(t *testing.T) {
	bus := newFakeBus()
	p := NewErrorProcessor(newFakeStore(), bus, nil, nil, nil)

	event := MutationEvent{ID: "m1", ModelID: "w1", ModelName: "Widget", MutationType: MutationUpdate}
	err := p.Process(context.Background(), event, &GraphQLResponseError{
		Errors: []GraphQLError{{Type: ErrorTypeConditionalCheck}, {Type: ErrorTypeConflictUnhandled}},
	})

	ce, ok := AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, KindInvariantViolation, ce.Kind)
}
