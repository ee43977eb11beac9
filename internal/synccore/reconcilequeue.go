package synccore

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/autopeer-io/datasync/pkg/log"
)

// ModelQueueFactory constructs a ModelQueue. Exposed so tests can wire in
// instrumented or fake per-model queues instead of NewModelQueue.
type ModelQueueFactory func(
	modelType string,
	store StoreAdapter,
	wire WireClient,
	sub SubscriptionOperation,
	bus EventBus,
	onConnection func(modelType string, state ConnectionState),
) *ModelQueue

// AggregateEventKind discriminates the variants on a ReconcileQueue's
// publisher.
type AggregateEventKind int

const (
	AggregateInitialized AggregateEventKind = iota
	AggregateMutationEvent
	AggregateError
)

// AggregateEvent is one item on a ReconcileQueue's publisher stream.
type AggregateEvent struct {
	Kind          AggregateEventKind
	MutationEvent MutationEvent
	Err           error
}

// ReconcileQueue is the aggregate incoming-event reconciliation queue: it lifts
// N per-model ModelQueue instances into one cohesive stream, gated on
// aggregate readiness.
type ReconcileQueue struct {
	store StoreAdapter
	wire  WireClient
	bus   EventBus

	sem *semaphore.Weighted // maxConcurrency=1 serializer for connectionState

	mu              sync.Mutex
	connectionState map[string]ConnectionState
	initialized     bool

	queues map[string]*ModelQueue

	publisherCh chan AggregateEvent
	closeOnce   sync.Once
	closed      atomic.Bool

	logger log.Logger
}

// NewReconcileQueue subscribes to every modelType via wire and wires one
// ModelQueue per type through factory (NewModelQueue if nil).
func NewReconcileQueue(
	ctx context.Context,
	modelTypes []string,
	store StoreAdapter,
	wire WireClient,
	bus EventBus,
	factory ModelQueueFactory,
) (*ReconcileQueue, error) {
	if factory == nil {
		factory = NewModelQueue
	}

	q := &ReconcileQueue{
		store:           store,
		wire:            wire,
		bus:             bus,
		sem:             semaphore.NewWeighted(1),
		connectionState: make(map[string]ConnectionState, len(modelTypes)),
		queues:          make(map[string]*ModelQueue, len(modelTypes)),
		publisherCh:     make(chan AggregateEvent, 64),
		logger:          log.Std().WithName("reconcilequeue"),
	}

	for _, mt := range modelTypes {
		q.connectionState[mt] = Disconnected
	}

	tapped := &tappingBus{inner: bus, onSyncReceived: q.onReconciled}

	for _, mt := range modelTypes {
		sub, err := wire.Subscribe(ctx, mt)
		if err != nil {
			return nil, Classify(KindTransportFatal, err)
		}
		q.queues[mt] = factory(mt, store, wire, sub, tapped, q.onConnectionChange)
	}

	return q, nil
}

// Start invokes Start on every child ModelQueue.
func (q *ReconcileQueue) Start() {
	for _, mq := range q.queues {
		mq.Start()
	}
}

// Cancel cancels every child ModelQueue.
func (q *ReconcileQueue) Cancel() {
	for _, mq := range q.queues {
		mq.Cancel()
	}
}

// Publisher yields AggregateInitialized exactly once, after every model's
// connection transitions to Connected, and AggregateMutationEvent for each
// reconciled event thereafter. If any child fails, the publisher emits
// AggregateError and is then complete.
func (q *ReconcileQueue) Publisher() <-chan AggregateEvent {
	return q.publisherCh
}

// onConnectionChange is the single-writer serialization point for the
// connectionState map: every child's connection-event is routed
// through this function under maxConcurrency=1, so two simultaneous
// Connected transitions cannot both observe "last one in".
func (q *ReconcileQueue) onConnectionChange(modelType string, state ConnectionState) {
	ctx := context.Background()
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer q.sem.Release(1)

	q.mu.Lock()
	q.connectionState[modelType] = state
	alreadyInitialized := q.initialized
	allConnected := q.allConnectedLocked()
	failed := state == Failed
	if allConnected && !alreadyInitialized {
		q.initialized = true
	}
	q.mu.Unlock()

	switch {
	case failed:
		q.emitTerminal(errModelConnectionFailed(modelType))
	case allConnected && !alreadyInitialized:
		q.emit(AggregateEvent{Kind: AggregateInitialized})
	}
}

func (q *ReconcileQueue) allConnectedLocked() bool {
	for _, s := range q.connectionState {
		if s != Connected {
			return false
		}
	}
	return len(q.connectionState) > 0
}

func (q *ReconcileQueue) onReconciled(me MutationEvent) {
	q.emit(AggregateEvent{Kind: AggregateMutationEvent, MutationEvent: me})
}

func (q *ReconcileQueue) emit(ev AggregateEvent) {
	if q.closed.Load() {
		return
	}
	select {
	case q.publisherCh <- ev:
	default:
		// The publisher channel is generously buffered; a full channel
		// means the engine has stopped reading, which only happens after
		// a terminal event. Drop rather than block the model queue drain
		// loops.
		q.logger.Warn("publisher channel full, dropping event")
	}
}

func (q *ReconcileQueue) emitTerminal(err error) {
	q.closeOnce.Do(func() {
		select {
		case q.publisherCh <- AggregateEvent{Kind: AggregateError, Err: err}:
		default:
		}
		q.closed.Store(true)
		close(q.publisherCh)
	})
}

func errModelConnectionFailed(modelType string) error {
	return Classify(KindTransportFatal, &modelConnectionFailedError{modelType: modelType})
}

type modelConnectionFailedError struct {
	modelType string
}

func (e *modelConnectionFailedError) Error() string {
	return "synccore: model " + e.modelType + " subscription failed"
}

// tappingBus forwards every BusSyncReceived event to onSyncReceived in
// addition to the wrapped application bus, letting the reconcile queue
// observe each reconciled event without the per-model queue knowing about
// the aggregation happening above it.
type tappingBus struct {
	inner          EventBus
	onSyncReceived func(MutationEvent)
}

func (t *tappingBus) Publish(ctx context.Context, ev BusEvent) {
	if ev.Kind == BusSyncReceived && t.onSyncReceived != nil {
		t.onSyncReceived(ev.MutationEvent)
	}
	if t.inner != nil {
		t.inner.Publish(ctx, ev)
	}
}
