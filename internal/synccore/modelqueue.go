package synccore

import (
	"context"
	"sync"

	"github.com/autopeer-io/datasync/internal/metrics"
	"github.com/autopeer-io/datasync/pkg/log"
)

// ModelQueue is the per-model FIFO reconciliation buffer: it applies
// incoming MutationSync payloads to the local store in arrival order, with
// at-most-one application in flight.
type ModelQueue struct {
	modelType string
	store     StoreAdapter
	wire      WireClient
	sub       SubscriptionOperation
	bus       EventBus
	logger    log.Logger

	onConnection func(modelType string, state ConnectionState)

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []MutationSync
	started   bool
	cancelled bool

	doneCh chan struct{}
}

// NewModelQueue constructs a ModelQueue bound to one model type's
// subscription stream. It starts subscribed (consuming sub.Events()
// immediately, buffering any MutationSync payloads) but not draining;
// call Start to begin applying buffered and new events to the store.
func NewModelQueue(
	modelType string,
	store StoreAdapter,
	wire WireClient,
	sub SubscriptionOperation,
	bus EventBus,
	onConnection func(modelType string, state ConnectionState),
) *ModelQueue {
	q := &ModelQueue{
		modelType:    modelType,
		store:        store,
		wire:         wire,
		sub:          sub,
		bus:          bus,
		logger:       log.Std().WithName("modelqueue").WithValues("model", modelType),
		onConnection: onConnection,
		doneCh:       make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// pump consumes the subscription stream forever, routing connection events
// to the reconcile queue's connection serializer and buffering data events
// for the drain loop.
func (q *ModelQueue) pump() {
	for ev := range q.sub.Events() {
		switch ev.Kind {
		case SubscriptionConnectionEvent:
			if q.onConnection != nil {
				q.onConnection(q.modelType, ev.Connection)
			}
		case SubscriptionDataEvent:
			q.mu.Lock()
			if !q.cancelled {
				q.queue = append(q.queue, ev.Data)
				metrics.ModelQueueDepth.WithLabelValues(q.modelType).Set(float64(len(q.queue)))
				q.cond.Signal()
			}
			q.mu.Unlock()
		}
	}
	if err := q.sub.Err(); err != nil {
		q.logger.Error(err, "subscription terminated")
		if q.onConnection != nil {
			q.onConnection(q.modelType, Failed)
		}
	}
}

// Start begins draining: buffered events are processed FIFO before newly
// arrived ones, because both share the same underlying queue.
func (q *ModelQueue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	go q.drain()
}

// Cancel drops the subscription and abandons buffered work.
func (q *ModelQueue) Cancel() {
	q.mu.Lock()
	q.cancelled = true
	q.queue = nil
	q.cond.Broadcast()
	q.mu.Unlock()
	q.sub.Cancel()
}

// Done reports a channel closed once the drain loop has exited (only
// relevant after Start+Cancel).
func (q *ModelQueue) Done() <-chan struct{} {
	return q.doneCh
}

func (q *ModelQueue) drain() {
	defer close(q.doneCh)
	for {
		q.mu.Lock()
		for len(q.queue) == 0 && !q.cancelled {
			q.cond.Wait()
		}
		if q.cancelled {
			q.mu.Unlock()
			return
		}
		item := q.queue[0]
		q.queue = q.queue[1:]
		metrics.ModelQueueDepth.WithLabelValues(q.modelType).Set(float64(len(q.queue)))
		q.mu.Unlock()

		q.applyOne(item)
	}
}

// applyOne applies the convergence rule for one event. Any store
// error completes the event as failed, logs, and continues with the next
// event — the queue never stalls on a bad record.
func (q *ModelQueue) applyOne(item MutationSync) {
	ctx := context.Background()

	current, err := q.store.QuerySyncMetadata(ctx, item.Record.ID)
	if err != nil {
		q.logger.Error(err, "failed to read current sync metadata", "id", item.Record.ID)
		metrics.ReconcileFailedTotal.WithLabelValues(q.modelType).Inc()
		return
	}

	var applyErr error
	switch {
	case current == nil && item.SyncMetadata.Deleted:
		applyErr = writeMetadataOnly(ctx, q.store, q.bus, item)
	case current == nil:
		applyErr = applyRemote(ctx, q.store, q.bus, item)
	case item.SyncMetadata.Version <= current.Version:
		metrics.ReconcileDroppedTotal.WithLabelValues(q.modelType).Inc()
		return
	default:
		applyErr = applyRemote(ctx, q.store, q.bus, item)
	}

	if applyErr != nil {
		q.logger.Error(applyErr, "failed to reconcile incoming event", "id", item.Record.ID)
		metrics.ReconcileFailedTotal.WithLabelValues(q.modelType).Inc()
	}
}
