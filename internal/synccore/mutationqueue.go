package synccore

import (
	"context"
	"sync"
	"time"

	"github.com/autopeer-io/datasync/internal/metrics"
	"github.com/autopeer-io/datasync/pkg/log"
)

// MutationPersistence is the narrow slice of StoreAdapter-like behavior the
// outgoing mutation queue needs to durably track pending mutations. A real
// deployment backs this with the same persistent store as StoreAdapter;
// it is split out here because it gets its own row layout ("one
// mutation-queue row per pending mutation").
type MutationPersistence interface {
	EnqueueMutation(ctx context.Context, event MutationEvent) error
	DequeueHeadMutation(ctx context.Context) (*MutationEvent, error)
	MarkMutationProcessed(ctx context.Context, id string) error
	ClearInProcessFlags(ctx context.Context) error
	ListMutations(ctx context.Context) ([]MutationEvent, error)
}

// defaultDrainTimeout bounds how long Stop waits for an in-flight
// mutation to finish on its own before cancelling the dispatch loop's
// context out from under it.
const defaultDrainTimeout = 30 * time.Second

// MutationQueue is the outgoing mutation queue: a persistent FIFO of
// local mutations awaiting upload, with at-most-one in-flight.
type MutationQueue struct {
	persistence MutationPersistence
	wire        WireClient
	processor   *ErrorProcessor
	logger      log.Logger

	notify       chan struct{}
	drainTimeout time.Duration

	mu        sync.Mutex
	running   bool
	paused    bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	runCancel context.CancelFunc
}

// NewMutationQueue constructs a MutationQueue. processor handles any error
// returned by a mutate call.
func NewMutationQueue(persistence MutationPersistence, wire WireClient, processor *ErrorProcessor) *MutationQueue {
	return &MutationQueue{
		persistence:  persistence,
		wire:         wire,
		processor:    processor,
		logger:       log.Std().WithName("mutationqueue"),
		notify:       make(chan struct{}, 1),
		drainTimeout: defaultDrainTimeout,
	}
}

// Enqueue persists event and returns once durable, then wakes the
// dispatch loop.
func (q *MutationQueue) Enqueue(ctx context.Context, event MutationEvent) error {
	if err := q.persistence.EnqueueMutation(ctx, event); err != nil {
		return Classify(KindStorageFailure, err)
	}
	q.wake()
	return nil
}

// ClearStateMutations clears the InProcess flag on any mutation left from
// a prior run (crash recovery).
func (q *MutationQueue) ClearStateMutations(ctx context.Context) error {
	if err := q.persistence.ClearInProcessFlags(ctx); err != nil {
		return Classify(KindStorageFailure, err)
	}
	return nil
}

// SetDrainTimeout overrides how long Stop waits for an in-flight mutation
// to finish before cancelling it. Zero restores the default (30s). Call
// before Start.
func (q *MutationQueue) SetDrainTimeout(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d <= 0 {
		d = defaultDrainTimeout
	}
	q.drainTimeout = d
}

// Start begins draining the queue in a background goroutine.
func (q *MutationQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.running = true
	q.paused = false
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	q.runCancel = cancel
	q.mu.Unlock()

	go q.dispatchLoop(runCtx, q.stopCh, q.doneCh)
}

// Pause halts the dispatch loop after the current in-flight mutation
// completes.
func (q *MutationQueue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Stop halts the dispatch loop and waits for any in-flight mutation to
// finish, up to the configured drain timeout. If the in-flight mutate
// call hasn't returned by then, Stop cancels the dispatch loop's context
// to force it to abort rather than waiting indefinitely.
func (q *MutationQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	stopCh := q.stopCh
	doneCh := q.doneCh
	cancel := q.runCancel
	timeout := q.drainTimeout
	q.mu.Unlock()

	close(stopCh)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-doneCh:
		return
	case <-timer.C:
		q.logger.Warn("drain timeout exceeded, cancelling in-flight mutation", "timeout", timeout)
		cancel()
		<-doneCh
	}
}

func (q *MutationQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MutationQueue) isPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// dispatchLoop pops the head mutation, sends it via the wire client, and on
// success marks it processed; on error it hands the failure to the error
// processor and awaits its completion before popping the next, so the loop
// never has two outstanding wire mutations at once.
func (q *MutationQueue) dispatchLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-ticker.C:
		}

		q.updateDepthMetrics(ctx)

		for {
			if q.isPaused() {
				break
			}
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			head, err := q.persistence.DequeueHeadMutation(ctx)
			if err != nil {
				q.logger.Error(err, "failed to dequeue head mutation")
				break
			}
			if head == nil {
				break
			}

			q.dispatchOne(ctx, *head)
			q.updateDepthMetrics(ctx)
		}
	}
}

// updateDepthMetrics refreshes the outgoing queue depth and oldest-pending
// age gauges from the persistence layer's current mutation list.
func (q *MutationQueue) updateDepthMetrics(ctx context.Context) {
	mutations, err := q.persistence.ListMutations(ctx)
	if err != nil {
		q.logger.Error(err, "failed to list mutations for depth metrics")
		return
	}

	metrics.OutgoingQueueDepth.Set(float64(len(mutations)))

	if len(mutations) == 0 {
		metrics.OldestPendingAge.Set(0)
		return
	}
	oldest := mutations[0].CreatedAt
	for _, m := range mutations[1:] {
		if m.CreatedAt < oldest {
			oldest = m.CreatedAt
		}
	}
	age := time.Now().Unix() - oldest
	if age < 0 {
		age = 0
	}
	metrics.OldestPendingAge.Set(float64(age))
}

func (q *MutationQueue) dispatchOne(ctx context.Context, event MutationEvent) {
	start := time.Now()
	defer func() {
		metrics.MutationLatency.WithLabelValues(string(event.MutationType)).Observe(time.Since(start).Seconds())
	}()

	result, gqlErr, err := q.wire.Mutate(ctx, MutationRequest{MutationEvent: event, ExpectedVersion: event.Version})
	if err != nil {
		// Transport-level failure (not a classified GraphQL response
		// error): the error is only logged and is not reported to the
		// engine. The mutation stays persisted, not marked processed.
		q.logger.Error(err, "transport error dispatching mutation", "mutation", event)
		return
	}

	if gqlErr != nil {
		outcome := q.processor.Process(ctx, event, gqlErr)
		if outcome != nil {
			q.logger.Error(outcome, "mutation error processor returned an error", "mutation", event)
		}
		if err := q.persistence.MarkMutationProcessed(ctx, event.ID); err != nil {
			q.logger.Error(err, "failed to mark mutation processed after error handling", "mutation", event)
		}
		return
	}

	_ = result
	if err := q.persistence.MarkMutationProcessed(ctx, event.ID); err != nil {
		q.logger.Error(err, "failed to mark mutation processed", "mutation", event)
	}
}
