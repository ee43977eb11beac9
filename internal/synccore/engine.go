package synccore

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	fsmutil "github.com/autopeer-io/datasync/internal/pkg/util/fsm"
	"github.com/autopeer-io/datasync/internal/metrics"
	"github.com/autopeer-io/datasync/pkg/log"
)

// fsm event names for the engine's internal looplab/fsm instance. looplab/fsm
// guards which transitions are legal, and its enter_state callback records
// the new state, updates the state metric, and publishes the transition;
// the actual sequencing is driven explicitly by runOnce below, which never
// reads from the engine's own publisher channel.
const (
	evStart           = "start"
	evPauseSubs       = "pause_subs"
	evPauseMutations  = "pause_mutations"
	evClearMutations  = "clear_mutations"
	evStartSubs       = "start_subs"
	evInitialSyncDone = "initial_sync_done"
	evActivateSubs    = "activate_subs"
	evStartMutations  = "start_mutations"
	evSyncing         = "syncing"
	evFail            = "fail"
	evCleanedUp       = "cleaned_up"
	evRestart         = "restart"
	evTerminate       = "terminate"
)

// EngineOptions configures a Engine.
type EngineOptions struct {
	ModelTypes        []string
	Store             StoreAdapter
	Wire              WireClient
	RetryPolicy       RetryPolicy
	ConflictHandler   ConflictHandler
	MutationPersist   MutationPersistence
	OnUserError       func(ctx context.Context, event MutationEvent, err error)
	ModelQueueFactory ModelQueueFactory

	// DrainTimeout bounds how long CleaningUp waits for the outgoing
	// mutation queue's in-flight dispatch to finish before forcing
	// cancellation. Zero means 30s.
	DrainTimeout time.Duration
}

// Engine is the remote sync engine: the top-level lifecycle state machine
// that composes the reconcile queue, mutation queue, and error processor,
// sequences startup, tears everything down on failure, and decides retry
// versus terminate via its retry policy.
type Engine struct {
	opts EngineOptions

	bus *forwardingBus

	fsm *fsm.FSM

	mu          sync.Mutex
	state       EngineState
	publisherCh chan EngineEvent
	closeOnce   sync.Once

	reconcile *ReconcileQueue
	mutations *MutationQueue
	processor *ErrorProcessor

	cancelRun context.CancelFunc
	runDoneCh chan struct{}

	logger log.Logger
}

// NewEngine constructs an Engine. The caller supplies the store and wire
// implementations; Engine owns the lifecycle of everything else (the
// reconciliation queue, the mutation queue, and the error processor).
func NewEngine(opts EngineOptions) *Engine {
	e := &Engine{
		opts:        opts,
		publisherCh: make(chan EngineEvent, 64),
		logger:      log.Std().WithName("engine"),
	}
	e.bus = &forwardingBus{}
	e.fsm = fsm.NewFSM(NotStarted.String(), fsm.Events{
		{Name: evStart, Src: []string{NotStarted.String(), Terminated.String()}, Dst: StorageReady.String()},
		{Name: evPauseSubs, Src: []string{StorageReady.String()}, Dst: SubscriptionsPaused.String()},
		{Name: evPauseMutations, Src: []string{SubscriptionsPaused.String()}, Dst: MutationsPaused.String()},
		{Name: evClearMutations, Src: []string{MutationsPaused.String()}, Dst: ClearedMutationState.String()},
		{Name: evStartSubs, Src: []string{ClearedMutationState.String()}, Dst: SubscriptionsInitialized.String()},
		{Name: evInitialSyncDone, Src: []string{SubscriptionsInitialized.String()}, Dst: InitialSyncDone.String()},
		{Name: evActivateSubs, Src: []string{InitialSyncDone.String()}, Dst: SubscriptionsActivated.String()},
		{Name: evStartMutations, Src: []string{SubscriptionsActivated.String()}, Dst: MutationQueueStarted.String()},
		{Name: evSyncing, Src: []string{MutationQueueStarted.String()}, Dst: Syncing.String()},
		{Name: evFail, Src: []string{
			StorageReady.String(), SubscriptionsPaused.String(), MutationsPaused.String(),
			ClearedMutationState.String(), SubscriptionsInitialized.String(), InitialSyncDone.String(),
			SubscriptionsActivated.String(), MutationQueueStarted.String(), Syncing.String(),
		}, Dst: CleaningUp.String()},
		{Name: evCleanedUp, Src: []string{CleaningUp.String()}, Dst: CleanedUp.String()},
		{Name: evRestart, Src: []string{CleanedUp.String()}, Dst: StorageReady.String()},
		{Name: evTerminate, Src: []string{CleanedUp.String(), Syncing.String()}, Dst: Terminated.String()},
	}, fsm.Callbacks{
		"enter_state": fsmutil.WrapEvent(e.onEnterState),
	})
	return e
}

func (e *Engine) onEnterState(_ context.Context, ev *fsm.Event) error {
	state := stateFromName(ev.Dst)
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	metrics.EngineState.Reset()
	metrics.EngineState.WithLabelValues(state.String()).Set(1)
	e.publish(EngineEvent{Kind: EngineStateTransition, State: state})
	return nil
}

func stateFromName(name string) EngineState {
	for s, n := range engineStateNames {
		if n == name {
			return s
		}
	}
	return NotStarted
}

// State returns the engine's current state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Publisher yields one EngineEvent per state transition, per reconciled
// mutation event, and a final EngineTerminalError if the engine
// terminates with an error.
func (e *Engine) Publisher() <-chan EngineEvent {
	return e.publisherCh
}

// EnqueueMutation hands a local mutation to the outgoing mutation queue.
// Valid once the engine has reached MutationQueueStarted or later.
func (e *Engine) EnqueueMutation(ctx context.Context, event MutationEvent) error {
	e.mu.Lock()
	mq := e.mutations
	e.mu.Unlock()
	if mq == nil {
		return Classify(KindInvariantViolation, errEngineNotReady{})
	}
	return mq.Enqueue(ctx, event)
}

// Stop requests cooperative shutdown and blocks until Run has fully torn
// down and returned. Safe to call only after Run has started; calling it
// before Run observes no cancellation.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancelRun
	doneCh := e.runDoneCh
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if doneCh != nil {
		<-doneCh
	}
}

// Run drives the engine's full lifecycle until ctx is cancelled or
// a fatal error terminates it. It restarts from StorageReady on a retry
// advisory from opts.RetryPolicy, and returns once Terminated.
func (e *Engine) Run(ctx context.Context) error {
	retryPolicy := e.opts.RetryPolicy
	if retryPolicy == nil {
		retryPolicy = NewExponentialRetryPolicy()
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelRun = cancel
	e.runDoneCh = make(chan struct{})
	e.mu.Unlock()
	defer close(e.runDoneCh)
	ctx = runCtx

	attempt := 0
	if err := e.fsm.Event(ctx, evStart); err != nil {
		return err
	}

	for {
		runErr := e.runOnce(ctx)
		if runErr == nil {
			// runOnce only returns nil when its cause classified as
			// Cancelled: the cooperative stop() path.
			e.terminate(ctx, nil)
			return nil
		}

		if ctx.Err() != nil {
			e.terminate(ctx, Classify(KindCancelled, ErrCancelled))
			return ctx.Err()
		}

		advice := retryPolicy.Advise(runErr, attempt)
		if !advice.Retry {
			e.terminate(ctx, runErr)
			return runErr
		}

		attempt++
		e.logger.Info("engine restarting after terminal error", "error", runErr, "attempt", attempt, "delay", advice.Delay)

		select {
		case <-time.After(advice.Delay):
		case <-ctx.Done():
			e.terminate(ctx, Classify(KindCancelled, ErrCancelled))
			return ctx.Err()
		}

		if err := e.fsm.Event(ctx, evRestart); err != nil {
			return err
		}
	}
}

// runOnce executes one StorageReady..Syncing pass and blocks until a
// terminal error arrives from the reconcile queue, mutation queue, or
// initial sync orchestrator, or ctx is cancelled. It returns nil only via
// the cooperative Stop() path.
func (e *Engine) runOnce(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.fsm.Event(runCtx, evPauseSubs); err != nil {
		return err
	}
	// The reconcile queue is constructed paused: ModelQueues buffer but do
	// not drain until Start is called below, matching "SubscriptionsPaused".
	reconcile, err := NewReconcileQueue(runCtx, e.opts.ModelTypes, e.opts.Store, e.opts.Wire, e.bus, e.opts.ModelQueueFactory)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.reconcile = reconcile
	e.mu.Unlock()

	if err := e.fsm.Event(runCtx, evPauseMutations); err != nil {
		return err
	}
	processor := NewErrorProcessor(e.opts.Store, e.bus, e.opts.ConflictHandler, e.requeueMutation, e.opts.OnUserError)
	mutations := NewMutationQueue(e.opts.MutationPersist, e.opts.Wire, processor)
	mutations.SetDrainTimeout(e.opts.DrainTimeout)
	e.mu.Lock()
	e.mutations = mutations
	e.processor = processor
	e.mu.Unlock()

	if err := e.fsm.Event(runCtx, evClearMutations); err != nil {
		return err
	}
	if err := mutations.ClearStateMutations(runCtx); err != nil {
		return err
	}

	if err := e.fsm.Event(runCtx, evStartSubs); err != nil {
		return err
	}
	reconcile.Start()

	aggCh := reconcile.Publisher()
	initialized, firstErr := awaitInitialized(runCtx, aggCh)
	if !initialized {
		if firstErr == nil {
			firstErr = Classify(KindCancelled, ErrCancelled)
		}
		return e.fail(runCtx, firstErr, reconcile, mutations)
	}

	if err := e.fsm.Event(runCtx, evInitialSyncDone); err != nil {
		return err
	}
	orchestrator := NewInitialSyncOrchestrator(e.opts.Wire, e.opts.Store, e.bus, e.opts.ModelTypes)
	if err := orchestrator.Run(runCtx); err != nil {
		return e.fail(runCtx, err, reconcile, mutations)
	}

	if err := e.fsm.Event(runCtx, evActivateSubs); err != nil {
		return err
	}

	if err := e.fsm.Event(runCtx, evStartMutations); err != nil {
		return err
	}
	mutations.Start(runCtx)

	if err := e.fsm.Event(runCtx, evSyncing); err != nil {
		return err
	}

	for {
		select {
		case ev, ok := <-aggCh:
			if !ok {
				// Closed without an AggregateError: treat as a terminal
				// failure so the engine doesn't spin on a dead channel.
				return e.fail(runCtx, errModelConnectionFailed("unknown"), reconcile, mutations)
			}
			switch ev.Kind {
			case AggregateMutationEvent:
				e.publish(EngineEvent{Kind: EngineMutationEvent, MutationEvent: ev.MutationEvent})
			case AggregateError:
				return e.fail(runCtx, ev.Err, reconcile, mutations)
			}
		case <-runCtx.Done():
			return e.fail(runCtx, Classify(KindCancelled, ErrCancelled), reconcile, mutations)
		}
	}
}

func awaitInitialized(ctx context.Context, aggCh <-chan AggregateEvent) (bool, error) {
	for {
		select {
		case ev, ok := <-aggCh:
			if !ok {
				return false, nil
			}
			switch ev.Kind {
			case AggregateInitialized:
				return true, nil
			case AggregateError:
				return false, ev.Err
			}
		case <-ctx.Done():
			return false, Classify(KindCancelled, ErrCancelled)
		}
	}
}

func (e *Engine) fail(ctx context.Context, cause error, reconcile *ReconcileQueue, mutations *MutationQueue) error {
	// Teardown runs after Stop has cancelled ctx; looplab/fsm refuses a
	// transition whose context is already done.
	ctx = context.WithoutCancel(ctx)
	if err := e.fsm.Event(ctx, evFail); err != nil {
		e.logger.Error(err, "fsm transition to CleaningUp rejected")
	}
	reconcile.Cancel()
	mutations.Stop()
	if err := e.fsm.Event(ctx, evCleanedUp); err != nil {
		e.logger.Error(err, "fsm transition to CleanedUp rejected")
	}

	if ce, ok := AsClassified(cause); ok && ce.Kind == KindCancelled {
		return nil
	}
	return cause
}

func (e *Engine) terminate(ctx context.Context, err error) {
	_ = e.fsm.Event(context.WithoutCancel(ctx), evTerminate)
	e.publishTerminal(err)
}

func (e *Engine) requeueMutation(ctx context.Context, event MutationEvent) {
	e.mu.Lock()
	mq := e.mutations
	e.mu.Unlock()
	if mq == nil {
		return
	}
	if err := mq.Enqueue(ctx, event); err != nil {
		e.logger.Error(err, "failed to requeue mutation after conflict resolution", "mutation", event)
	}
}

func (e *Engine) publish(ev EngineEvent) {
	select {
	case e.publisherCh <- ev:
	default:
		e.logger.Warn("engine publisher channel full, dropping event")
	}
}

// SetApplicationBus wires bus as the recipient of every named application
// event the engine publishes internally. Call before Run.
func (e *Engine) SetApplicationBus(bus EventBus) {
	e.bus.Inner = bus
}

func (e *Engine) publishTerminal(err error) {
	e.closeOnce.Do(func() {
		if err != nil {
			select {
			case e.publisherCh <- EngineEvent{Kind: EngineTerminalError, Err: err}:
			default:
			}
		}
		close(e.publisherCh)
	})
}

// forwardingBus is the EventBus the engine hands to the reconcile queue,
// initial sync orchestrator, and error processor; it exists
// so construction order doesn't require the caller's application bus to
// be known before the engine is built. Set Inner to forward published
// events to the application.
type forwardingBus struct {
	Inner EventBus
}

func (b *forwardingBus) Publish(ctx context.Context, ev BusEvent) {
	if b.Inner != nil {
		b.Inner.Publish(ctx, ev)
	}
}

type errEngineNotReady struct{}

func (errEngineNotReady) Error() string {
	return "synccore: engine has not reached MutationQueueStarted yet"
}
