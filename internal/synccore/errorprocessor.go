package synccore

import (
	"context"

	"github.com/autopeer-io/datasync/internal/metrics"
	"github.com/autopeer-io/datasync/pkg/log"
)

// ErrorProcessor is the mutation error processor: given a mutation
// that failed on the wire and the GraphQL-like error payload describing
// why, it decides how the local store and the user-facing conflict
// handler should react.
type ErrorProcessor struct {
	store   StoreAdapter
	bus     EventBus
	conflict ConflictHandler
	onRetry func(ctx context.Context, event MutationEvent)
	onUser  func(ctx context.Context, event MutationEvent, err error)

	logger log.Logger
}

// NewErrorProcessor constructs an ErrorProcessor. conflict may be nil, in
// which case every conflict that reaches the handler (an update against a
// live remote record) resolves to ApplyRemote.
// onRetry re-enqueues a mutation for another attempt (used for
// RetryLocal/RetryWith); onUser surfaces an error the processor could not
// resolve to the application.
func NewErrorProcessor(
	store StoreAdapter,
	bus EventBus,
	conflict ConflictHandler,
	onRetry func(ctx context.Context, event MutationEvent),
	onUser func(ctx context.Context, event MutationEvent, err error),
) *ErrorProcessor {
	return &ErrorProcessor{
		store:    store,
		bus:      bus,
		conflict: conflict,
		onRetry:  onRetry,
		onUser:   onUser,
		logger:   log.Std().WithName("errorprocessor"),
	}
}

// Process runs the decision sequence for one failed mutation. It always
// completes — there is no path that leaves the mutation's caller hung;
// anything unrecognized classifies as a user error rather than blocking
// forever.
func (p *ErrorProcessor) Process(ctx context.Context, event MutationEvent, respErr *GraphQLResponseError) error {
	single, ok := respErr.SingleError()
	if !ok {
		// Not exactly one error: a multi-error or empty response is treated
		// as an invariant violation rather than an attempt to reconcile each
		// sub-error independently.
		err := Classify(KindInvariantViolation, &multiErrorResponse{count: len(respErr.Errors)})
		p.surfaceUser(ctx, event, err)
		return err
	}

	switch single.Type {
	case ErrorTypeConditionalCheck:
		return p.handleConditionalCheck(ctx, event)
	case ErrorTypeConflictUnhandled:
		return p.handleConflictUnhandled(ctx, event, single)
	default:
		err := Classify(KindInvariantViolation, &unrecognizedErrorType{errType: string(single.Type)})
		p.surfaceUser(ctx, event, err)
		return err
	}
}

// handleConditionalCheck handles a conditional check failure: the local
// mutation's expected version is stale, so the mutation is simply dropped
// and surfaced to the application as a conditional-save failure. Any
// attached remote payload is not inspected.
func (p *ErrorProcessor) handleConditionalCheck(ctx context.Context, event MutationEvent) error {
	metrics.ConflictsTotal.WithLabelValues(event.ModelName, "conditional_check_failed").Inc()
	if p.bus != nil {
		p.bus.Publish(ctx, BusEvent{Kind: BusConditionalSaveFailed, MutationEvent: event})
	}
	return nil
}

// handleConflictUnhandled handles the case where the backend reports the
// remote record has diverged from what the mutation assumed. A create
// mutation can never legitimately conflict (nothing existed to diverge
// from), so that case is an invariant violation. Once a remote payload is
// present, a delete, or an update against a remote deletion, is resolved
// automatically; only an update against a live remote record is routed to
// the conflict handler.
func (p *ErrorProcessor) handleConflictUnhandled(ctx context.Context, event MutationEvent, ge GraphQLError) error {
	if event.MutationType == MutationCreate {
		err := Classify(KindInvariantViolation, ErrConflictOnCreate)
		p.surfaceUser(ctx, event, err)
		return err
	}

	if ge.Remote == nil {
		err := Classify(KindInvariantViolation, ErrMissingRemoteModel)
		p.surfaceUser(ctx, event, err)
		return err
	}

	metrics.ConflictsTotal.WithLabelValues(event.ModelName, "unhandled").Inc()

	remoteDeleted := ge.Remote.SyncMetadata.Deleted

	switch {
	case event.MutationType == MutationDelete && remoteDeleted:
		// Both sides already agree the record is gone; nothing to reconcile
		// and no reason to bother the application.
		metrics.ConflictsTotal.WithLabelValues(event.ModelName, "auto_resolved_already_deleted").Inc()
		return nil

	case event.MutationType == MutationDelete && !remoteDeleted:
		// The local delete lost the race: the remote record is still live,
		// so it wins and is recreated locally.
		if err := applyRemote(ctx, p.store, p.bus, *ge.Remote); err != nil {
			p.logger.Error(err, "failed to recreate record after delete conflict", "mutation", event)
			return err
		}
		metrics.ConflictsTotal.WithLabelValues(event.ModelName, "auto_resolved_recreate").Inc()
		return nil

	case event.MutationType == MutationUpdate && remoteDeleted:
		// The remote side deleted the record out from under a local update;
		// the deletion wins and is applied locally as a tombstone.
		if err := applyRemote(ctx, p.store, p.bus, *ge.Remote); err != nil {
			p.logger.Error(err, "failed to apply remote tombstone after update conflict", "mutation", event)
			return err
		}
		metrics.ConflictsTotal.WithLabelValues(event.ModelName, "auto_resolved_tombstone").Inc()
		return nil
	}

	local := Record{ID: event.ModelID, ModelType: event.ModelName, SerializedPayload: event.PayloadJSON}
	remote := ge.Remote.Record

	handler := p.conflict
	if handler == nil {
		handler = func(context.Context, Record, Record) ConflictResolution {
			return ConflictResolution{Kind: ApplyRemote}
		}
	}

	resolution := handler(ctx, local, remote)

	switch resolution.Kind {
	case ApplyRemote:
		if err := applyRemote(ctx, p.store, p.bus, *ge.Remote); err != nil {
			p.logger.Error(err, "failed to apply remote during conflict resolution", "mutation", event)
			return err
		}
		metrics.ConflictsTotal.WithLabelValues(event.ModelName, "resolved_apply_remote").Inc()
		return nil

	case RetryLocal:
		metrics.ConflictsTotal.WithLabelValues(event.ModelName, "resolved_retry_local").Inc()
		p.requeue(ctx, event, ge.Remote.SyncMetadata.Version)
		return nil

	case RetryWith:
		metrics.ConflictsTotal.WithLabelValues(event.ModelName, "resolved_retry_with").Inc()
		p.requeue(ctx, resolution.RetryPayload, ge.Remote.SyncMetadata.Version)
		return nil

	default:
		err := Classify(KindInvariantViolation, &unknownResolutionKind{kind: int(resolution.Kind)})
		p.surfaceUser(ctx, event, err)
		return err
	}
}

func (p *ErrorProcessor) requeue(ctx context.Context, event MutationEvent, knownVersion uint64) {
	event.Version = &knownVersion
	event.InProcess = false
	if p.onRetry != nil {
		p.onRetry(ctx, event)
	}
}

func (p *ErrorProcessor) surfaceUser(ctx context.Context, event MutationEvent, err error) {
	p.logger.Error(err, "surfacing mutation error to application", "mutation", event)
	if p.onUser != nil {
		p.onUser(ctx, event, err)
	}
	if p.bus != nil {
		p.bus.Publish(ctx, BusEvent{Kind: BusMutationFailed, MutationEvent: event, Err: err})
	}
}

type multiErrorResponse struct {
	count int
}

func (e *multiErrorResponse) Error() string {
	if e.count == 0 {
		return "synccore: mutation error response contained no errors"
	}
	return "synccore: mutation error response contained multiple errors"
}

type unrecognizedErrorType struct {
	errType string
}

func (e *unrecognizedErrorType) Error() string {
	return "synccore: unrecognized mutation error type " + e.errType
}

type unknownResolutionKind struct {
	kind int
}

func (e *unknownResolutionKind) Error() string {
	return "synccore: conflict handler returned an unknown resolution kind"
}
