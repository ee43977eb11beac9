package synccore

import (
	"context"

	"github.com/autopeer-io/datasync/pkg/log"
)

// initialSyncPageSize bounds each `sync` query page. The orchestrator
// keeps paging until a result reports an empty NextToken.
const initialSyncPageSize = 100

// InitialSyncOrchestrator is the initial sync orchestrator: for each
// configured model type, it pages through the backend's `sync` query and
// applies every page to the local store before the engine activates live
// subscriptions.
type InitialSyncOrchestrator struct {
	wire       WireClient
	store      StoreAdapter
	bus        EventBus
	modelTypes []string
	pageSize   int
	logger     log.Logger
}

// NewInitialSyncOrchestrator constructs an InitialSyncOrchestrator over
// modelTypes, using wire's Query to page through each model's full state.
func NewInitialSyncOrchestrator(wire WireClient, store StoreAdapter, bus EventBus, modelTypes []string) *InitialSyncOrchestrator {
	return &InitialSyncOrchestrator{
		wire:       wire,
		store:      store,
		bus:        bus,
		modelTypes: modelTypes,
		pageSize:   initialSyncPageSize,
		logger:     log.Std().WithName("initialsync"),
	}
}

// Run pages through every model type in sequence, applying each item via
// the same reconciliation primitive the live reconciliation queue uses
// (applyRemote/writeMetadataOnly), so a record seen during initial sync and
// again on a live subscription converges identically. Run returns on the
// first query error; the caller decides whether to retry the whole sync.
// An item that fails to apply is logged and skipped.
func (o *InitialSyncOrchestrator) Run(ctx context.Context) error {
	for _, modelType := range o.modelTypes {
		if err := o.runOne(ctx, modelType); err != nil {
			return err
		}
	}
	return nil
}

func (o *InitialSyncOrchestrator) runOne(ctx context.Context, modelType string) error {
	nextToken := ""
	for {
		select {
		case <-ctx.Done():
			return Classify(KindCancelled, ErrCancelled)
		default:
		}

		page, err := o.wire.Query(ctx, QueryRequest{ModelType: modelType, NextToken: nextToken, Limit: o.pageSize})
		if err != nil {
			return Classify(KindTransportRetryable, err)
		}

		for _, item := range page.Items {
			if err := o.applyPage(ctx, modelType, item); err != nil {
				o.logger.Error(err, "failed to apply initial sync item", "model", modelType, "id", item.Record.ID)
			}
		}

		if page.NextToken == "" {
			return nil
		}
		nextToken = page.NextToken
	}
}

// applyPage applies one remote item using the same decision rule as
// ModelQueue.applyOne, since initial sync and live reconciliation
// share a convergence rule.
func (o *InitialSyncOrchestrator) applyPage(ctx context.Context, modelType string, item MutationSync) error {
	current, err := o.store.QuerySyncMetadata(ctx, item.Record.ID)
	if err != nil {
		return Classify(KindStorageFailure, err)
	}

	switch {
	case current == nil && item.SyncMetadata.Deleted:
		return writeMetadataOnly(ctx, o.store, o.bus, item)
	case current == nil:
		return applyRemote(ctx, o.store, o.bus, item)
	case item.SyncMetadata.Version <= current.Version:
		return nil
	default:
		return applyRemote(ctx, o.store, o.bus, item)
	}
}
