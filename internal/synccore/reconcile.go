package synccore

import (
	"context"

	"github.com/autopeer-io/datasync/internal/metrics"
)

// applyRemote is the local reconciliation primitive shared by the
// per-model reconciliation buffer and the mutation error processor. It
// applies remote atomically, in order: upsert-or-delete the record row,
// then write metadata. Metadata-last guarantees an interrupted
// reconciliation leaves the store at the old version and can be safely
// re-applied.
//
// On success it publishes SyncReceived on bus, with the MutationEvent's
// mutation type derived per DerivedMutationType.
func applyRemote(ctx context.Context, store StoreAdapter, bus EventBus, remote MutationSync) error {
	if remote.SyncMetadata.Deleted {
		if err := store.DeleteRecord(ctx, remote.Record.ModelType, remote.Record.ID); err != nil {
			return Classify(KindStorageFailure, err)
		}
	} else {
		if _, err := store.SaveRecord(ctx, remote.Record); err != nil {
			return Classify(KindStorageFailure, err)
		}
	}

	if _, err := store.SaveSyncMetadata(ctx, remote.SyncMetadata); err != nil {
		return Classify(KindStorageFailure, err)
	}

	emitReconciled(ctx, bus, remote)
	return nil
}

// writeMetadataOnly handles the tombstone-on-absent case: the
// record never existed locally and the remote side is already deleted, so
// there is nothing to delete — only the metadata row is written.
func writeMetadataOnly(ctx context.Context, store StoreAdapter, bus EventBus, remote MutationSync) error {
	if _, err := store.SaveSyncMetadata(ctx, remote.SyncMetadata); err != nil {
		return Classify(KindStorageFailure, err)
	}
	emitReconciled(ctx, bus, remote)
	return nil
}

func emitReconciled(ctx context.Context, bus EventBus, remote MutationSync) {
	mutType := remote.DerivedMutationType()
	version := remote.SyncMetadata.Version
	me := MutationEvent{
		ID:           remote.Record.ID,
		ModelID:      remote.Record.ID,
		ModelName:    remote.Record.ModelType,
		MutationType: mutType,
		PayloadJSON:  remote.Record.SerializedPayload,
		Version:      &version,
	}

	metrics.ReconciledTotal.WithLabelValues(remote.Record.ModelType, string(mutType)).Inc()

	if bus != nil {
		bus.Publish(ctx, BusEvent{Kind: BusSyncReceived, MutationEvent: me})
	}
}
