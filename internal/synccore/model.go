// Package synccore implements the offline-first model synchronization
// core: the remote sync engine lifecycle, the incoming event reconciliation
// queue (per-model and aggregate), the outgoing mutation queue, and the
// mutation error processor. The local store, the wire transport, and the
// application event bus are consumed through the ports declared in
// ports.go; synccore never imports a concrete store or transport.
package synccore

import "fmt"

// MutationType distinguishes the kind of change a MutationSync or
// MutationEvent represents.
type MutationType string

const (
	MutationCreate MutationType = "create"
	MutationUpdate MutationType = "update"
	MutationDelete MutationType = "delete"
)

// Record is an opaque application payload identified by a stable string id
// and a model-type tag. The core never inspects SerializedPayload; it is
// passed through to the store and wire client untouched.
type Record struct {
	ID               string
	ModelType        string
	SerializedPayload []byte
}

// SyncMetadata is the per-record version/tombstone bookkeeping row. One row
// exists per record id independent of whether a Record row exists.
//
// Invariant: for any id, Version is monotonically non-decreasing across the
// lifetime of the store; an event with Version <= the stored Version is
// dropped by the reconciliation queue.
type SyncMetadata struct {
	ID            string
	ModelType     string
	Version       uint64
	LastChangedAt int64 // unix seconds
	Deleted       bool
}

// MutationSync is the unit exchanged with the backend: a record paired with
// the sync metadata the server considers authoritative for it.
type MutationSync struct {
	Record       Record
	SyncMetadata SyncMetadata
}

// DerivedMutationType derives a MutationType from sync metadata: deleted
// wins over everything, version==1 means create, anything else is update.
func (m MutationSync) DerivedMutationType() MutationType {
	switch {
	case m.SyncMetadata.Deleted:
		return MutationDelete
	case m.SyncMetadata.Version == 1:
		return MutationCreate
	default:
		return MutationUpdate
	}
}

// MutationEvent is a local, queued outbound mutation. It is persisted so
// the outgoing mutation queue survives restarts.
//
// Invariant: at most one MutationEvent per ModelID has InProcess=true at
// any time — see the mutation queue's dispatch loop.
type MutationEvent struct {
	ID           string
	ModelID      string
	ModelName    string
	MutationType MutationType
	PayloadJSON  []byte
	CreatedAt    int64
	InProcess    bool
	Version      *uint64 // expected server version for update/delete, nil for create
}

func (m MutationEvent) String() string {
	return fmt.Sprintf("MutationEvent{id=%s model=%s/%s type=%s inProcess=%v}",
		m.ID, m.ModelName, m.ModelID, m.MutationType, m.InProcess)
}

// PendingSubscriptionEvent is an in-memory item buffered by a model queue
// until the model has been started.
type PendingSubscriptionEvent struct {
	ModelType string
	Payload   MutationSync
}

// ConnectionState is the per-model subscription connectivity state tracked
// by the aggregate incoming event reconciliation queue.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
	Failed
)

func (c ConnectionState) String() string {
	switch c {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// EngineState enumerates the total, forward-within-one-run lifecycle states
// of the remote sync engine.
type EngineState int

const (
	NotStarted EngineState = iota
	StorageReady
	SubscriptionsPaused
	MutationsPaused
	ClearedMutationState
	SubscriptionsInitialized
	InitialSyncDone
	SubscriptionsActivated
	MutationQueueStarted
	Syncing
	CleaningUp
	CleanedUp
	Terminated
)

var engineStateNames = map[EngineState]string{
	NotStarted:               "NotStarted",
	StorageReady:             "StorageReady",
	SubscriptionsPaused:      "SubscriptionsPaused",
	MutationsPaused:          "MutationsPaused",
	ClearedMutationState:     "ClearedStateOutgoingMutations",
	SubscriptionsInitialized: "SubscriptionsInitialized",
	InitialSyncDone:          "PerformedInitialSync",
	SubscriptionsActivated:   "SubscriptionsActivated",
	MutationQueueStarted:     "MutationQueueStarted",
	Syncing:                  "SyncStarted",
	CleaningUp:               "CleaningUp",
	CleanedUp:                "CleanedUp",
	Terminated:               "Terminated",
}

func (s EngineState) String() string {
	if name, ok := engineStateNames[s]; ok {
		return name
	}
	return "Unknown"
}
