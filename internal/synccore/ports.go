package synccore

import "context"

// StoreAdapter is the local persistent store contract consumed by the
// core. Implementations are expected to serialize their own operations
// internally; the core does not use multi-statement transactions across
// calls.
type StoreAdapter interface {
	SaveRecord(ctx context.Context, record Record) (Record, error)
	SaveSyncMetadata(ctx context.Context, meta SyncMetadata) (SyncMetadata, error)
	DeleteRecord(ctx context.Context, modelType, id string) error
	QueryRecords(ctx context.Context, modelType string) ([]Record, error)
	QuerySyncMetadata(ctx context.Context, id string) (*SyncMetadata, error)
}

// SubscriptionEventKind distinguishes a connection-lifecycle notification
// from a data delivery on a SubscriptionOperation's stream.
type SubscriptionEventKind int

const (
	SubscriptionConnectionEvent SubscriptionEventKind = iota
	SubscriptionDataEvent
)

// SubscriptionEvent is delivered on a SubscriptionOperation's channel. Kind
// discriminates between a ConnectionState transition and a MutationSync
// payload.
type SubscriptionEvent struct {
	Kind       SubscriptionEventKind
	Connection ConnectionState
	Data       MutationSync
}

// Operation represents a one-shot query or mutate call in flight.
type Operation interface {
	// Cancel aborts the in-flight call. Idempotent.
	Cancel()
}

// SubscriptionOperation represents a long-lived subscribe stream.
type SubscriptionOperation interface {
	Operation
	// Events yields SubscriptionEvent values until the stream completes.
	// The channel is closed exactly once, after Err has been set (Err may
	// be nil for a clean, e.g. user-requested, completion).
	Events() <-chan SubscriptionEvent
	// Err returns the terminal error, if any, after Events() has closed.
	// Returns nil before completion or on clean completion.
	Err() error
}

// QueryRequest describes a paged `sync` query issued by the initial sync
// orchestrator.
type QueryRequest struct {
	ModelType string
	NextToken string
	Limit     int
}

// QueryResult is one page of a `sync` query.
type QueryResult struct {
	Items     []MutationSync
	NextToken string // empty when this is the last page
}

// MutationRequest is a one-shot outgoing mutation sent to the backend.
type MutationRequest struct {
	MutationEvent   MutationEvent
	ExpectedVersion *uint64 // set when retrying against a known server version
}

// MutationResult is the successful outcome of a mutate call.
type MutationResult struct {
	Remote MutationSync
}

// GraphQLErrorType is an opaque tag the wire-client layer surfaces for a
// failed mutation.
type GraphQLErrorType string

const (
	ErrorTypeConditionalCheck  GraphQLErrorType = "ConditionalCheck"
	ErrorTypeConflictUnhandled GraphQLErrorType = "ConflictUnhandled"
)

// GraphQLError is a single error entry in a GraphQLResponseError.
type GraphQLError struct {
	Type   GraphQLErrorType
	Remote *MutationSync // attached remote payload, required for ConflictUnhandled
}

// GraphQLResponseError is the error payload returned by a failed mutate
// call. The error processor first classifies whether this is a
// single-error response before further processing.
type GraphQLResponseError struct {
	Errors []GraphQLError
}

// SingleError returns the sole error and true if exactly one error is
// present.
func (e *GraphQLResponseError) SingleError() (GraphQLError, bool) {
	if e == nil || len(e.Errors) != 1 {
		return GraphQLError{}, false
	}
	return e.Errors[0], true
}

// WireClient is the GraphQL-like subscribe/mutate/query transport consumed
// by the core.
type WireClient interface {
	Query(ctx context.Context, req QueryRequest) (QueryResult, error)
	Mutate(ctx context.Context, req MutationRequest) (MutationResult, *GraphQLResponseError, error)
	Subscribe(ctx context.Context, modelType string) (SubscriptionOperation, error)
}

// EventBus is the application bus the core publishes named events to.
type EventBus interface {
	Publish(ctx context.Context, event BusEvent)
}
