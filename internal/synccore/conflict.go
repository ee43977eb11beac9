package synccore

import "context"

// ConflictResolutionKind discriminates the three ways a ConflictHandler
// can resolve a divergence between the local mutation and the remote
// authoritative state.
type ConflictResolutionKind int

const (
	ApplyRemote ConflictResolutionKind = iota
	RetryLocal
	RetryWith
)

// ConflictResolution is the value a ConflictHandler delivers to resolve a
// conflict. RetryPayload is only meaningful when Kind == RetryWith.
type ConflictResolution struct {
	Kind         ConflictResolutionKind
	RetryPayload MutationEvent
}

// ConflictHandler is the user-supplied callback resolving a divergence
// between the local mutation and the remote authoritative state.
//
// Contract: called at most once per Mutation Error Processor
// invocation, from any goroutine; the resolution is delivered by returning
// from this function. A handler that never returns stalls the mutation
// indefinitely — deliberately, because only the user can decide.
type ConflictHandler func(ctx context.Context, local Record, remote Record) ConflictResolution
