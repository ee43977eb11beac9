// Package storefake is an in-memory implementation of synccore's
// StoreAdapter and MutationPersistence, for tests and local development
// without a real embedded database.
package storefake

import (
	"context"
	"sort"
	"sync"

	"github.com/autopeer-io/datasync/internal/synccore"
)

// Store is an in-memory StoreAdapter and MutationPersistence. Construct it
// with New; the zero value has nil maps and panics on its first write.
type Store struct {
	mu sync.Mutex

	records  map[string]synccore.Record
	metadata map[string]synccore.SyncMetadata

	mutations   []synccore.MutationEvent
	mutationSeq map[string]int
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		records:     make(map[string]synccore.Record),
		metadata:    make(map[string]synccore.SyncMetadata),
		mutationSeq: make(map[string]int),
	}
}

// --- synccore.StoreAdapter ---

func (s *Store) SaveRecord(_ context.Context, record synccore.Record) (synccore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record
	return record, nil
}

func (s *Store) SaveSyncMetadata(_ context.Context, meta synccore.SyncMetadata) (synccore.SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[meta.ID] = meta
	return meta, nil
}

func (s *Store) DeleteRecord(_ context.Context, _ string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *Store) QueryRecords(_ context.Context, modelType string) ([]synccore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]synccore.Record, 0)
	for _, r := range s.records {
		if r.ModelType == modelType {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) QuerySyncMetadata(_ context.Context, id string) (*synccore.SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.metadata[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// --- synccore.MutationPersistence ---

func (s *Store) EnqueueMutation(_ context.Context, event synccore.MutationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.mutationSeq[event.ID]; exists {
		return nil
	}
	s.mutationSeq[event.ID] = len(s.mutations)
	s.mutations = append(s.mutations, event)
	return nil
}

func (s *Store) DequeueHeadMutation(_ context.Context) (*synccore.MutationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.mutations {
		if !s.mutations[i].InProcess {
			s.mutations[i].InProcess = true
			cp := s.mutations[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) MarkMutationProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.mutations {
		if m.ID == id {
			s.mutations = append(s.mutations[:i], s.mutations[i+1:]...)
			delete(s.mutationSeq, id)
			return nil
		}
	}
	return nil
}

func (s *Store) ClearInProcessFlags(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.mutations {
		s.mutations[i].InProcess = false
	}
	return nil
}

func (s *Store) ListMutations(_ context.Context) ([]synccore.MutationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]synccore.MutationEvent, len(s.mutations))
	copy(out, s.mutations)
	return out, nil
}
