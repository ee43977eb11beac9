package synccore

import (
	"context"
	"sync"
)

// fakeStore is a minimal in-memory StoreAdapter for unit tests. It is
// separate from the top-level storefake package to keep this package's
// tests free of an import cycle.
type fakeStore struct {
	mu       sync.Mutex
	records  map[string]Record
	metadata map[string]SyncMetadata
	saveErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:  make(map[string]Record),
		metadata: make(map[string]SyncMetadata),
	}
}

func (s *fakeStore) SaveRecord(_ context.Context, r Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return Record{}, s.saveErr
	}
	s.records[r.ID] = r
	return r, nil
}

func (s *fakeStore) SaveSyncMetadata(_ context.Context, m SyncMetadata) (SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return SyncMetadata{}, s.saveErr
	}
	s.metadata[m.ID] = m
	return m, nil
}

func (s *fakeStore) DeleteRecord(_ context.Context, _ string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *fakeStore) QueryRecords(_ context.Context, modelType string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if r.ModelType == modelType {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) QuerySyncMetadata(_ context.Context, id string) (*SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metadata[id]
	if !ok {
		return nil, nil
	}
	cp := m
	return &cp, nil
}

func (s *fakeStore) versionOf(id string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metadata[id]
	return m.Version, ok
}

func (s *fakeStore) hasRecord(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok
}

// fakeBus collects every published BusEvent for assertions.
type fakeBus struct {
	mu     sync.Mutex
	events []BusEvent
}

func newFakeBus() *fakeBus { return &fakeBus{} }

func (b *fakeBus) Publish(_ context.Context, ev BusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *fakeBus) snapshot() []BusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BusEvent, len(b.events))
	copy(out, b.events)
	return out
}

// fakeSubscription is a manually-driven SubscriptionOperation.
type fakeSubscription struct {
	ch        chan SubscriptionEvent
	mu        sync.Mutex
	cancelled bool
	err       error
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{ch: make(chan SubscriptionEvent, 64)}
}

func (f *fakeSubscription) Events() <-chan SubscriptionEvent { return f.ch }
func (f *fakeSubscription) Err() error                       { return f.err }

func (f *fakeSubscription) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return
	}
	f.cancelled = true
	close(f.ch)
}

func (f *fakeSubscription) pushData(ms MutationSync) {
	f.ch <- SubscriptionEvent{Kind: SubscriptionDataEvent, Data: ms}
}

func (f *fakeSubscription) pushConnection(state ConnectionState) {
	f.ch <- SubscriptionEvent{Kind: SubscriptionConnectionEvent, Connection: state}
}

// fakeWire is a manually-driven WireClient whose Subscribe calls hand
// back caller-registered fakeSubscriptions so a test can drive them.
type fakeWire struct {
	mu   sync.Mutex
	subs map[string]*fakeSubscription

	mutateFn func(ctx context.Context, req MutationRequest) (MutationResult, *GraphQLResponseError, error)
	queryFn  func(ctx context.Context, req QueryRequest) (QueryResult, error)
}

func newFakeWire() *fakeWire {
	return &fakeWire{subs: make(map[string]*fakeSubscription)}
}

func (w *fakeWire) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	if w.queryFn != nil {
		return w.queryFn(ctx, req)
	}
	return QueryResult{}, nil
}

func (w *fakeWire) Mutate(ctx context.Context, req MutationRequest) (MutationResult, *GraphQLResponseError, error) {
	if w.mutateFn != nil {
		return w.mutateFn(ctx, req)
	}
	return MutationResult{}, nil, nil
}

func (w *fakeWire) Subscribe(_ context.Context, modelType string) (SubscriptionOperation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sub := newFakeSubscription()
	w.subs[modelType] = sub
	return sub, nil
}

func (w *fakeWire) subscription(modelType string) *fakeSubscription {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.subs[modelType]
}

// fakeMutationPersistence is an in-memory MutationPersistence for
// mutation queue tests.
type fakeMutationPersistence struct {
	mu        sync.Mutex
	mutations []MutationEvent
}

func newFakeMutationPersistence() *fakeMutationPersistence {
	return &fakeMutationPersistence{}
}

func (p *fakeMutationPersistence) EnqueueMutation(_ context.Context, event MutationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mutations = append(p.mutations, event)
	return nil
}

func (p *fakeMutationPersistence) DequeueHeadMutation(_ context.Context) (*MutationEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.mutations {
		if !p.mutations[i].InProcess {
			p.mutations[i].InProcess = true
			cp := p.mutations[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (p *fakeMutationPersistence) MarkMutationProcessed(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range p.mutations {
		if m.ID == id {
			p.mutations = append(p.mutations[:i], p.mutations[i+1:]...)
			return nil
		}
	}
	return nil
}

func (p *fakeMutationPersistence) ClearInProcessFlags(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.mutations {
		p.mutations[i].InProcess = false
	}
	return nil
}

func (p *fakeMutationPersistence) ListMutations(_ context.Context) ([]MutationEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]MutationEvent, len(p.mutations))
	copy(out, p.mutations)
	return out, nil
}

func (p *fakeMutationPersistence) remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.mutations)
}
