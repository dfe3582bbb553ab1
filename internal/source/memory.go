package source

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kjannette/pricesync/internal/models"
)

// Memory is an in-process source. Changes are delivered synchronously on
// the goroutine that made them, which keeps embedding and tests
// deterministic.
type Memory struct {
	mu          sync.Mutex
	collections map[string][]models.Record
	subs        map[string]map[uint64]*memorySub
	nextSub     uint64

	fetchErr     error
	subscribeErr error
	fetches      atomic.Int64
	subscribes   atomic.Int64
}

type memorySub struct {
	deliver  sync.Mutex
	closed   atomic.Bool
	onChange func(Change)
	onError  func(error)
}

func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string][]models.Record),
		subs:        make(map[string]map[uint64]*memorySub),
	}
}

func (m *Memory) FetchCollection(ctx context.Context, path string) ([]models.Record, error) {
	m.fetches.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return append([]models.Record{}, m.collections[path]...), nil
}

func (m *Memory) FetchRecord(ctx context.Context, path, id string) (*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	for _, r := range m.collections[path] {
		if r.ID == id {
			rec := r
			return &rec, nil
		}
	}
	return nil, nil
}

// Subscribe delivers the current collection as a snapshot before
// returning, then every later change.
func (m *Memory) Subscribe(ctx context.Context, path string, onChange func(Change), onError func(error)) (func(), error) {
	m.subscribes.Add(1)
	m.mu.Lock()
	if m.subscribeErr != nil {
		err := m.subscribeErr
		m.mu.Unlock()
		return nil, &models.SubscriptionError{Path: path, Err: err}
	}
	m.nextSub++
	id := m.nextSub
	sub := &memorySub{onChange: onChange, onError: onError}
	if m.subs[path] == nil {
		m.subs[path] = make(map[uint64]*memorySub)
	}
	m.subs[path][id] = sub
	snapshot := append([]models.Record{}, m.collections[path]...)
	m.mu.Unlock()

	sub.send(Change{Kind: Snapshot, Records: snapshot})

	return func() {
		sub.closed.Store(true)
		m.mu.Lock()
		delete(m.subs[path], id)
		m.mu.Unlock()
	}, nil
}

func (s *memorySub) send(c Change) {
	s.deliver.Lock()
	defer s.deliver.Unlock()
	if !s.closed.Load() {
		s.onChange(c)
	}
}

func (s *memorySub) fail(err error) {
	s.deliver.Lock()
	defer s.deliver.Unlock()
	if !s.closed.Load() {
		s.closed.Store(true)
		s.onError(err)
	}
}

// Put upserts records into path and notifies subscribers.
func (m *Memory) Put(path string, recs ...models.Record) {
	recs = inCollection(path, recs)
	m.mu.Lock()
	m.collections[path] = Apply(m.collections[path], Change{Kind: Upsert, Records: recs})
	subs := m.subscribersLocked(path)
	m.mu.Unlock()

	for _, s := range subs {
		s.send(Change{Kind: Upsert, Records: recs})
	}
}

// Remove deletes records by id and notifies subscribers.
func (m *Memory) Remove(path string, ids ...string) {
	m.mu.Lock()
	m.collections[path] = Apply(m.collections[path], Change{Kind: Remove, IDs: ids})
	subs := m.subscribersLocked(path)
	m.mu.Unlock()

	for _, s := range subs {
		s.send(Change{Kind: Remove, IDs: append([]string{}, ids...)})
	}
}

// Seed replaces a collection without notifying anyone.
func (m *Memory) Seed(path string, recs ...models.Record) {
	recs = inCollection(path, recs)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[path] = recs
}

func inCollection(path string, recs []models.Record) []models.Record {
	out := make([]models.Record, len(recs))
	for i, r := range recs {
		r.Collection = path
		out[i] = r
	}
	return out
}

// Drop fails every live subscription on path, as a server disconnect would.
func (m *Memory) Drop(path string, err error) {
	m.mu.Lock()
	subs := m.subscribersLocked(path)
	delete(m.subs, path)
	m.mu.Unlock()

	for _, s := range subs {
		s.fail(&models.SubscriptionError{Path: path, Err: err})
	}
}

func (m *Memory) SetFetchError(err error) {
	m.mu.Lock()
	m.fetchErr = err
	m.mu.Unlock()
}

func (m *Memory) SetSubscribeError(err error) {
	m.mu.Lock()
	m.subscribeErr = err
	m.mu.Unlock()
}

func (m *Memory) Fetches() int64    { return m.fetches.Load() }
func (m *Memory) Subscribes() int64 { return m.subscribes.Load() }

// Subscribers counts live subscriptions on path.
func (m *Memory) Subscribers(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[path])
}

func (m *Memory) subscribersLocked(path string) []*memorySub {
	out := make([]*memorySub, 0, len(m.subs[path]))
	for _, s := range m.subs[path] {
		out = append(out, s)
	}
	return out
}

// FetchOnly hides any live-subscribe support of src.
func FetchOnly(src Source) Source {
	return fetchOnly{src}
}

type fetchOnly struct{ src Source }

func (f fetchOnly) FetchCollection(ctx context.Context, path string) ([]models.Record, error) {
	return f.src.FetchCollection(ctx, path)
}
