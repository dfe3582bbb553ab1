// Package realtime layers live record feeds over the TTL cache. Each key
// moves between live subscription, offline polling and degraded retry,
// and its consumer sees one ordered stream of updates.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/google/uuid"
	"github.com/kjannette/pricesync/internal/cache"
	"github.com/kjannette/pricesync/internal/connectivity"
	"github.com/kjannette/pricesync/internal/logging"
	"github.com/kjannette/pricesync/internal/models"
	"github.com/kjannette/pricesync/internal/source"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPollInterval    = 30 * time.Second
	DefaultRetryBackoffMax = 5 * time.Minute
	DefaultMaxStaleTime    = 5 * time.Minute
	DefaultRefreshTimeout  = 30 * time.Second
)

var (
	ErrClosed  = errors.New("realtime: manager closed")
	ErrOffline = errors.New("realtime: offline")
)

// Network is what the manager needs from the connectivity monitor.
type Network interface {
	IsOnline(ctx context.Context) bool
	Subscribe(fn func(connectivity.State)) (unsubscribe func())
}

type Config struct {
	Store   *cache.Store
	Network Network
	// Clock drives poll and retry timers. Nil uses the system clock.
	Clock  mclock.Clock
	Logger *slog.Logger
	// OnStateChange observes every key transition. It runs outside
	// manager locks, in order with the key's data updates.
	OnStateChange func(key string, from, to State)
	// Defaults fill in zero fields of the Options passed to Setup.
	Defaults       Options
	RefreshTimeout time.Duration
}

type Manager struct {
	store          *cache.Store
	net            Network
	clock          mclock.Clock
	log            *slog.Logger
	onState        func(key string, from, to State)
	defaults       Options
	refreshTimeout time.Duration

	mu       sync.Mutex
	entries  map[string]*entry
	closed   bool
	unsubNet func()

	group singleflight.Group
	bg    sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.Defaults.PollInterval <= 0 {
		cfg.Defaults.PollInterval = DefaultPollInterval
	}
	if cfg.Defaults.RetryBackoffMax <= 0 {
		cfg.Defaults.RetryBackoffMax = DefaultRetryBackoffMax
	}
	if cfg.Defaults.MaxStaleTime <= 0 {
		cfg.Defaults.MaxStaleTime = DefaultMaxStaleTime
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	m := &Manager{
		store:          cfg.Store,
		net:            cfg.Network,
		clock:          cfg.Clock,
		log:            logging.Component(cfg.Logger, "realtime"),
		onState:        cfg.OnStateChange,
		defaults:       cfg.Defaults,
		refreshTimeout: cfg.RefreshTimeout,
		entries:        make(map[string]*entry),
	}
	m.unsubNet = m.net.Subscribe(m.onNetwork)
	return m
}

func (m *Manager) withDefaults(o Options) Options {
	if o.PollInterval <= 0 {
		o.PollInterval = m.defaults.PollInterval
	}
	if o.RetryBackoffMax <= 0 {
		o.RetryBackoffMax = m.defaults.RetryBackoffMax
	}
	if o.RetryBackoffMax < o.PollInterval {
		o.RetryBackoffMax = o.PollInterval
	}
	if o.MaxStaleTime <= 0 {
		o.MaxStaleTime = m.defaults.MaxStaleTime
	}
	if o.OnDataUpdate == nil {
		o.OnDataUpdate = m.defaults.OnDataUpdate
	}
	return o
}

// Setup registers key against src. Cached data, if any, is delivered
// first; the key then goes live when online or polls when offline.
// Setting up a key that is already registered replaces the old
// registration.
func (m *Manager) Setup(ctx context.Context, key string, src source.Source, opts Options) (*Handle, error) {
	if key == "" {
		return nil, models.Invalid("empty key")
	}
	if src == nil {
		return nil, models.Invalid("no source for %q", key)
	}
	e := &entry{id: uuid.New(), key: key, src: src, opts: m.withDefaults(opts)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	prev := m.entries[key]
	m.entries[key] = e
	m.mu.Unlock()

	if prev != nil {
		m.log.Debug("replacing registration", "key", key, "previous", prev.id)
		m.teardown(prev)
	}

	m.bootstrap(ctx, e)
	return &Handle{ID: e.id, Key: key, m: m, e: e}, nil
}

func (m *Manager) bootstrap(ctx context.Context, e *entry) {
	e.mu.Lock()
	m.setStateLocked(e, Bootstrapping)
	if recs, storedAt, ok := m.cachedLocked(e); ok {
		e.records, e.haveRecords = recs, true
		m.emitLocked(e, Update{Records: recs, Meta: Meta{
			FromCache: true,
			StoredAt:  storedAt,
			Stale:     m.isStale(storedAt, e.opts.MaxStaleTime),
		}})
	}
	e.mu.Unlock()
	e.flush()

	if m.net.IsOnline(ctx) {
		m.goLive(ctx, e)
		return
	}

	e.mu.Lock()
	polling := !e.closed.Load() && e.state == Bootstrapping
	if polling {
		m.setStateLocked(e, Polling)
		m.armLocked(e, e.opts.PollInterval)
	}
	e.mu.Unlock()
	e.flush()

	// A transition delivered while the key was still bootstrapping was
	// skipped by onNetwork; catch it here instead of a poll later.
	if polling && m.net.IsOnline(ctx) {
		m.goLive(ctx, e)
	}
}

// goLive replaces whatever feed the entry has with a fresh subscription,
// or a pull when the source cannot push.
func (m *Manager) goLive(ctx context.Context, e *entry) {
	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return
	}
	e.stopTimerLocked()
	e.gen++
	gen := e.gen
	old := e.unsub
	e.unsub = nil
	e.mu.Unlock()
	if old != nil {
		old()
	}

	sub, ok := e.src.(source.Subscriber)
	if !ok {
		m.pull(ctx, e, gen)
		return
	}

	unsub, err := sub.Subscribe(ctx, e.key,
		func(c source.Change) { m.onChange(e, gen, c) },
		func(err error) { m.onFeedError(e, gen, err) },
	)

	e.mu.Lock()
	if e.closed.Load() || e.gen != gen {
		e.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		return
	}
	if err != nil {
		m.degradeLocked(e, subscriptionError(e.key, err))
	} else {
		e.unsub = unsub
		e.failures = 0
		m.setStateLocked(e, Live)
	}
	e.mu.Unlock()
	e.flush()
}

// pull is Live for sources without subscribe: fetch now and again every
// poll interval.
func (m *Manager) pull(ctx context.Context, e *entry, gen uint64) {
	e.mu.Lock()
	ver := e.version
	e.mu.Unlock()

	recs, err := e.src.FetchCollection(ctx, e.key)

	e.mu.Lock()
	if e.closed.Load() || e.gen != gen {
		e.mu.Unlock()
		return
	}
	if err != nil {
		m.degradeLocked(e, &models.FetchError{Key: e.key, Err: err})
	} else {
		e.failures = 0
		m.setStateLocked(e, Live)
		if e.version == ver {
			m.replaceLocked(e, recs, Meta{})
		}
		m.armLocked(e, e.opts.PollInterval)
	}
	e.mu.Unlock()
	e.flush()
}

func (m *Manager) onChange(e *entry, gen uint64, c source.Change) {
	e.mu.Lock()
	if e.closed.Load() || e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.failures = 0
	m.setStateLocked(e, Live)
	m.replaceLocked(e, source.Apply(e.records, c), Meta{Realtime: true})
	e.mu.Unlock()
	e.flush()
}

func (m *Manager) onFeedError(e *entry, gen uint64, err error) {
	e.mu.Lock()
	if e.closed.Load() || e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.gen++
	unsub := e.unsub
	e.unsub = nil
	m.degradeLocked(e, subscriptionError(e.key, err))
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	e.flush()
}

// degradeLocked serves the last known data with the error and schedules a
// retry on the backoff schedule.
func (m *Manager) degradeLocked(e *entry, err error) {
	m.setStateLocked(e, Degraded)
	e.failures++
	recs, storedAt, ok := m.cachedLocked(e)
	m.emitLocked(e, Update{Records: recs, Meta: Meta{
		FromCache: ok,
		StoredAt:  storedAt,
		Stale:     ok && m.isStale(storedAt, e.opts.MaxStaleTime),
		Err:       err,
	}})
	delay := backoff(e.opts, e.failures)
	m.armLocked(e, delay)
	m.log.Warn("feed degraded", "key", e.key, "failures", e.failures, "retryIn", delay, "error", err)
}

func (m *Manager) tick(e *entry, seq uint64) {
	e.mu.Lock()
	if e.closed.Load() || e.timerSeq != seq {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	state, gen := e.state, e.gen
	e.mu.Unlock()

	ctx := context.Background()
	online := m.net.IsOnline(ctx)

	if state == Live {
		if online {
			m.pull(ctx, e, gen)
		} else {
			m.dropToPolling(e)
		}
		return
	}
	if online {
		m.goLive(ctx, e)
		return
	}

	e.mu.Lock()
	if e.closed.Load() || e.timerSeq != seq || e.state != state {
		e.mu.Unlock()
		return
	}
	if recs, storedAt, ok := m.cachedLocked(e); ok {
		m.emitLocked(e, Update{Records: recs, Meta: Meta{
			FromCache: true,
			Offline:   true,
			StoredAt:  storedAt,
			Stale:     m.isStale(storedAt, e.opts.MaxStaleTime),
		}})
	}
	if state == Degraded {
		e.failures++
		m.armLocked(e, backoff(e.opts, e.failures))
	} else {
		m.armLocked(e, e.opts.PollInterval)
	}
	e.mu.Unlock()
	e.flush()
}

// onNetwork reacts to connectivity transitions: live keys drop their feed
// and poll while offline; polling and degraded keys retry at once when
// the network returns.
func (m *Manager) onNetwork(s connectivity.State) {
	online := s.Online()
	m.log.Info("network transition", "online", online)
	ctx := context.Background()
	for _, e := range m.snapshot() {
		if !online {
			m.dropToPolling(e)
			continue
		}
		e.mu.Lock()
		st := e.state
		e.mu.Unlock()
		if st == Polling || st == Degraded {
			m.goLive(ctx, e)
		}
	}
}

func (m *Manager) dropToPolling(e *entry) {
	e.mu.Lock()
	if e.closed.Load() || e.state != Live {
		e.mu.Unlock()
		return
	}
	e.gen++
	unsub := e.unsub
	e.unsub = nil
	m.setStateLocked(e, Polling)
	m.armLocked(e, e.opts.PollInterval)
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	e.flush()
}

// Retry resubscribes key now instead of waiting for the backoff timer.
func (m *Manager) Retry(ctx context.Context, key string) error {
	e := m.lookup(key)
	if e == nil {
		return models.Invalid("key %q is not set up", key)
	}
	if !m.net.IsOnline(ctx) {
		return ErrOffline
	}
	m.goLive(ctx, e)

	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	if st != Live {
		return fmt.Errorf("retry %q: still %s", key, st)
	}
	return nil
}

// Refresh fetches key's whole collection now and delivers it, unless a
// newer write landed while the fetch was in flight.
func (m *Manager) Refresh(ctx context.Context, key string) error {
	e := m.lookup(key)
	if e == nil {
		return models.Invalid("key %q is not set up", key)
	}
	e.mu.Lock()
	ver := e.version
	e.mu.Unlock()

	recs, err := e.src.FetchCollection(ctx, key)
	if err != nil {
		return &models.FetchError{Key: key, Err: err}
	}
	if !m.commit(e, ver, recs) {
		m.log.Debug("refresh superseded", "key", key)
	}
	return nil
}

func (m *Manager) commit(e *entry, ver uint64, recs []models.Record) bool {
	e.mu.Lock()
	if e.closed.Load() || e.version != ver {
		e.mu.Unlock()
		return false
	}
	m.replaceLocked(e, recs, Meta{})
	e.mu.Unlock()
	e.flush()
	return true
}

// Cleanup tears down key synchronously: the feed is unsubscribed and any
// timer cancelled before it returns. Unknown keys are ignored.
func (m *Manager) Cleanup(key string) {
	m.mu.Lock()
	e := m.entries[key]
	delete(m.entries, key)
	m.mu.Unlock()
	if e != nil {
		m.teardown(e)
	}
}

func (m *Manager) release(e *entry) {
	m.mu.Lock()
	if m.entries[e.key] == e {
		delete(m.entries, e.key)
	}
	m.mu.Unlock()
	m.teardown(e)
}

func (m *Manager) teardown(e *entry) {
	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return
	}
	e.closed.Store(true)
	e.gen++
	e.stopTimerLocked()
	unsub := e.unsub
	e.unsub = nil
	m.setStateLocked(e, TornDown)
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	e.flush()
	m.log.Debug("key torn down", "key", e.key)
}

// State reports key's current state.
func (m *Manager) State(key string) (State, bool) {
	e := m.lookup(key)
	if e == nil {
		return Cold, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// Keys lists registered keys in order.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// WaitIdle blocks until background refreshes started so far finish.
func (m *Manager) WaitIdle() {
	m.bg.Wait()
}

// Close tears down every key and stops following connectivity.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	if m.unsubNet != nil {
		m.unsubNet()
	}
	for _, e := range entries {
		m.teardown(e)
	}
	m.bg.Wait()
	m.log.Info("manager closed", "keys", len(entries))
}

func (m *Manager) lookup(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key]
}

func (m *Manager) snapshot() []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

// --- locked helpers; callers hold e.mu ---

func (m *Manager) setStateLocked(e *entry, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	m.log.Debug("state", "key", e.key, "from", from, "to", to)
	if m.onState != nil {
		hook, key := m.onState, e.key
		e.enqueue(notice{deliver: func() { hook(key, from, to) }})
	}
}

func (m *Manager) emitLocked(e *entry, u Update) {
	cb := e.opts.OnDataUpdate
	if cb == nil {
		return
	}
	u.Key = e.key
	e.enqueue(notice{deliver: func() { cb(u) }, data: true})
}

// replaceLocked installs recs as the key's data, writes them through and
// notifies.
func (m *Manager) replaceLocked(e *entry, recs []models.Record, meta Meta) {
	if recs == nil {
		recs = []models.Record{}
	}
	e.records, e.haveRecords = recs, true
	e.version++
	m.store.Set(context.Background(), e.key, recs)
	meta.StoredAt = m.store.Now()
	m.emitLocked(e, Update{Records: recs, Meta: meta})
}

// cachedLocked returns the persisted records for the key, falling back
// to the in-memory copy if the store has lost them.
func (m *Manager) cachedLocked(e *entry) ([]models.Record, time.Time, bool) {
	var recs []models.Record
	if storedAt, ok := m.store.Get(context.Background(), e.key, cache.Forever, &recs); ok {
		return recs, storedAt, true
	}
	if e.haveRecords {
		return e.records, time.Time{}, true
	}
	return nil, time.Time{}, false
}

func (m *Manager) armLocked(e *entry, d time.Duration) {
	e.stopTimerLocked()
	seq := e.timerSeq
	e.timer = m.clock.AfterFunc(d, func() { m.tick(e, seq) })
}

func (m *Manager) isStale(storedAt time.Time, maxStale time.Duration) bool {
	if storedAt.IsZero() {
		return false
	}
	return m.store.Now().Sub(storedAt) > maxStale
}

// backoff doubles the poll interval per consecutive failure, capped.
func backoff(o Options, failures int) time.Duration {
	d := o.PollInterval
	for i := 1; i < failures && d < o.RetryBackoffMax; i++ {
		d *= 2
	}
	return min(d, o.RetryBackoffMax)
}

func subscriptionError(key string, err error) error {
	var se *models.SubscriptionError
	if errors.As(err, &se) {
		return err
	}
	return &models.SubscriptionError{Path: key, Err: err}
}
