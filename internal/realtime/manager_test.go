package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/kjannette/pricesync/internal/cache"
	"github.com/kjannette/pricesync/internal/connectivity"
	"github.com/kjannette/pricesync/internal/models"
	"github.com/kjannette/pricesync/internal/source"
	"github.com/shopspring/decimal"
)

type fakeNet struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(connectivity.State)
	next   int
	// afterCheck runs once, after the next IsOnline answer is taken.
	afterCheck func()
}

func newFakeNet(online bool) *fakeNet {
	return &fakeNet{online: online, subs: make(map[int]func(connectivity.State))}
}

func (n *fakeNet) IsOnline(context.Context) bool {
	n.mu.Lock()
	online, hook := n.online, n.afterCheck
	n.afterCheck = nil
	n.mu.Unlock()
	if hook != nil {
		hook()
	}
	return online
}

func (n *fakeNet) Subscribe(fn func(connectivity.State)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	id := n.next
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Set flips connectivity and notifies subscribers synchronously.
func (n *fakeNet) Set(online bool) {
	n.mu.Lock()
	n.online = online
	fns := make([]func(connectivity.State), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	s := connectivity.Offline
	if online {
		s = connectivity.State{IsConnected: true, Transport: connectivity.TransportWiFi, IsReachable: true}
	}
	for _, fn := range fns {
		fn(s)
	}
}

// setQuiet flips connectivity without telling anyone.
func (n *fakeNet) setQuiet(online bool) {
	n.mu.Lock()
	n.online = online
	n.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) on(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

func (r *recorder) last(t *testing.T) Update {
	t.Helper()
	all := r.all()
	if len(all) == 0 {
		t.Fatal("no updates")
	}
	return all[len(all)-1]
}

type transition struct {
	key      string
	from, to State
}

type fixture struct {
	m     *Manager
	store *cache.Store
	net   *fakeNet
	clock *mclock.Simulated
	src   *source.Memory

	tmu         sync.Mutex
	transitions []transition
}

var epoch = time.UnixMilli(1_700_000_000_000)

const poll = 30 * time.Second

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	f := &fixture{net: newFakeNet(online), clock: new(mclock.Simulated), src: source.NewMemory()}
	f.store = cache.New(cache.NewMemoryBackend(), cache.Options{
		Now: func() time.Time { return epoch.Add(time.Duration(f.clock.Now())) },
	})
	f.m = NewManager(Config{
		Store:   f.store,
		Network: f.net,
		Clock:   f.clock,
		Defaults: Options{
			PollInterval:    poll,
			RetryBackoffMax: 4 * poll,
			MaxStaleTime:    2 * time.Minute,
		},
		OnStateChange: func(key string, from, to State) {
			f.tmu.Lock()
			f.transitions = append(f.transitions, transition{key, from, to})
			f.tmu.Unlock()
		},
	})
	t.Cleanup(f.m.Close)
	return f
}

func (f *fixture) state(t *testing.T, key string) State {
	t.Helper()
	st, ok := f.m.State(key)
	if !ok {
		t.Fatalf("key %q not registered", key)
	}
	return st
}

func price(id string, p int64) models.Record {
	return models.Record{ID: id, CommodityName: "maize", Price: decimal.NewFromInt(p)}
}

func findPrice(recs []models.Record, id string) (decimal.Decimal, bool) {
	for _, r := range recs {
		if r.ID == id {
			return r.Price, true
		}
	}
	return decimal.Zero, false
}

func TestSetup_OnlineGoesLiveAfterCache(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	const key = "crops/farmers"

	f.store.Set(ctx, key, []models.Record{price("old", 1)})
	f.src.Seed(key, price("a", 10))

	rec := &recorder{}
	h, err := f.m.Setup(ctx, key, f.src, Options{OnDataUpdate: rec.on})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if h.Key != key || h.ID.String() == "" {
		t.Fatalf("bad handle %+v", h)
	}

	ups := rec.all()
	if len(ups) != 2 {
		t.Fatalf("expected cache hit then snapshot, got %d updates", len(ups))
	}
	if !ups[0].Meta.FromCache || ups[0].Records[0].ID != "old" {
		t.Fatalf("first update should be the cache hit: %+v", ups[0])
	}
	if !ups[1].Meta.Realtime || ups[1].Meta.FromCache || ups[1].Records[0].ID != "a" {
		t.Fatalf("second update should be the live snapshot: %+v", ups[1])
	}
	if got := f.state(t, key); got != Live {
		t.Fatalf("state = %s, want live", got)
	}

	f.tmu.Lock()
	defer f.tmu.Unlock()
	want := []transition{{key, Cold, Bootstrapping}, {key, Bootstrapping, Live}}
	if len(f.transitions) != len(want) {
		t.Fatalf("transitions = %+v", f.transitions)
	}
	for i := range want {
		if f.transitions[i] != want[i] {
			t.Fatalf("transition %d = %+v, want %+v", i, f.transitions[i], want[i])
		}
	}
}

func TestLivePush_WritesThroughBeforePollTick(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	const key = "crops/farmers"

	rec := &recorder{}
	if _, err := f.m.Setup(ctx, key, f.src, Options{OnDataUpdate: rec.on}); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	f.src.Put(key, price("x", 42))

	var cached []models.Record
	if _, ok := f.store.Get(ctx, key, cache.Forever, &cached); !ok {
		t.Fatal("push not written through")
	}
	if p, ok := findPrice(cached, "x"); !ok || !p.Equal(decimal.NewFromInt(42)) {
		t.Fatalf("cache = %+v", cached)
	}
	push := rec.last(t)
	if !push.Meta.Realtime {
		t.Fatalf("push update should be realtime: %+v", push.Meta)
	}
	pushIndex := len(rec.all()) - 1

	// connectivity drops, the key polls, and the tick re-emits what the
	// push left in the cache
	f.net.Set(false)
	if got := f.state(t, key); got != Polling {
		t.Fatalf("state = %s, want polling", got)
	}
	f.clock.Run(poll)

	ups := rec.all()
	if len(ups) != pushIndex+2 {
		t.Fatalf("expected exactly one tick update after the push, got %d", len(ups)-pushIndex-1)
	}
	tick := ups[pushIndex+1]
	if !tick.Meta.Offline || !tick.Meta.FromCache {
		t.Fatalf("tick meta = %+v", tick.Meta)
	}
	if p, ok := findPrice(tick.Records, "x"); !ok || !p.Equal(decimal.NewFromInt(42)) {
		t.Fatal("tick should serve the pushed record")
	}
}

func TestCleanup_Idempotent(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	const key = "crops/farmers"

	rec := &recorder{}
	if _, err := f.m.Setup(ctx, key, f.src, Options{OnDataUpdate: rec.on}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if f.src.Subscribers(key) != 1 {
		t.Fatal("expected one live subscription")
	}

	f.m.Cleanup(key)
	f.m.Cleanup(key)

	if f.src.Subscribers(key) != 0 {
		t.Fatal("cleanup must unsubscribe")
	}
	if _, ok := f.m.State(key); ok {
		t.Fatal("key should be unregistered")
	}
	n := len(rec.all())
	f.src.Put(key, price("late", 1))
	if len(rec.all()) != n {
		t.Fatal("no updates after cleanup")
	}
}

func TestCleanup_CancelsPollTimer(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	const key = "crops/farmers"

	rec := &recorder{}
	if _, err := f.m.Setup(ctx, key, f.src, Options{OnDataUpdate: rec.on}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if got := f.state(t, key); got != Polling {
		t.Fatalf("state = %s, want polling", got)
	}
	if f.clock.ActiveTimers() != 1 {
		t.Fatalf("active timers = %d", f.clock.ActiveTimers())
	}

	f.m.Cleanup(key)
	if f.clock.ActiveTimers() != 0 {
		t.Fatal("cleanup must cancel the poll timer")
	}
	f.clock.Run(10 * poll)
	if len(rec.all()) != 0 {
		t.Fatal("no ticks after cleanup")
	}
}

func TestPolling_ReconnectGoesLive(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	const key = "prices"

	f.store.Set(ctx, key, []models.Record{price("a", 5)})
	rec := &recorder{}
	if _, err := f.m.Setup(ctx, key, f.src, Options{OnDataUpdate: rec.on}); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	f.clock.Run(poll)
	f.clock.Run(poll)
	offline := 0
	for _, u := range rec.all() {
		if u.Meta.Offline {
			offline++
		}
	}
	if offline != 2 {
		t.Fatalf("expected 2 offline re-emits, got %d", offline)
	}

	// the tick notices connectivity on its own
	f.net.setQuiet(true)
	f.clock.Run(poll)
	if got := f.state(t, key); got != Live {
		t.Fatalf("state = %s, want live", got)
	}
	if f.clock.ActiveTimers() != 0 {
		t.Fatal("live subscription should not keep a poll timer")
	}
}

func TestDegraded_ServesCacheAndBacksOff(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	const key = "prices"

	f.src.Seed(key, price("a", 7))
	rec := &recorder{}
	if _, err := f.m.Setup(ctx, key, f.src, Options{OnDataUpdate: rec.on}); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	f.src.SetSubscribeError(errors.New("permission denied"))
	f.src.Drop(key, errors.New("socket closed"))

	if got := f.state(t, key); got != Degraded {
		t.Fatalf("state = %s, want degraded", got)
	}
	u := rec.last(t)
	var se *models.SubscriptionError
	if !u.Meta.FromCache || !errors.As(u.Meta.Err, &se) {
		t.Fatalf("degraded update = %+v", u.Meta)
	}
	if _, ok := findPrice(u.Records, "a"); !ok {
		t.Fatal("degraded update should carry last known data")
	}

	base := f.src.Subscribes()
	f.clock.Run(poll) // first retry, fails
	if f.src.Subscribes() != base+1 {
		t.Fatalf("expected retry after %s", poll)
	}
	f.clock.Run(poll) // backoff doubled: nothing yet
	if f.src.Subscribes() != base+1 {
		t.Fatal("retry should back off")
	}
	f.clock.Run(poll)
	if f.src.Subscribes() != base+2 {
		t.Fatal("expected second retry after doubled interval")
	}

	f.src.SetSubscribeError(nil)
	f.clock.Run(4 * poll)
	if got := f.state(t, key); got != Live {
		t.Fatalf("state = %s, want live after recovery", got)
	}
	if f.src.Subscribers(key) != 1 {
		t.Fatal("recovered key should hold one subscription")
	}
}

func TestRetry_CallerDriven(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	const key = "prices"

	if _, err := f.m.Setup(ctx, key, f.src, Options{}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	f.src.Drop(key, errors.New("reset"))
	if got := f.state(t, key); got != Degraded {
		t.Fatalf("state = %s", got)
	}

	if err := f.m.Retry(ctx, key); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got := f.state(t, key); got != Live {
		t.Fatalf("state = %s, want live", got)
	}

	f.net.setQuiet(false)
	if err := f.m.Retry(ctx, key); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if err := f.m.Retry(ctx, "unknown"); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestOfflineTransition_DropsSubscription(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	const key = "prices"

	if _, err := f.m.Setup(ctx, key, f.src, Options{}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	f.net.Set(false)
	if f.src.Subscribers(key) != 0 {
		t.Fatal("offline should release the live subscription")
	}
	if got := f.state(t, key); got != Polling {
		t.Fatalf("state = %s", got)
	}

	f.net.Set(true)
	if got := f.state(t, key); got != Live {
		t.Fatalf("state = %s, want live", got)
	}
	if f.src.Subscribers(key) != 1 {
		t.Fatal("expected resubscription")
	}
}

func TestPullMode_FetchesEveryInterval(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	const key = "prices"

	f.src.Seed(key, price("a", 1))
	rec := &recorder{}
	if _, err := f.m.Setup(ctx, key, source.FetchOnly(f.src), Options{OnDataUpdate: rec.on}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if got := f.state(t, key); got != Live {
		t.Fatalf("state = %s", got)
	}
	if f.src.Fetches() != 1 {
		t.Fatalf("fetches = %d", f.src.Fetches())
	}
	if u := rec.last(t); u.Meta.Realtime || u.Meta.FromCache {
		t.Fatalf("pulled update meta = %+v", u.Meta)
	}

	f.src.Seed(key, price("a", 2))
	f.clock.Run(poll)
	if f.src.Fetches() != 2 {
		t.Fatalf("fetches = %d", f.src.Fetches())
	}
	if p, _ := findPrice(rec.last(t).Records, "a"); !p.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected refreshed price, got %s", p)
	}

	f.src.SetFetchError(errors.New("503"))
	f.clock.Run(poll)
	if got := f.state(t, key); got != Degraded {
		t.Fatalf("state = %s, want degraded", got)
	}
	var fe *models.FetchError
	if !errors.As(rec.last(t).Meta.Err, &fe) {
		t.Fatal("degraded pull should carry a FetchError")
	}
}

func TestRefresh_ForcedPull(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	const key = "prices"

	f.src.Seed(key, price("a", 1))
	if _, err := f.m.Setup(ctx, key, f.src, Options{}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	f.src.Put(key, price("b", 2))
	if err := f.m.Refresh(ctx, key); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	var cached []models.Record
	f.store.Get(ctx, key, cache.Forever, &cached)
	if len(cached) != 2 {
		t.Fatalf("cache = %+v", cached)
	}

	f.src.SetFetchError(errors.New("down"))
	var fe *models.FetchError
	if err := f.m.Refresh(ctx, key); !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
}

func TestHandle_ClosesOnlyItsOwnRegistration(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	const key = "prices"

	h1, err := f.m.Setup(ctx, key, f.src, Options{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	h2, err := f.m.Setup(ctx, key, f.src, Options{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if h1.ID == h2.ID {
		t.Fatal("handles need distinct ids")
	}
	if f.src.Subscribers(key) != 1 {
		t.Fatalf("re-setup should replace, subscribers = %d", f.src.Subscribers(key))
	}

	h1.Close()
	if got := f.state(t, key); got != Live {
		t.Fatalf("closing a replaced handle affected the new one: %s", got)
	}
	h2.Close()
	h2.Close()
	if _, ok := f.m.State(key); ok {
		t.Fatal("key should be gone")
	}
}

func TestCallbackMayReenterManager(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	const key = "prices"

	var calls atomic.Int32
	opts := Options{OnDataUpdate: func(u Update) {
		if calls.Add(1) == 2 {
			f.m.Cleanup(u.Key)
		}
	}}
	if _, err := f.m.Setup(ctx, key, f.src, opts); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	f.src.Put(key, price("x", 1))
	f.src.Put(key, price("y", 1))

	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if f.src.Subscribers(key) != 0 {
		t.Fatal("cleanup from inside a callback should unsubscribe")
	}
}

func TestSetup_Validation(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if _, err := f.m.Setup(ctx, "", f.src, Options{}); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("empty key: %v", err)
	}
	if _, err := f.m.Setup(ctx, "k", nil, Options{}); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("nil source: %v", err)
	}

	f.m.Close()
	if _, err := f.m.Setup(ctx, "k", f.src, Options{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("after close: %v", err)
	}
	if len(f.m.Keys()) != 0 {
		t.Fatal("close should drop every key")
	}
}

func TestKeys(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	for _, k := range []string{"b", "a", "c"} {
		if _, err := f.m.Setup(ctx, k, f.src, Options{}); err != nil {
			t.Fatalf("Setup %s: %v", k, err)
		}
	}
	keys := f.m.Keys()
	if len(keys) != 3 || keys[0] != "a" || keys[2] != "c" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestBackoff(t *testing.T) {
	o := Options{PollInterval: time.Second, RetryBackoffMax: 5 * time.Second}
	want := []time.Duration{time.Second, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for failures, w := range want {
		if got := backoff(o, failures); got != w {
			t.Fatalf("backoff(%d) = %s, want %s", failures, got, w)
		}
	}
}

func TestSetup_OnlineDuringBootstrapGoesLive(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	const key = "crops/farmers"
	f.src.Seed(key, price("a", 10))

	// connectivity returns between the offline answer and the move to
	// Polling, so the transition reaches the manager mid-bootstrap
	f.net.mu.Lock()
	f.net.afterCheck = func() { f.net.Set(true) }
	f.net.mu.Unlock()

	rec := &recorder{}
	if _, err := f.m.Setup(ctx, key, f.src, Options{OnDataUpdate: rec.on}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if got := f.state(t, key); got != Live {
		t.Fatalf("state = %s, want live without waiting a poll interval", got)
	}
	if f.src.Subscribes() != 1 {
		t.Fatalf("subscribes = %d", f.src.Subscribes())
	}
	if u := rec.last(t); !u.Meta.Realtime || u.Records[0].ID != "a" {
		t.Fatalf("last update should be the live snapshot: %+v", u)
	}
	if n := f.clock.ActiveTimers(); n != 0 {
		t.Fatalf("poll timer left armed: %d", n)
	}
}
