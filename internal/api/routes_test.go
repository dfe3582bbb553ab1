package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjannette/pricesync/internal/cache"
	"github.com/kjannette/pricesync/internal/connectivity"
	"github.com/kjannette/pricesync/internal/fetch"
	"github.com/kjannette/pricesync/internal/models"
	"github.com/kjannette/pricesync/internal/realtime"
	"github.com/kjannette/pricesync/internal/source"
	"github.com/shopspring/decimal"
)

type testNet struct {
	online atomic.Bool
	mu     sync.Mutex
	subs   []func(connectivity.State)
}

func (n *testNet) IsOnline(context.Context) bool { return n.online.Load() }

func (n *testNet) Status(context.Context) connectivity.State {
	if n.online.Load() {
		return connectivity.State{IsConnected: true, Transport: connectivity.TransportEthernet, IsReachable: true}
	}
	return connectivity.Offline
}

func (n *testNet) Subscribe(fn func(connectivity.State)) func() {
	n.mu.Lock()
	n.subs = append(n.subs, fn)
	n.mu.Unlock()
	return func() {}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	srv   *Server
	src   *source.Memory
	net   *testNet
	mgr   *realtime.Manager
	clock *testClock
}

func rec(id, name, price string, lat, lon float64, captured string) models.Record {
	at, _ := time.Parse(time.RFC3339, captured)
	return models.Record{
		ID:            id,
		CommodityName: name,
		Price:         decimal.RequireFromString(price),
		Coordinates:   models.Coordinates{Lat: lat, Lon: lon},
		CapturedAt:    at,
	}
}

func newEnv(t *testing.T, apiKey string) *env {
	t.Helper()
	e := &env{src: source.NewMemory(), net: &testNet{}, clock: &testClock{now: time.UnixMilli(1_700_000_000_000)}}
	e.net.online.Store(true)

	// Nairobi, Thika (~40 km), Mombasa (~440 km) and an unplaced record.
	e.src.Seed("crops/farmers",
		rec("a", "Maize", "10", -1.286, 36.817, "2024-03-01T08:00:00Z"),
		rec("b", "Maize", "20", -1.033, 37.069, "2024-03-01T12:00:00Z"),
		rec("c", "Beans", "20", -4.043, 39.668, "2024-03-09T09:00:00Z"),
		rec("d", "Maize", "30", 0, 0, "2024-03-10T09:00:00Z"),
	)

	store := cache.New(cache.NewMemoryBackend(), cache.Options{Now: e.clock.Now})
	e.mgr = realtime.NewManager(realtime.Config{Store: store, Network: e.net})
	t.Cleanup(e.mgr.Close)

	e.srv = NewServer(Deps{
		Orchestrator:    fetch.New(store, e.net, nil),
		Source:          e.src,
		Network:         e.net,
		Manager:         e.mgr,
		MaxAge:          time.Minute,
		DefaultRadiusKm: 100,
	}, 0, apiKey, "*")
	return e
}

func (e *env) get(t *testing.T, method, target string, dst any) int {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	if dst != nil && rr.Code == http.StatusOK {
		if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
			t.Fatalf("decode %s: %v", target, err)
		}
	}
	return rr.Code
}

func TestRecords_CachedAfterFirstRead(t *testing.T) {
	e := newEnv(t, "")

	var first, second recordsResponse
	if code := e.get(t, http.MethodGet, "/v1/records?collection=crops/farmers", &first); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if first.FromCache || len(first.Records) != 4 || first.StoredAt == nil {
		t.Fatalf("first read: fromCache=%v records=%d", first.FromCache, len(first.Records))
	}

	e.get(t, http.MethodGet, "/v1/records?collection=crops/farmers&name=maize", &second)
	if !second.FromCache || len(second.Records) != 3 {
		t.Fatalf("second read: fromCache=%v records=%d", second.FromCache, len(second.Records))
	}
	if e.src.Fetches() != 1 {
		t.Fatalf("fetches = %d, want 1", e.src.Fetches())
	}
}

func TestRecords_OfflineServesCache(t *testing.T) {
	e := newEnv(t, "")
	e.get(t, http.MethodGet, "/v1/records?collection=crops/farmers", nil)
	e.net.online.Store(false)

	var resp recordsResponse
	if code := e.get(t, http.MethodGet, "/v1/records?collection=crops/farmers", &resp); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if !resp.Offline || !resp.FromCache {
		t.Fatalf("flags: %+v", resp.freshness)
	}

	if code := e.get(t, http.MethodGet, "/v1/records?collection=fuel", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("uncached offline read: status %d, want 503", code)
	}
}

func TestRecords_FetchFailure(t *testing.T) {
	e := newEnv(t, "")
	e.src.SetFetchError(errors.New("upstream down"))
	if code := e.get(t, http.MethodGet, "/v1/records?collection=crops/farmers", nil); code != http.StatusBadGateway {
		t.Fatalf("status %d, want 502", code)
	}
	if code := e.get(t, http.MethodGet, "/v1/records", nil); code != http.StatusBadRequest {
		t.Fatalf("missing collection: status %d, want 400", code)
	}
}

func TestRecords_ExpiredCacheServedWhenUpstreamFails(t *testing.T) {
	e := newEnv(t, "")
	e.get(t, http.MethodGet, "/v1/records?collection=crops/farmers", nil)
	e.clock.Advance(2 * time.Minute)
	e.src.SetFetchError(errors.New("upstream down"))

	var resp recordsResponse
	if code := e.get(t, http.MethodGet, "/v1/records?collection=crops/farmers", &resp); code != http.StatusOK {
		t.Fatalf("status %d, want 200 with cached data", code)
	}
	if !resp.FromCache || !resp.Stale || resp.Offline || resp.Warning == "" {
		t.Fatalf("flags: %+v", resp.freshness)
	}
	if len(resp.Records) != 4 {
		t.Fatalf("records = %d", len(resp.Records))
	}
	if e.src.Fetches() != 2 {
		t.Fatalf("fetches = %d, want 2", e.src.Fetches())
	}
}

func TestNearby(t *testing.T) {
	e := newEnv(t, "")

	var resp nearbyResponse
	code := e.get(t, http.MethodGet, "/v1/records/nearby?collection=crops/farmers&lat=-1.286&lon=36.817", &resp)
	if code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if resp.RadiusKm != 100 {
		t.Fatalf("default radius: %v", resp.RadiusKm)
	}
	if len(resp.Results) != 2 || resp.Results[0].Record.ID != "a" || resp.Results[1].Record.ID != "b" {
		t.Fatalf("results: %+v", resp.Results)
	}

	e.get(t, http.MethodGet, "/v1/records/nearby?collection=crops/farmers&lat=-1.286&lon=36.817&radius=1000&limit=1", &resp)
	if len(resp.Results) != 1 || resp.Results[0].Record.ID != "a" {
		t.Fatalf("limited results: %+v", resp.Results)
	}

	for _, q := range []string{
		"/v1/records/nearby?collection=crops/farmers",
		"/v1/records/nearby?collection=crops/farmers&lat=91&lon=0",
		"/v1/records/nearby?collection=crops/farmers&lat=1&lon=x",
		"/v1/records/nearby?collection=crops/farmers&lat=1&lon=1&radius=-3",
	} {
		if code := e.get(t, http.MethodGet, q, nil); code != http.StatusBadRequest {
			t.Fatalf("%s: status %d, want 400", q, code)
		}
	}
}

func TestStats(t *testing.T) {
	e := newEnv(t, "")

	var all statsResponse
	e.get(t, http.MethodGet, "/v1/stats?collection=crops/farmers", &all)
	if all.Stats.SampleCount != 4 || !all.Stats.Mean.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("stats: %+v", all.Stats)
	}
	if len(all.ByCommodity) != 2 || all.ByCommodity[0].Commodity != "Beans" {
		t.Fatalf("byCommodity: %+v", all.ByCommodity)
	}

	var near statsResponse
	e.get(t, http.MethodGet, "/v1/stats?collection=crops/farmers&lat=-1.286&lon=36.817&radius=100&name=Maize", &near)
	if near.Stats.SampleCount != 2 || !near.Stats.Median.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("nearby maize stats: %+v", near.Stats)
	}
	if near.ByCommodity != nil {
		t.Fatal("name filter should omit per-commodity breakdown")
	}

	if code := e.get(t, http.MethodGet, "/v1/stats?collection=crops/farmers&lat=1", nil); code != http.StatusBadRequest {
		t.Fatalf("lat without lon: status %d", code)
	}
}

func TestSeries(t *testing.T) {
	e := newEnv(t, "")

	var resp seriesResponse
	e.get(t, http.MethodGet, "/v1/series?collection=crops/farmers&name=maize", &resp)
	if resp.Bucket != "day" || len(resp.Points) != 2 {
		t.Fatalf("series: %+v", resp)
	}
	if resp.Points[0].Label != "2024-03-01" || resp.Points[0].Stats.SampleCount != 2 {
		t.Fatalf("first point: %+v", resp.Points[0])
	}

	e.get(t, http.MethodGet, "/v1/series?collection=crops/farmers&bucket=month&since=2024-03-05", &resp)
	if len(resp.Points) != 1 || resp.Points[0].Stats.SampleCount != 2 {
		t.Fatalf("monthly since: %+v", resp.Points)
	}

	if code := e.get(t, http.MethodGet, "/v1/series?collection=crops/farmers&bucket=hour", nil); code != http.StatusBadRequest {
		t.Fatalf("bad bucket: status %d", code)
	}
	if code := e.get(t, http.MethodGet, "/v1/series?collection=crops/farmers&since=03-05-2024", nil); code != http.StatusBadRequest {
		t.Fatalf("bad since: status %d", code)
	}
}

func TestFeedsAndRetry(t *testing.T) {
	e := newEnv(t, "")
	h, err := e.mgr.Setup(context.Background(), "crops/farmers", e.src, realtime.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	var feeds []feedJSON
	e.get(t, http.MethodGet, "/v1/feeds", &feeds)
	if len(feeds) != 1 || feeds[0].Key != "crops/farmers" || feeds[0].State != realtime.Live.String() {
		t.Fatalf("feeds: %+v", feeds)
	}

	var retried feedJSON
	if code := e.get(t, http.MethodPost, "/v1/feeds/retry?key=crops/farmers", &retried); code != http.StatusOK {
		t.Fatalf("retry status %d", code)
	}
	if retried.State != realtime.Live.String() {
		t.Fatalf("retried: %+v", retried)
	}
	if code := e.get(t, http.MethodPost, "/v1/feeds/retry?key=fuel", nil); code != http.StatusBadRequest {
		t.Fatalf("unknown key: status %d", code)
	}

	e.net.online.Store(false)
	if code := e.get(t, http.MethodPost, "/v1/feeds/retry?key=crops/farmers", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("offline retry: status %d", code)
	}
}

func TestHealthAndConnectivity(t *testing.T) {
	e := newEnv(t, "secret123")

	var health healthResponse
	if code := e.get(t, http.MethodGet, "/health", &health); code != http.StatusOK {
		t.Fatalf("health without auth: %d", code)
	}
	if health.Services.Network != "online" || health.Services.Database != "" {
		t.Fatalf("health: %+v", health.Services)
	}

	if code := e.get(t, http.MethodGet, "/v1/connectivity", nil); code != http.StatusUnauthorized {
		t.Fatalf("connectivity without auth: %d", code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/connectivity", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)

	var conn connectivityResponse
	json.Unmarshal(rr.Body.Bytes(), &conn)
	if rr.Code != http.StatusOK || !conn.Online || conn.Transport != connectivity.TransportEthernet {
		t.Fatalf("connectivity: %d %+v", rr.Code, conn)
	}
}
