package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/kjannette/pricesync/internal/cache"
	"github.com/kjannette/pricesync/internal/models"
)

type ReadOptions struct {
	// MaxStaleTime splits fresh from stale cache. Zero uses the manager
	// default.
	MaxStaleTime      time.Duration
	BackgroundRefresh bool
}

type ReadResult[T any] struct {
	Data      T
	FromCache bool
	Fresh     bool
	Stale     bool
	Offline   bool
	StoredAt  time.Time
	// Refreshing reports that a background refresh was started or joined.
	Refreshing bool
}

// GetRealtimeData answers from cache whenever there is any, fresh or
// stale, and never blocks on the network in that case. A stale answer
// while online starts at most one background refresh per key. With no
// cache it fetches, or fails with models.ErrNoDataAvailable when offline.
//
// When key is set up, fetched data goes through the key's registration so
// its consumer is notified in order, and T must be []models.Record.
func GetRealtimeData[T any](ctx context.Context, m *Manager, key string, fetch func(context.Context) (T, error), opts ReadOptions) (ReadResult[T], error) {
	var res ReadResult[T]
	if key == "" {
		return res, models.Invalid("empty key")
	}
	if _, isRecords := any(res.Data).([]models.Record); !isRecords && m.lookup(key) != nil {
		return res, models.Invalid("%q is a registered feed and holds []models.Record", key)
	}
	if opts.MaxStaleTime <= 0 {
		opts.MaxStaleTime = m.defaults.MaxStaleTime
	}
	online := m.net.IsOnline(ctx)
	res.Offline = !online

	if storedAt, ok := m.store.Get(ctx, key, cache.Forever, &res.Data); ok {
		res.FromCache, res.StoredAt = true, storedAt
		res.Stale = m.store.Now().Sub(storedAt) > opts.MaxStaleTime
		res.Fresh = !res.Stale
		if res.Stale && online && opts.BackgroundRefresh {
			res.Refreshing = refreshInBackground(m, key, fetch)
		}
		return res, nil
	}

	if !online {
		return res, models.ErrNoDataAvailable
	}

	e, ver := m.entryVersion(key)
	data, err := fetch(ctx)
	if err != nil {
		return res, &models.FetchError{Key: key, Err: err}
	}
	m.commitValue(key, e, ver, data)
	res.Data, res.Fresh, res.StoredAt = data, true, m.store.Now()
	return res, nil
}

func refreshInBackground[T any](m *Manager, key string, fetch func(context.Context) (T, error)) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.bg.Add(1)
	m.mu.Unlock()

	e, ver := m.entryVersion(key)
	ch := m.group.DoChan("refresh:"+key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
		defer cancel()
		data, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if !m.commitValue(key, e, ver, data) {
			m.log.Debug("background refresh discarded", "key", key)
		}
		return nil, nil
	})

	go func() {
		defer m.bg.Done()
		if r := <-ch; r.Err != nil {
			m.log.Warn("background refresh failed", "key", key, "error", r.Err)
		}
	}()
	return true
}

func (m *Manager) entryVersion(key string) (*entry, uint64) {
	e := m.lookup(key)
	if e == nil {
		return nil, 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e, e.version
}

// commitValue writes data fetched for key. If key was registered when the
// fetch started, the write only lands if that registration is still
// current and nothing newer was written meanwhile. A registered key only
// accepts records.
func (m *Manager) commitValue(key string, e *entry, ver uint64, data any) bool {
	if e == nil {
		m.store.Set(context.Background(), key, data)
		return true
	}
	recs, ok := data.([]models.Record)
	if !ok {
		m.log.Warn("value type does not match registered feed", "key", key, "type", fmt.Sprintf("%T", data))
		return false
	}
	return m.commit(e, ver, recs)
}
