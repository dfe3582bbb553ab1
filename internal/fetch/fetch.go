// Package fetch decides, per read, whether to serve the cache, go to the
// network, or fall back to stale data.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/kjannette/pricesync/internal/cache"
	"github.com/kjannette/pricesync/internal/logging"
	"github.com/kjannette/pricesync/internal/models"
	"golang.org/x/sync/singleflight"
)

// Connectivity is the slice of the connectivity monitor the orchestrator
// needs.
type Connectivity interface {
	IsOnline(ctx context.Context) bool
}

type Options struct {
	MaxAge time.Duration
	// ForceRefresh skips the fresh-cache shortcut.
	ForceRefresh bool
	// FallbackToCache serves any-age cache when an online fetch fails.
	FallbackToCache bool
}

func DefaultOptions() Options {
	return Options{MaxAge: 5 * time.Minute, FallbackToCache: true}
}

// Result is what a read produced. Err is set alongside Data when a failed
// fetch was answered from cache.
type Result[T any] struct {
	Data      T
	FromCache bool
	Offline   bool
	Stale     bool
	StoredAt  time.Time
	Err       error
}

type Orchestrator struct {
	store *cache.Store
	net   Connectivity
	group singleflight.Group
	log   *slog.Logger
}

func New(store *cache.Store, net Connectivity, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store: store,
		net:   net,
		log:   logging.Component(log, "fetch"),
	}
}

func (o *Orchestrator) Store() *cache.Store { return o.store }

// FetchWithCache reads key through the cache:
//
//  1. not forced, online and a fresh entry exists: serve it;
//  2. online: fetch, write through and return; on failure serve any-age
//     cache with the error attached if FallbackToCache, else fail;
//  3. offline: serve any-age cache, or fail with models.ErrNoDataAvailable.
//
// Concurrent fetches for one key share a single call to fn.
func FetchWithCache[T any](ctx context.Context, o *Orchestrator, key string, fn func(context.Context) (T, error), opts Options) (Result[T], error) {
	var res Result[T]
	if key == "" {
		return res, models.Invalid("empty cache key")
	}

	online := o.net.IsOnline(ctx)

	// An expired entry must survive until the fetch outcome is known, so
	// freshness is judged here instead of by an evicting read.
	var cached T
	storedAt, haveCache := o.store.Peek(ctx, key, &cached)
	stale := haveCache && o.store.Now().Sub(storedAt) > opts.MaxAge

	if online && !opts.ForceRefresh && haveCache && !stale {
		res.Data, res.FromCache, res.StoredAt = cached, true, storedAt
		return res, nil
	}

	if !online {
		if !haveCache {
			return res, models.ErrNoDataAvailable
		}
		res.Data, res.FromCache, res.Offline, res.StoredAt = cached, true, true, storedAt
		res.Stale = stale
		return res, nil
	}

	data, err := fetchShared(ctx, o, key, fn)
	if err == nil {
		res.Data = data
		res.StoredAt = o.store.Now()
		return res, nil
	}

	ferr := &models.FetchError{Key: key, Err: err}
	if opts.FallbackToCache && haveCache {
		o.log.Warn("fetch failed, serving cache", "key", key, "error", err)
		res.Data, res.FromCache, res.StoredAt, res.Err = cached, true, storedAt, ferr
		res.Stale = stale
		return res, nil
	}
	return res, ferr
}

// fetchShared runs fn once per key at a time and writes the result
// through. Followers decode the leader's value into their own T.
func fetchShared[T any](ctx context.Context, o *Orchestrator, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err, shared := o.group.Do(key, func() (any, error) {
		data, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		o.store.Set(ctx, key, data)
		return data, nil
	})
	if err != nil {
		return zero, err
	}
	if shared {
		o.log.Debug("coalesced fetch", "key", key)
	}
	if t, ok := v.(T); ok {
		return t, nil
	}
	// a concurrent caller for the same key asked for a different type
	raw, err := json.Marshal(v)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, errors.Join(errors.New("decode shared result"), err)
	}
	return out, nil
}
