// Package cache is the persisted TTL key/value store behind every cached
// read. It is an optimization, never a source of truth: storage problems
// are logged and surface to callers as misses.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/kjannette/pricesync/internal/logging"
)

// SchemaVersion tags every envelope; entries written under another version
// read as misses and are evicted.
const SchemaVersion = "1.0"

// Forever as maxAge accepts an entry of any age.
const Forever = time.Duration(math.MaxInt64)

// ErrNotFound is returned by backends for absent keys.
var ErrNotFound = errors.New("cache: key not found")

// Backend persists opaque envelopes by key.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Envelope is the persisted form of an entry.
type Envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // epoch milliseconds
	Version   string          `json:"version"`
}

type Options struct {
	Logger *slog.Logger
	// Now overrides the wall clock, for tests.
	Now     func() time.Time
	Version string
}

const lockShards = 64

type Store struct {
	backend Backend
	now     func() time.Time
	version string
	log     *slog.Logger

	shards [lockShards]sync.Mutex
}

func New(backend Backend, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Version == "" {
		opts.Version = SchemaVersion
	}
	return &Store{
		backend: backend,
		now:     opts.Now,
		version: opts.Version,
		log:     logging.Component(opts.Logger, "cache"),
	}
}

// lock serializes mutations per key. Keys hash onto a fixed set of
// shards, so unrelated keys rarely contend and never corrupt each other.
func (s *Store) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &s.shards[h.Sum32()%lockShards]
	m.Lock()
	return m.Unlock
}

// Set stores payload under key, stamped with the current time, replacing
// any previous entry. Failures are logged and dropped.
func (s *Store) Set(ctx context.Context, key string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("encode payload failed", "key", key, "error", err)
		return
	}
	s.setRaw(ctx, key, data, s.now())
}

func (s *Store) setRaw(ctx context.Context, key string, data json.RawMessage, at time.Time) {
	env, err := json.Marshal(Envelope{
		Data:      data,
		Timestamp: at.UnixMilli(),
		Version:   s.version,
	})
	if err != nil {
		s.log.Warn("encode envelope failed", "key", key, "error", err)
		return
	}

	unlock := s.lock(key)
	defer unlock()
	if err := s.backend.Save(ctx, key, env); err != nil {
		s.log.Warn("persist failed", "key", key, "error", err)
	}
}

// Get decodes the entry for key into dst (which may be nil to only probe)
// and returns its store time. An entry older than maxAge is evicted and
// reported missing; Forever accepts any age.
func (s *Store) Get(ctx context.Context, key string, maxAge time.Duration, dst any) (time.Time, bool) {
	unlock := s.lock(key)
	defer unlock()

	raw, err := s.backend.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("load failed", "key", key, "error", err)
		}
		return time.Time{}, false
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.Warn("corrupt entry evicted", "key", key, "error", err)
		s.deleteLocked(ctx, key)
		return time.Time{}, false
	}
	if env.Version != s.version {
		s.log.Debug("entry from other schema evicted", "key", key, "version", env.Version)
		s.deleteLocked(ctx, key)
		return time.Time{}, false
	}

	storedAt := time.UnixMilli(env.Timestamp)
	if maxAge != Forever && s.now().Sub(storedAt) > maxAge {
		s.deleteLocked(ctx, key)
		return time.Time{}, false
	}

	if dst != nil {
		if err := json.Unmarshal(env.Data, dst); err != nil {
			s.log.Warn("decode payload failed", "key", key, "error", err)
			return time.Time{}, false
		}
	}
	return storedAt, true
}

// Peek decodes key into dst whatever its age. Unlike Get with a finite
// maxAge it never evicts for age, so callers that may still fall back to
// an expired entry read it this way.
func (s *Store) Peek(ctx context.Context, key string, dst any) (time.Time, bool) {
	return s.Get(ctx, key, Forever, dst)
}

// Age reports how long ago key was stored, without decoding or evicting.
func (s *Store) Age(ctx context.Context, key string) (time.Duration, bool) {
	storedAt, ok := s.Peek(ctx, key, nil)
	if !ok {
		return 0, false
	}
	return s.now().Sub(storedAt), true
}

// Now is the clock the store stamps entries with.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) Invalidate(ctx context.Context, key string) {
	unlock := s.lock(key)
	defer unlock()
	s.deleteLocked(ctx, key)
}

func (s *Store) deleteLocked(ctx context.Context, key string) {
	if err := s.backend.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		s.log.Warn("delete failed", "key", key, "error", err)
	}
}

func (s *Store) Clear(ctx context.Context) {
	if err := s.backend.Clear(ctx); err != nil {
		s.log.Warn("clear failed", "error", err)
	}
}

// Close releases the backend if it holds resources.
func (s *Store) Close() error {
	if c, ok := s.backend.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close cache backend: %w", err)
		}
	}
	return nil
}
