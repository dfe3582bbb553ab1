package realtime

import (
	"time"

	"github.com/google/uuid"
	"github.com/kjannette/pricesync/internal/models"
)

// State is where a key sits in its lifecycle.
type State int

const (
	Cold State = iota
	Bootstrapping
	Live
	Polling
	Degraded
	TornDown
)

func (s State) String() string {
	switch s {
	case Cold:
		return "cold"
	case Bootstrapping:
		return "bootstrapping"
	case Live:
		return "live"
	case Polling:
		return "polling"
	case Degraded:
		return "degraded"
	case TornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

// Meta describes where an update's data came from.
type Meta struct {
	FromCache bool
	// Realtime marks data pushed by a live subscription.
	Realtime bool
	Offline  bool
	Stale    bool
	StoredAt time.Time
	// Err is set when the update stands in for data that could not be
	// refreshed.
	Err error
}

// Update is one notification to a key's consumer.
type Update struct {
	Key     string
	Records []models.Record
	Meta    Meta
}

type Options struct {
	// OnDataUpdate receives updates for the key in event order. It runs
	// without manager locks held and may call back into the manager.
	OnDataUpdate func(Update)
	// PollInterval is the offline tick and the pull interval for sources
	// without live subscribe.
	PollInterval time.Duration
	// RetryBackoffMax caps the doubling resubscribe delay in Degraded.
	RetryBackoffMax time.Duration
	// MaxStaleTime marks cached data older than this as stale.
	MaxStaleTime time.Duration
}

// Handle identifies one registration made by Setup.
type Handle struct {
	ID  uuid.UUID
	Key string

	m *Manager
	e *entry
}

// Close tears down this registration. It does nothing if the key has
// since been set up again by someone else.
func (h *Handle) Close() {
	h.m.release(h.e)
}
