package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/google/uuid"
	"github.com/kjannette/pricesync/internal/models"
	"github.com/kjannette/pricesync/internal/source"
)

// entry is one registration for a key. All fields under mu; a new Setup
// for the same key creates a new entry rather than reusing this one.
type entry struct {
	id   uuid.UUID
	key  string
	src  source.Source
	opts Options

	mu    sync.Mutex
	state State
	// gen changes whenever the feed is replaced or dropped; callbacks and
	// pulls carrying an older gen are ignored.
	gen uint64
	// version changes on every write of records; fetches that started
	// before a newer write are discarded.
	version     uint64
	records     []models.Record
	haveRecords bool
	unsub       func()
	timer       mclock.Timer
	timerSeq    uint64
	failures    int

	closed atomic.Bool

	outMu    sync.Mutex
	outbox   []notice
	draining bool
}

type notice struct {
	deliver func()
	// data notices are dropped once the entry is torn down
	data bool
}

func (e *entry) enqueue(n notice) {
	e.outMu.Lock()
	e.outbox = append(e.outbox, n)
	e.outMu.Unlock()
}

// flush delivers queued notices in order. Only one goroutine drains at a
// time; a callback that triggers more notices finds the drain running
// and returns, and its notices are delivered after the current one.
func (e *entry) flush() {
	e.outMu.Lock()
	if e.draining {
		e.outMu.Unlock()
		return
	}
	e.draining = true
	for len(e.outbox) > 0 {
		n := e.outbox[0]
		e.outbox[0] = notice{}
		e.outbox = e.outbox[1:]
		e.outMu.Unlock()

		if !n.data || !e.closed.Load() {
			n.deliver()
		}

		e.outMu.Lock()
	}
	e.outbox = nil
	e.draining = false
	e.outMu.Unlock()
}

func (e *entry) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerSeq++
}
