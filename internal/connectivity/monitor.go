package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/kjannette/pricesync/internal/logging"
)

type Options struct {
	// Interval between background probes once Start is called.
	Interval     time.Duration
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// Monitor owns the connectivity state for the process. Construct one with
// NewMonitor and pass it to whatever needs network awareness.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	feed  event.Feed
	scope event.SubscriptionScope

	probeMu sync.Mutex // one probe in flight
	obsMu   sync.Mutex // serializes state changes and their fan-out

	mu    sync.RWMutex
	state State
	known bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	loopDone  chan struct{}
}

func NewMonitor(prober Prober, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	return &Monitor{
		prober:   prober,
		interval: opts.Interval,
		timeout:  opts.ProbeTimeout,
		log:      logging.Component(opts.Logger, "connectivity"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background listener. Calling it more than once has
// no effect.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.loopDone = make(chan struct{})
		go m.loop(ctx)
		m.log.Info("monitor started", "interval", m.interval)
	})
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.loopDone)

	m.Refresh(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Stop ends the background listener and drops every subscription. It is
// safe to call repeatedly.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.scope.Close()
		if m.loopDone != nil {
			<-m.loopDone
		}
		m.log.Info("monitor stopped")
	})
}

// Status returns the current state. The first call probes and blocks until
// the probe finishes; later calls return the last observation.
func (m *Monitor) Status(ctx context.Context) State {
	if s, ok := m.current(); ok {
		return s
	}
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	if s, ok := m.current(); ok {
		return s
	}
	s, _ := m.probeLocked(ctx)
	return s
}

func (m *Monitor) IsOnline(ctx context.Context) bool {
	return m.Status(ctx).Online()
}

// Refresh probes immediately and records the result.
func (m *Monitor) Refresh(ctx context.Context) (State, error) {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	return m.probeLocked(ctx)
}

func (m *Monitor) probeLocked(ctx context.Context) (State, error) {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	s, err := m.prober.Probe(pctx)
	if err != nil {
		m.log.Debug("probe failed", "error", err)
		s = Offline
	}
	m.Observe(s)
	return s, err
}

// Observe records a state reported by a probe or a platform listener.
// Subscribers hear about it only when it differs from the previous state;
// the very first observation sets the baseline silently. It reports
// whether a transition was published.
func (m *Monitor) Observe(s State) bool {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()

	m.mu.Lock()
	prev, known := m.state, m.known
	m.state, m.known = s, true
	m.mu.Unlock()

	if !known {
		m.log.Info("initial state", "online", s.Online(), "transport", s.Transport)
		return false
	}
	if prev == s {
		return false
	}

	m.log.Info("state changed",
		"online", s.Online(),
		"wasOnline", prev.Online(),
		"transport", s.Transport,
	)
	m.feed.Send(s)
	return true
}

func (m *Monitor) current() (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.known
}

// Subscribe registers fn for state transitions. Calls for one subscriber
// are sequential and in transition order. The returned function removes
// the subscription and may be called more than once, including from
// inside fn.
func (m *Monitor) Subscribe(fn func(State)) (unsubscribe func()) {
	ch := make(chan State, 16)
	inner := m.feed.Subscribe(ch)
	sub := m.scope.Track(inner)
	if sub == nil {
		// monitor already stopped
		inner.Unsubscribe()
		return func() {}
	}

	var stopped atomic.Bool
	go func() {
		for {
			select {
			case s := <-ch:
				if stopped.Load() {
					return
				}
				fn(s)
			case <-sub.Err():
				return
			}
		}
	}()

	return func() {
		stopped.Store(true)
		sub.Unsubscribe()
	}
}
