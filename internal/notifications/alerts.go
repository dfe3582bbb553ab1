package notifications

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/kjannette/pricesync/internal/logging"
	"github.com/kjannette/pricesync/internal/realtime"
	"github.com/kjannette/pricesync/internal/scheduler"
)

// Notifier is anything that can deliver a one-line operator message.
type Notifier interface {
	Send(msg string)
}

// Alerts turns feed health and price movement into operator messages.
// Messages are queued and sent from one goroutine so hooks never block
// on the webhook.
type Alerts struct {
	n   Notifier
	log *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan string
	done   chan struct{}
}

func NewAlerts(n Notifier, log *slog.Logger) *Alerts {
	a := &Alerts{
		n:     n,
		log:   logging.Component(log, "alerts"),
		queue: make(chan string, 64),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Alerts) run() {
	defer close(a.done)
	for msg := range a.queue {
		a.n.Send(msg)
	}
}

func (a *Alerts) enqueue(msg string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.log.Debug("alert after close", "message", msg)
		return
	}
	select {
	case a.queue <- msg:
	default:
		a.log.Warn("alert queue full, dropping", "message", msg)
	}
}

// OnStateChange is shaped for realtime.Config.OnStateChange.
func (a *Alerts) OnStateChange(key string, from, to realtime.State) {
	switch {
	case to == realtime.Degraded:
		a.enqueue(fmt.Sprintf("feed %s degraded (was %s), serving cached data", key, from))
	case from == realtime.Degraded && to == realtime.Live:
		a.enqueue(fmt.Sprintf("feed %s recovered", key))
	}
}

// OnMeanShift is shaped for scheduler.WarmerConfig.OnMeanShift.
func (a *Alerts) OnMeanShift(s scheduler.MeanShift) {
	a.enqueue(fmt.Sprintf("%s mean price moved %s%% (%s -> %s)",
		s.Collection, s.ChangePercent.String(), s.Before.StringFixed(2), s.After.StringFixed(2)))
}

// Close flushes queued alerts and stops the sender goroutine. Alerts
// raised afterwards are logged and dropped.
func (a *Alerts) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
