package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kjannette/pricesync/internal/cache"
	"github.com/kjannette/pricesync/internal/fetch"
	"github.com/kjannette/pricesync/internal/logging"
	"github.com/kjannette/pricesync/internal/models"
	"github.com/kjannette/pricesync/internal/source"
	"github.com/kjannette/pricesync/internal/stats"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// MeanShift reports a collection whose mean price moved past the
// configured threshold between two warms.
type MeanShift struct {
	Collection    string
	Before, After decimal.Decimal
	ChangePercent decimal.Decimal
}

type WarmerConfig struct {
	Collections []string
	Interval    time.Duration // e.g. 10*time.Minute
	MaxAge      time.Duration
	// Parallel bounds concurrent collection fetches.
	Parallel int
	// ChangeThreshold in percent; zero disables OnMeanShift.
	ChangeThreshold float64
	OnMeanShift     func(MeanShift)
	Timeout         time.Duration
	Logger          *slog.Logger
}

// Warmer keeps configured collections fresh in the cache so reads stay
// instant, refreshing them on an interval while the network is up.
type Warmer struct {
	orch *fetch.Orchestrator
	src  source.Source
	net  fetch.Connectivity
	cfg  WarmerConfig
	log  *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    sync.WaitGroup
}

func NewWarmer(orch *fetch.Orchestrator, src source.Source, net fetch.Connectivity, cfg WarmerConfig) *Warmer {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = fetch.DefaultOptions().MaxAge
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Warmer{
		orch: orch,
		src:  src,
		net:  net,
		cfg:  cfg,
		log:  logging.Component(cfg.Logger, "warmer"),
	}
}

func (w *Warmer) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		w.log.Info("already running")
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	stopCh := w.stopCh
	w.mu.Unlock()

	w.done.Add(1)
	go func() {
		defer w.done.Done()
		w.runOnce()

		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				w.runOnce()
			}
		}
	}()

	w.log.Info("started", "interval", w.cfg.Interval, "collections", len(w.cfg.Collections))
}

func (w *Warmer) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	defer cancel()
	if _, err := w.WarmNow(ctx); err != nil {
		w.log.Warn("warm failed", "error", err)
	}
}

// Stop halts the schedule and waits for a warm in progress.
func (w *Warmer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.running = false
	w.mu.Unlock()

	w.done.Wait()
	w.log.Info("stopped")
}

func (w *Warmer) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// WarmNow refreshes every collection once and reports how many were
// refreshed. Offline it does nothing. A collection whose fetch failed
// counts as failed even though readers still get its cached copy.
func (w *Warmer) WarmNow(ctx context.Context) (int, error) {
	if !w.net.IsOnline(ctx) {
		w.log.Debug("offline, skipping warm")
		return 0, nil
	}

	var (
		mu     sync.Mutex
		warmed int
		failed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Parallel)
	for _, c := range w.cfg.Collections {
		g.Go(func() error {
			if err := w.warm(gctx, c); err != nil {
				w.log.Warn("collection warm failed", "collection", c, "error", err)
				mu.Lock()
				failed = append(failed, c)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			warmed++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if len(failed) > 0 {
		return warmed, fmt.Errorf("warm failed for %d collection(s): %v", len(failed), failed)
	}
	w.log.Info("warm complete", "collections", warmed)
	return warmed, nil
}

func (w *Warmer) warm(ctx context.Context, collection string) error {
	var before []models.Record
	w.orch.Store().Get(ctx, collection, cache.Forever, &before)

	res, err := fetch.FetchWithCache(ctx, w.orch, collection,
		func(ctx context.Context) ([]models.Record, error) {
			return w.src.FetchCollection(ctx, collection)
		},
		fetch.Options{MaxAge: w.cfg.MaxAge, ForceRefresh: true, FallbackToCache: true},
	)
	if err != nil {
		return err
	}
	if res.Err != nil {
		return res.Err
	}

	w.checkShift(collection, before, res.Data)
	return nil
}

func (w *Warmer) checkShift(collection string, before, after []models.Record) {
	if w.cfg.ChangeThreshold <= 0 || w.cfg.OnMeanShift == nil || len(before) == 0 {
		return
	}
	prev := stats.ComputeStatistics(before, nil)
	next := stats.ComputeStatistics(after, nil)
	if prev.SampleCount == 0 || next.SampleCount == 0 {
		return
	}
	pct, ok := stats.ChangePercent(prev.Mean, next.Mean)
	if !ok || pct.Abs().LessThan(decimal.NewFromFloat(w.cfg.ChangeThreshold)) {
		return
	}
	w.log.Info("mean price moved",
		"collection", collection,
		"before", prev.Mean.StringFixed(2),
		"after", next.Mean.StringFixed(2),
		"changePercent", pct.String(),
	)
	w.cfg.OnMeanShift(MeanShift{
		Collection:    collection,
		Before:        prev.Mean,
		After:         next.Mean,
		ChangePercent: pct,
	})
}
