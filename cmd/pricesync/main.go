package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kjannette/pricesync/internal/api"
	"github.com/kjannette/pricesync/internal/cache"
	"github.com/kjannette/pricesync/internal/config"
	"github.com/kjannette/pricesync/internal/connectivity"
	"github.com/kjannette/pricesync/internal/db"
	"github.com/kjannette/pricesync/internal/fetch"
	"github.com/kjannette/pricesync/internal/logging"
	"github.com/kjannette/pricesync/internal/notifications"
	"github.com/kjannette/pricesync/internal/realtime"
	"github.com/kjannette/pricesync/internal/repository"
	"github.com/kjannette/pricesync/internal/scheduler"
	"github.com/kjannette/pricesync/internal/source"
	"golang.org/x/sync/errgroup"
)

const banner = `
╔══════════════════════════════════════╗
║          PriceSync daemon            ║
╚══════════════════════════════════════╝
`

func main() {
	fmt.Print(banner)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	if err := cfg.Validate(log); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	cfg.Print(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("exiting", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// Database
	var pool *pgxpool.Pool
	if cfg.NeedsDB() {
		log.Info("connecting to database", "host", cfg.DBHost, "port", cfg.DBPort, "name", cfg.DBName)
		p, err := db.Connect(cfg.DSN())
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		pool = p
		defer func() {
			pool.Close()
			log.Info("database pool closed")
		}()
		if err := db.TestConnection(pool, log); err != nil {
			return err
		}
		if err := repository.Migrate(ctx, pool); err != nil {
			return err
		}
	}

	// Cache
	backend, err := openBackend(cfg, pool)
	if err != nil {
		return fmt.Errorf("cache backend %s: %w", cfg.CacheBackend, err)
	}
	store := cache.New(backend, cache.Options{Logger: log})
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("cache close failed", "error", err)
		}
	}()

	// Record source
	var src source.Source
	switch cfg.SourceKind {
	case "http":
		src = source.NewHTTP(cfg.SourceURL, source.HTTPOptions{Logger: log})
	default:
		src = source.NewPostgres(repository.NewRecordRepo(pool, cfg.NotifyChannel), log)
	}

	// Connectivity
	monitor := connectivity.NewMonitor(
		connectivity.NewHTTPProbe(cfg.ProbeURL, 0),
		connectivity.Options{Interval: cfg.ProbeInterval, Logger: log},
	)
	monitor.Start(ctx)
	defer monitor.Stop()

	// Alerts
	alerts := notifications.NewAlerts(notifications.NewSender(cfg.WebhookURL, cfg.ServiceName, log), log)
	defer alerts.Close()

	// Realtime feeds
	mgr := realtime.NewManager(realtime.Config{
		Store:         store,
		Network:       monitor,
		Logger:        log,
		OnStateChange: alerts.OnStateChange,
		Defaults: realtime.Options{
			PollInterval:    cfg.PollInterval,
			RetryBackoffMax: cfg.RetryBackoffMax,
			MaxStaleTime:    cfg.MaxStaleTime,
		},
	})
	defer mgr.Close()

	feedLog := logging.Component(log, "feed")
	for _, key := range cfg.WarmCollections {
		_, err := mgr.Setup(ctx, key, src, realtime.Options{
			OnDataUpdate: func(u realtime.Update) {
				feedLog.Debug("update",
					"key", u.Key,
					"records", len(u.Records),
					"fromCache", u.Meta.FromCache,
					"realtime", u.Meta.Realtime,
					"offline", u.Meta.Offline,
				)
			},
		})
		if err != nil {
			return fmt.Errorf("setup feed %s: %w", key, err)
		}
	}

	// Warmer
	orch := fetch.New(store, monitor, log)
	warmer := scheduler.NewWarmer(orch, src, monitor, scheduler.WarmerConfig{
		Collections:     cfg.WarmCollections,
		Interval:        cfg.WarmInterval,
		MaxAge:          cfg.CacheMaxAge,
		ChangeThreshold: cfg.MeanShiftPercent,
		OnMeanShift:     alerts.OnMeanShift,
		Logger:          log,
	})
	if cfg.WarmOnStart && len(cfg.WarmCollections) > 0 {
		warmer.Start()
		defer warmer.Stop()
	}

	// API
	deps := api.Deps{
		Orchestrator:    orch,
		Source:          src,
		Network:         monitor,
		Manager:         mgr,
		MaxAge:          cfg.CacheMaxAge,
		DefaultRadiusKm: cfg.DefaultRadiusKm,
		Logger:          log,
	}
	if pool != nil {
		deps.DB = pool
	}
	srv := api.NewServer(deps, cfg.APIPort, cfg.APIKey, cfg.CORSAllowOrigin)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("all services started", "feeds", len(cfg.WarmCollections))
	return g.Wait()
}

func openBackend(cfg *config.Config, pool *pgxpool.Pool) (cache.Backend, error) {
	switch cfg.CacheBackend {
	case "memory":
		return cache.NewMemoryBackend(), nil
	case "redis":
		client, err := cache.DialRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return cache.NewRedisBackend(client, "", 0), nil
	case "postgres":
		return cache.NewPostgresBackend(repository.NewCacheRepo(pool)), nil
	default:
		return cache.OpenBadger(cfg.CacheDir)
	}
}
