package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"keyreplay/internal/cache"
	"keyreplay/internal/config"
	"keyreplay/internal/health"
	"keyreplay/internal/logging"
	"keyreplay/internal/observe"
	"keyreplay/internal/server"
	"keyreplay/internal/store"
	"keyreplay/internal/submit"
	"keyreplay/internal/wal"
)

// backlogLimit is the outbox size at which /healthz reports degraded.
const backlogLimit = 100

// app owns every long-lived component of the daemon.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	provider  *observe.Provider
	store     store.Store
	outbox    *wal.Outbox
	cache     cache.ReplayCache
	closers   []io.Closer
	submitter *submit.Submitter
	server    *server.Server
	checker   *health.Checker
}

// newApp opens every component. On failure whatever was already opened is
// closed before the error is returned.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, checker: health.NewChecker()}
	if err := a.open(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	cfg := a.cfg
	var err error
	a.provider, err = observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	metrics, err := observe.NewMetrics(a.provider.MeterProvider)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	if a.store, err = openStore(ctx, cfg.Storage); err != nil {
		return err
	}
	a.checker.RegisterFunc("store", true, health.PingCheck("store", a.store.Ping))

	if cfg.Outbox.Enabled {
		if a.outbox, err = wal.OpenOutbox(cfg.Outbox.Path, cfg.Outbox.Secret); err != nil {
			return fmt.Errorf("open outbox: %w", err)
		}
		a.checker.RegisterFunc("outbox", false, health.BacklogCheck(func() (int, error) {
			return a.outbox.Backlog(), nil
		}, backlogLimit))
	}

	if a.cache, err = a.openCache(ctx, cfg.Cache); err != nil {
		return err
	}

	componentLogger := a.logger.Logger
	a.submitter = submit.New(a.store, submit.Options{
		Outbox:       a.outbox,
		Cache:        a.cache,
		Metrics:      metrics,
		Logger:       componentLogger,
		CompactAfter: cfg.Outbox.CompactAfter,
	})

	a.server, err = server.New(server.Options{
		Store:          a.store,
		Submitter:      a.submitter,
		Cache:          a.cache,
		Metrics:        metrics,
		Health:         a.checker,
		MetricsHandler: a.provider.Handler(),
		Logger:         componentLogger,
		DefaultSpeed:   cfg.Player.DefaultSpeed,
		Debounce:       cfg.Debounce(),
	})
	return err
}

func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := store.OpenSQLite(cfg.Path, time.Duration(cfg.BusyTimeoutMs)*time.Millisecond)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := store.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverMemory:
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func (a *app) openCache(ctx context.Context, cfg config.CacheConfig) (cache.ReplayCache, error) {
	if cfg.Driver != config.CacheRedis {
		return cache.Nop{}, nil
	}
	c, client, err := cache.Dial(ctx, cfg.Addr, a.cfg.CacheTTL())
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.closers = append(a.closers, client)
	a.checker.RegisterFunc("cache", false, health.PingCheck("cache", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	return c, nil
}

// run serves HTTP and retries the outbox until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.ListenAndServe(ctx, a.cfg.Server.Addr, a.cfg.ReadTimeout(), a.cfg.WriteTimeout())
	})
	g.Go(func() error {
		return a.submitter.Run(ctx, a.cfg.RetryInterval())
	})

	a.checker.SetReady(true)
	a.logger.Info("ready")
	err := g.Wait()
	a.checker.SetReady(false)
	return err
}

// reconfigure applies settings that can change at runtime.
func (a *app) reconfigure(next *config.Config) {
	lc := next.LoggerConfig()
	if lc.Level != a.logger.Level() {
		a.logger.Info("log level changed",
			"from", logging.LevelString(a.logger.Level()),
			"to", logging.LevelString(lc.Level),
		)
		a.logger.SetLevel(lc.Level)
	}
	if next.Server.Addr != a.cfg.Server.Addr || next.Storage != a.cfg.Storage {
		a.logger.Warn("server and storage changes need a restart")
	}
}

func (a *app) close() {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	if a.outbox != nil {
		errs = append(errs, a.outbox.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.provider != nil {
		errs = append(errs, a.provider.Shutdown(context.Background()))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown error", "error", err)
	}
}
