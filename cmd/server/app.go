package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/warp/points-ledger/api"
	"github.com/warp/points-ledger/config"
	"github.com/warp/points-ledger/expiration"
	"github.com/warp/points-ledger/ledger"
	memstore "github.com/warp/points-ledger/ledger/store"
	"github.com/warp/points-ledger/logging"
	"github.com/warp/points-ledger/query"
	"github.com/warp/points-ledger/store/postgres"
	"github.com/warp/points-ledger/store/sqlite"
)

// backend is what every store driver provides.
type backend interface {
	ledger.Store
	ledger.RunStore
	ledger.DirectoryStore
}

// app holds the wired service. close releases the store.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	store     backend
	pinger    api.Pinger
	cache     *ledger.CachedDirectory
	engine    *ledger.Engine
	query     *query.Facade
	scheduler *expiration.Scheduler
	close     func()
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger = logger.With(zap.String("env", cfg.App.Env))

	a := &app{cfg: cfg, logger: logger, close: func() {}}
	if err := a.openStore(ctx); err != nil {
		_ = logger.Sync()
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.cache = ledger.NewCachedDirectory(a.store, cfg.Ledger.DirectoryCacheTTL)
	a.engine = ledger.NewEngine(a.store, a.cache,
		ledger.WithOptions(cfg.LedgerOptions()),
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithMetrics(ledger.NewMetrics(a.registry)),
	)
	a.query = query.NewFacade(a.store)
	a.scheduler = expiration.NewScheduler(a.engine, a.store, a.store, cfg.ExpirationConfig(),
		expiration.WithLogger(logger.Named("expiration")),
		expiration.WithMetrics(expiration.NewMetrics(a.registry)),
	)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.DriverSQLite:
		s, err := sqlite.New(a.cfg.Store.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		a.store, a.pinger = s, s
		a.close = func() {
			if err := s.Close(); err != nil {
				a.logger.Warn("closing sqlite store", zap.Error(err))
			}
		}
		a.logger.Info("store opened", zap.String("driver", "sqlite"), zap.String("path", a.cfg.Store.SQLitePath))
	case config.DriverPostgres:
		s, err := postgres.New(ctx, a.cfg.Store.PostgresDSN, a.cfg.Store.PostgresMaxConns)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		a.store, a.pinger = s, s
		a.close = s.Close
		a.logger.Info("store opened", zap.String("driver", "postgres"))
	case config.DriverMemory:
		a.store = memstore.NewMemory()
		a.logger.Warn("using in-memory store; data is lost on exit")
	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
	return nil
}

func (a *app) handler() *api.Handler {
	return &api.Handler{
		Engine:    a.engine,
		Query:     a.query,
		Scheduler: a.scheduler,
		Runs:      a.store,
		Directory: a.store,
		Cache:     a.cache,
		Pinger:    a.pinger,
		Logger:    a.logger.Named("api"),
	}
}

func (a *app) routerConfig() api.RouterConfig {
	rc := api.RouterConfig{AllowedOrigins: a.cfg.HTTP.CORSAllowOrigins}
	if a.cfg.HTTP.MetricsEnabled {
		rc.Gatherer = a.registry
	}
	return rc
}

func (a *app) shutdown() {
	a.close()
	_ = a.logger.Sync()
}
