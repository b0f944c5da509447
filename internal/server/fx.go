// Package server assembles the dispatcher application and runs its listeners.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/firebuzz-ai/edge-dispatcher/internal/api"
	"github.com/firebuzz-ai/edge-dispatcher/internal/clock/system"
	"github.com/firebuzz-ai/edge-dispatcher/internal/config"
	"github.com/firebuzz-ai/edge-dispatcher/internal/dispatcher"
	"github.com/firebuzz-ai/edge-dispatcher/internal/id/uuid"
	"github.com/firebuzz-ai/edge-dispatcher/internal/invalidation"
	"github.com/firebuzz-ai/edge-dispatcher/internal/logging"
	"github.com/firebuzz-ai/edge-dispatcher/internal/routing"
	"github.com/firebuzz-ai/edge-dispatcher/internal/storage"
	"github.com/firebuzz-ai/edge-dispatcher/internal/storage/cache"
	gcsstorage "github.com/firebuzz-ai/edge-dispatcher/internal/storage/gcs"
	"github.com/firebuzz-ai/edge-dispatcher/internal/storage/local"
	memoryStorage "github.com/firebuzz-ai/edge-dispatcher/internal/storage/memory"
	pgstore "github.com/firebuzz-ai/edge-dispatcher/internal/storage/postgres"
	"github.com/firebuzz-ai/edge-dispatcher/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	handler        *dispatcher.Handler
	public         http.Handler
	apiServer      *api.Server
	transport      *http.Transport
	store          storage.Provider
	fileStore      *local.Store
	cache          *cache.Resolver
	subscriber     *invalidation.Subscriber
	tracerProvider *sdktrace.TracerProvider
	tracerShutdown func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Log only non-sensitive config fields; DSNs stay out of the logs.
	type SanitizedConfig struct {
		ServerPort   int    `json:"server_port"`
		AdminPort    int    `json:"admin_port,omitempty"`
		StoreBackend string `json:"store_backend"`
		CacheEnabled bool   `json:"cache_enabled"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:   cfg.Server.Port,
		StoreBackend: cfg.Store.Backend,
		CacheEnabled: cfg.Cache.Enabled,
	}
	if cfg.Admin.Enabled {
		safeCfg.AdminPort = cfg.Admin.Port
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger creates the application's dependencies around an existing logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure(ctx)
			app.closeObservability(ctx)
		}
	}()

	engines, previews, err := cfg.Routing()
	if err != nil {
		return nil, fmt.Errorf("routing init failed: %w", err)
	}
	for _, route := range previews.Routes() {
		app.logger.Info("preview route",
			zap.String("host", route.Hostname),
			zap.String("environment", string(route.Environment)),
			zap.String("engine", route.Engine.String()),
		)
	}

	app.logger.Info("building application dependencies")
	if err = setupStore(ctx, app); err != nil {
		return nil, err
	}

	var resolver routing.Resolver = app.store
	if cfg.Cache.Enabled {
		app.cache, err = cache.New(app.store, system.New(), cfg.Cache, logger.Named("cache"))
		if err != nil {
			return nil, fmt.Errorf("cache init failed: %w", err)
		}
		resolver = app.cache
		app.logger.Info("domain cache enabled",
			zap.Duration("ttl", cfg.Cache.TTL),
			zap.Duration("negative_ttl", cfg.Cache.NegativeTTL),
			zap.Int("max_entries", cfg.Cache.MaxEntries),
			zap.Int("negative_max_entries", cfg.Cache.NegativeMaxEntries),
		)
		if app.fileStore != nil {
			app.fileStore.OnReload(app.invalidateReloaded)
		}
	}

	if cfg.Invalidation.Enabled {
		app.subscriber, err = invalidation.Open(ctx, cfg.Invalidation, app.cache, logger.Named("invalidation"))
		if err != nil {
			return nil, fmt.Errorf("invalidation init failed: %w", err)
		}
	}

	router, err := dispatcher.NewRouter(previews, engines, resolver, logger.Named("router"))
	if err != nil {
		return nil, fmt.Errorf("router init failed: %w", err)
	}

	app.transport = dispatcher.NewTransport(cfg.Forward)
	var transport http.RoundTripper = app.transport
	if cfg.Telemetry.Enabled {
		tp, tpErr := telemetry.InitTracerProvider(ctx, cfg.Telemetry)
		if tpErr != nil {
			return nil, fmt.Errorf("tracer init failed: %w", tpErr)
		}
		app.tracerProvider = tp
		app.tracerShutdown = tp.Shutdown
		transport = telemetry.WrapTransport(app.transport, tp)
	}

	app.handler, err = dispatcher.New(router, transport, cfg.Forward, uuid.New(), logger.Named("dispatcher"))
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}
	app.public = app.handler
	if app.tracerProvider != nil {
		app.public = telemetry.WrapHandler(app.handler, app.tracerProvider)
	}

	var operatorCache api.Cache
	if app.cache != nil {
		operatorCache = app.cache
	}
	var pinger routing.Pinger
	if p, ok := resolver.(routing.Pinger); ok {
		pinger = p
	}
	app.apiServer = api.NewServer(router, pinger, operatorCache, logger.Named("api"))

	return app, nil
}

func setupStore(ctx context.Context, app *App) error {
	var err error
	switch app.cfg.Store.Backend {
	case config.BackendFile:
		app.logger.Info("using file domain store", zap.String("path", app.cfg.Store.File.Path))
		app.fileStore, err = local.New(app.cfg.Store.File, app.logger.Named("file_store"))
		if err != nil {
			return fmt.Errorf("file domain store init failed: %w", err)
		}
		app.store = storage.NopCloser(app.fileStore)
	case config.BackendPostgres:
		app.logger.Info("using postgres domain store", zap.String("table", app.cfg.Store.Postgres.Table))
		app.store, err = pgstore.NewStore(ctx, app.cfg.Store.Postgres)
		if err != nil {
			return fmt.Errorf("postgres domain store init failed: %w", err)
		}
	case config.BackendGCS:
		app.logger.Info("using GCS domain store",
			zap.String("bucket", app.cfg.Store.GCS.Bucket),
			zap.String("prefix", app.cfg.Store.GCS.Prefix),
		)
		app.store, err = gcsstorage.Open(ctx, app.cfg.Store.GCS)
		if err != nil {
			return fmt.Errorf("gcs domain store init failed: %w", err)
		}
	default:
		domains := app.cfg.Store.MemoryDomains()
		app.logger.Info("using in-memory domain store", zap.Int("domains", len(domains)))
		app.store = storage.NopCloser(memoryStorage.NewStore(domains))
	}
	return nil
}

// Handler returns the public dispatching handler.
func (a *App) Handler() http.Handler {
	return a.public
}

// invalidateReloaded drops cache entries for hostnames a file reload changed.
func (a *App) invalidateReloaded(changed []string) {
	for _, host := range changed {
		a.cache.Invalidate(host)
	}
	a.logger.Info("domain file reload invalidated cache entries", zap.Int("hosts", len(changed)))
}

// AdminHandler returns the admin API handler.
func (a *App) AdminHandler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the listeners and background loops and blocks until the context
// is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	a.startBackground(ctx, &wg, stop)

	servers := []*http.Server{{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.public,
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       a.cfg.Server.IdleTimeout,
		ErrorLog:          zap.NewStdLog(a.logger.Named("http")),
	}}
	if a.cfg.Admin.Enabled {
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Admin.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
		})
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			a.logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.String("addr", srv.Addr), zap.Error(err))
				stop()
			}
		}(srv)
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
	wg.Wait()

	return a.Close(shutdownCtx)
}

func (a *App) startBackground(ctx context.Context, wg *sync.WaitGroup, stop context.CancelFunc) {
	if a.fileStore != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.fileStore.Watch(ctx); err != nil {
				a.logger.Error("domain file watcher stopped", zap.Error(err))
			}
		}()
	}
	if a.subscriber != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.subscriber.Run(ctx); err != nil {
				a.logger.Error("invalidation subscriber stopped", zap.Error(err))
				stop()
			}
		}()
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(_ context.Context) {
	if a.subscriber != nil {
		if err := a.subscriber.Close(); err != nil {
			a.logger.Warn("invalidation subscriber close failed", zap.Error(err))
		}
	}
	if a.transport != nil {
		a.transport.CloseIdleConnections()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("domain store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stdout/stderr on some platforms; the error carries no signal.
	_ = a.logger.Sync()
}
