// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/gradepop-crawler/internal/api"
	"github.com/JakeFAU/gradepop-crawler/internal/authority"
	"github.com/JakeFAU/gradepop-crawler/internal/cache"
	"github.com/JakeFAU/gradepop-crawler/internal/cardstore"
	cardmemory "github.com/JakeFAU/gradepop-crawler/internal/cardstore/memory"
	cardpostgres "github.com/JakeFAU/gradepop-crawler/internal/cardstore/postgres"
	"github.com/JakeFAU/gradepop-crawler/internal/clock/system"
	"github.com/JakeFAU/gradepop-crawler/internal/config"
	"github.com/JakeFAU/gradepop-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/gradepop-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/gradepop-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/gradepop-crawler/internal/grading"
	"github.com/JakeFAU/gradepop-crawler/internal/hash/sha256"
	"github.com/JakeFAU/gradepop-crawler/internal/headless/detector"
	"github.com/JakeFAU/gradepop-crawler/internal/history"
	"github.com/JakeFAU/gradepop-crawler/internal/id/uuid"
	"github.com/JakeFAU/gradepop-crawler/internal/kv"
	kvmemory "github.com/JakeFAU/gradepop-crawler/internal/kv/memory"
	"github.com/JakeFAU/gradepop-crawler/internal/kv/sqlstore"
	"github.com/JakeFAU/gradepop-crawler/internal/logging"
	"github.com/JakeFAU/gradepop-crawler/internal/metrics"
	"github.com/JakeFAU/gradepop-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/gradepop-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/gradepop-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/gradepop-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/gradepop-crawler/internal/ratelimit"
	"github.com/JakeFAU/gradepop-crawler/internal/registry"
	"github.com/JakeFAU/gradepop-crawler/internal/robots"
	"github.com/JakeFAU/gradepop-crawler/internal/scheduler"
	"github.com/JakeFAU/gradepop-crawler/internal/sources"
	archive "github.com/JakeFAU/gradepop-crawler/internal/storage"
	gcsstorage "github.com/JakeFAU/gradepop-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/gradepop-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/gradepop-crawler/internal/storage/memory"
	"github.com/JakeFAU/gradepop-crawler/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

type buildOptions struct {
	registerer prometheus.Registerer
}

// Option customizes Build.
type Option func(*buildOptions)

// WithRegisterer registers progress collectors on reg instead of the default
// Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer    *api.Server
	orchestrator *scheduler.Orchestrator
	aggregator   *grading.Aggregator
	gradeCache   *cache.Cache[grading.QueryResult]
	progressHub  *progress.Hub
	broadcaster  *progresssinks.Broadcaster

	kvStore         kv.Store
	sqlKV           *sqlstore.Store
	pgCards         *cardpostgres.Store
	headless        *headlessfetcher.Fetcher
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	tracerProvider  *sdktrace.TracerProvider
}

// Build creates the application's dependencies. The caller owns the returned
// App and must Close it.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	bo := buildOptions{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&bo)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			app.closeInfrastructure(closeCtx)
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("kv_driver", cfg.KV.Driver),
		zap.Bool("headless", cfg.Headless.Enabled),
	)

	metrics.Init()
	app.tracerProvider, err = telemetry.InitTracerProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	clock := system.New()
	ids := uuid.New()

	if err = app.setupKV(ctx); err != nil {
		return nil, err
	}
	blobStore, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	rawArchive := archive.NewArchive(blobStore, sha256.New(), logger.Named("archive"))

	cards, err := app.setupCardStore(ctx, ids, clock)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if err = app.setupProgress(ctx, bo.registerer); err != nil {
		return nil, err
	}

	pageFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.HTTPTimeout(),
		MaxRedirects: cfg.HTTP.MaxRedirects,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	})
	var headless crawler.Fetcher = headlessfetcher.NewNoop()
	if cfg.Headless.Enabled {
		app.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			ReadySelector:     cfg.Headless.ReadySelector,
			SettleDelay:       time.Duration(cfg.Headless.SettleMillis) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		headless = app.headless
		logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	}

	policy := robots.NewPolicy(
		robots.NewFetcher(robots.FetcherConfig{
			UserAgent:    cfg.Crawler.UserAgent,
			Timeout:      cfg.HTTPTimeout(),
			MaxRedirects: cfg.HTTP.MaxRedirects,
		}, logger.Named("robots")),
		robots.PolicyConfig{UserAgent: cfg.Crawler.UserAgent, TTL: cfg.Crawler.RobotsTTL},
		logger.Named("robots"),
	)
	limiter := ratelimit.New(clock)

	table, err := loadAuthorities(cfg.Crawler.AuthoritiesFile)
	if err != nil {
		return nil, err
	}
	app.gradeCache = cache.New[grading.QueryResult](app.kvStore, clock, cache.Config{
		Name:       "grading",
		Prefix:     "cache:grading:",
		DefaultTTL: cfg.Cache.TTL,
		MaxEntries: cfg.Cache.MaxEntries,
	}, logger.Named("cache"))

	app.aggregator, err = grading.New(grading.Config{CacheTTL: cfg.Cache.TTL}, grading.Dependencies{
		Table:    table,
		Policy:   policy,
		Limiter:  limiter,
		Fetcher:  pageFetcher,
		Headless: headless,
		Detector: detector.NewHeuristic(cfg.Headless.PromotionThresh, cfg.Headless.DataMarkers...),
		Archive:  rawArchive,
		Cache:    app.gradeCache,
		Clock:    clock,
		Logger:   logger.Named("grading"),
	})
	if err != nil {
		return nil, fmt.Errorf("grading aggregator init failed: %w", err)
	}

	client := &sources.Client{
		Policy:   policy,
		Limiter:  limiter,
		Fetcher:  pageFetcher,
		Archive:  rawArchive,
		Clock:    clock,
		MinDelay: cfg.Crawler.MinDelay,
		Logger:   logger.Named("sources"),
	}
	prices := sources.NewPriceFetcher(client, cards, cfg.Crawler.MaxCardsPerRun)
	dispatch := sources.NewDispatcher().
		Register(registry.TypeGrading,
			sources.NewGradingFetcher(cards, app.aggregator, cfg.Crawler.MaxCardsPerRun, logger.Named("sources"))).
		Register(registry.TypePricing, prices).
		Register(registry.TypeMarketData, prices).
		Register(registry.TypeCardData, sources.NewCatalogFetcher(client, cards))

	reg, err := registry.New(cfg.SourceList(), app.kvStore, logger)
	if err != nil {
		return nil, fmt.Errorf("source registry init failed: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	app.orchestrator, err = scheduler.New(scheduler.Config{
		RetentionDays: cfg.Retention.Days,
		NotifyTopic:   cfg.PubSub.TopicName,
		Location:      loc,
		Settings:      cfg.Settings(),
	}, scheduler.Dependencies{
		Registry:  reg,
		History:   history.New(cfg.History.Limit, app.kvStore, logger),
		Fetcher:   dispatch,
		Prober:    scheduler.HTTPProber{Fetcher: pageFetcher, URL: cfg.Crawler.ProbeURL},
		Cards:     cards,
		Sweepers:  []scheduler.Sweeper{app.gradeCache},
		Publisher: publisher,
		Progress:  app.progressHub,
		Store:     app.kvStore,
		Clock:     clock,
		IDs:       ids,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	app.apiServer = api.NewServer(api.Dependencies{
		Controller: app.orchestrator,
		Grading:    app.aggregator,
		Progress:   app.broadcaster,
		Ready:      app.ready,
	}, cfg, logger.Named("api"))

	return app, nil
}

// Orchestrator exposes the update orchestrator for one-shot CLI commands.
func (a *App) Orchestrator() *scheduler.Orchestrator {
	return a.orchestrator
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// LoadState restores persisted settings, registry, and history.
func (a *App) LoadState(ctx context.Context) error {
	if err := a.orchestrator.LoadState(ctx); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	return nil
}

// Run serves the API and drives the daily schedule until ctx is canceled or
// the process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.LoadState(ctx); err != nil {
		return err
	}

	a.apiServer.SetRunContext(ctx)
	var background errgroup.Group
	background.Go(func() error {
		a.gradeCache.Run(ctx, a.cfg.Cache.SweepInterval)
		return nil
	})
	background.Go(func() error {
		if err := a.orchestrator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("auto-update loop stopped", zap.Error(err))
		}
		return nil
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	// An interrupted run still writes history and registry state, so the
	// stores stay open until it has been recorded.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelDrain()
	a.drain(drainCtx, &background)
	return a.Close(shutdownCtx)
}

func (a *App) drain(ctx context.Context, background *errgroup.Group) {
	done := make(chan struct{})
	go func() {
		_ = background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("background workers did not stop in time", zap.Error(ctx.Err()))
		return
	}
	if err := a.orchestrator.Wait(ctx); err != nil {
		a.logger.Warn("in-flight update run not recorded before shutdown", zap.Error(err))
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgCards != nil {
		a.pgCards.Close()
	}
	if a.sqlKV != nil {
		if err := a.sqlKV.Close(); err != nil {
			a.logger.Warn("kv store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

// ready reports whether the kv store answers; a missing key still counts.
func (a *App) ready(ctx context.Context) error {
	if _, err := a.kvStore.Get(ctx, scheduler.SettingsKey); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("kv store: %w", err)
	}
	return nil
}

func (a *App) setupKV(ctx context.Context) error {
	switch a.cfg.KV.Driver {
	case config.BackendSQLite, config.BackendPostgres:
		store, err := sqlstore.Open(ctx, a.cfg.KV.Driver, a.cfg.KV.DSN, a.logger.Named("kv"))
		if err != nil {
			return fmt.Errorf("kv store init failed: %w", err)
		}
		a.sqlKV = store
		a.kvStore = store
		a.logger.Info("using sql kv store", zap.String("driver", a.cfg.KV.Driver))
	default:
		a.logger.Warn("using in-memory kv store; settings and history are lost on restart")
		a.kvStore = kvmemory.New()
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(a.storage, a.cfg.Storage.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS archive", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		return blobStore, nil
	case config.BackendLocal:
		blobStore, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local archive", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return blobStore, nil
	default:
		a.logger.Info("using in-memory archive")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupCardStore(ctx context.Context, ids crawler.IDGenerator, clock crawler.Clock) (cardstore.Store, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no db.dsn configured, using in-memory card store")
		return cardmemory.New(ids, clock), nil
	}
	store, err := cardpostgres.New(ctx, a.cfg.DB, ids.NewID)
	if err != nil {
		return nil, fmt.Errorf("card store init failed: %w", err)
	}
	a.pgCards = store
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("card store migrate failed: %w", err)
	}
	a.logger.Info("postgres card store initialized")
	return store, nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(a.logger.Named("publisher")), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = gcppublisher.New(a.pubsubClient.Publisher(a.cfg.PubSub.TopicName))
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.pubsubPublisher, nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics sink init failed: %w", err)
	}
	a.broadcaster = progresssinks.NewBroadcaster(a.cfg.Progress.SubscriberBuffer)
	a.progressHub = progress.NewHub(progress.Config{
		BufferSize:  a.cfg.Progress.BufferSize,
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("progress_hub"),
	},
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		a.broadcaster,
	)
	a.logger.Info("progress hub initialized", zap.Int("buffer_size", a.cfg.Progress.BufferSize))
	return nil
}

func loadAuthorities(path string) (*authority.Table, error) {
	if path == "" {
		table, err := authority.NewTable(authority.Defaults()...)
		if err != nil {
			return nil, fmt.Errorf("default authority table: %w", err)
		}
		return table, nil
	}
	table, err := authority.LoadTableFile(path)
	if err != nil {
		return nil, fmt.Errorf("load authorities %s: %w", path, err)
	}
	return table, nil
}
