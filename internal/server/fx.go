// Package server builds the chunkwatch process from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/chunkwatch/internal/api"
	"github.com/JakeFAU/chunkwatch/internal/clock/system"
	"github.com/JakeFAU/chunkwatch/internal/config"
	"github.com/JakeFAU/chunkwatch/internal/events"
	"github.com/JakeFAU/chunkwatch/internal/events/sinks"
	"github.com/JakeFAU/chunkwatch/internal/extract"
	collyfetcher "github.com/JakeFAU/chunkwatch/internal/fetcher/colly"
	"github.com/JakeFAU/chunkwatch/internal/hash/sha256"
	"github.com/JakeFAU/chunkwatch/internal/id/uuid"
	"github.com/JakeFAU/chunkwatch/internal/logging"
	"github.com/JakeFAU/chunkwatch/internal/monitor"
	"github.com/JakeFAU/chunkwatch/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/chunkwatch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/chunkwatch/internal/publisher/pubsub"
	"github.com/JakeFAU/chunkwatch/internal/resolver/dns"
	"github.com/JakeFAU/chunkwatch/internal/snapshot"
	filesnapshot "github.com/JakeFAU/chunkwatch/internal/snapshot/file"
	gcssnapshot "github.com/JakeFAU/chunkwatch/internal/snapshot/gcs"
	memorysnapshot "github.com/JakeFAU/chunkwatch/internal/snapshot/memory"
	sqlitesnapshot "github.com/JakeFAU/chunkwatch/internal/snapshot/sqlite"
	pgstore "github.com/JakeFAU/chunkwatch/internal/storage/postgres"
	"github.com/JakeFAU/chunkwatch/internal/store"
	"github.com/JakeFAU/chunkwatch/internal/telemetry"
	"github.com/JakeFAU/chunkwatch/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App holds the wired process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	apiServer *api.Server
	worker    *worker.Worker
	hub       *events.Hub

	fetcher        *collyfetcher.Fetcher
	snapshots      snapshot.Store
	eventStore     *pgstore.EventStore
	publisher      sinks.Publisher
	tracerShutdown func(context.Context) error
}

// Build creates every dependency described by cfg.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development,
		logging.WithLevel(cfg.Logging.Level),
		logging.WithService(cfg.Tracing.ServiceName),
	)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = app.Close(context.Background())
		}
	}()

	logger.Info("building chunkwatch",
		zap.String("url", cfg.URL),
		zap.Duration("interval", cfg.Check.Interval),
		zap.Bool("ipv4_only", cfg.Check.IPv4Only),
		zap.Int("port", cfg.Server.Port),
	)

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	if app.snapshots, err = setupSnapshots(ctx, cfg, logger); err != nil {
		return nil, err
	}
	var repo store.EventRepository
	if app.eventStore, err = setupEventStore(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if app.eventStore != nil {
		repo = app.eventStore
	}
	if app.publisher, err = setupPublisher(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if app.hub, err = setupHub(cfg, repo, app.publisher, prometheus.DefaultRegisterer, logger); err != nil {
		return nil, err
	}

	clock := system.New()
	ids := uuid.New()
	app.fetcher = setupFetcher(cfg, logger)
	checker, err := monitor.NewChecker(monitor.CheckerConfig{
		Resolver:  dns.New(nil, logger),
		Fetcher:   app.fetcher,
		Extractor: extract.New(extract.WithLogger(logger)),
		Hasher:    sha256.New(),
		Clock:     clock,
		IDs:       ids,
		Emitter:   app.hub,
		Logger:    logger,
		Tracer:    otel.Tracer("github.com/JakeFAU/chunkwatch"),

		ResolveAttempts: cfg.Check.ResolveAttempts,
		MaxParallel:     cfg.Check.MaxParallel,
		MaxVersions:     cfg.Check.MaxVersions,
	})
	if err != nil {
		return nil, fmt.Errorf("checker init failed: %w", err)
	}

	holder := monitor.NewHolder(cfg.URL)
	app.worker = worker.New(checker, app.snapshots, holder, clock, ids, app.hub, worker.Config{
		URL:      cfg.URL,
		Interval: cfg.Check.Interval,
		IPv4Only: cfg.Check.IPv4Only,
	}, logger)

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(holder, repo, api.Config{
		APIKey:         apiKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger)

	ok = true
	return app, nil
}

// Handler exposes the HTTP routes, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves the dashboard and drives check cycles until ctx ends or the
// process receives SIGINT or SIGTERM. It always closes the App.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.worker.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Close flushes events and releases every client. It is safe on a partially
// built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("event hub close: %w", err))
		}
	}
	if c, ok := a.publisher.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher close: %w", err))
		}
	}
	if a.fetcher != nil {
		a.fetcher.Close()
	}
	if a.eventStore != nil {
		a.eventStore.Close()
	}
	if a.snapshots != nil {
		if err := a.snapshots.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s snapshot close: %w", a.snapshots.Backend(), err))
		}
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if a.logger != nil {
		a.logger.Info("shutdown complete")
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}

func setupSnapshots(ctx context.Context, cfg config.Config, logger *zap.Logger) (snapshot.Store, error) {
	switch backend := cfg.StateBackend(); backend {
	case config.BackendFile:
		s, err := filesnapshot.New(cfg.State.Path)
		if err != nil {
			return nil, fmt.Errorf("file snapshot init failed: %w", err)
		}
		logger.Info("using file snapshot", zap.String("path", cfg.State.Path))
		return s, nil
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		s, err := gcssnapshot.New(client, gcssnapshot.Config{
			Bucket: cfg.State.GCSBucket,
			Object: cfg.State.GCSObject,
		})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("gcs snapshot init failed: %w", err)
		}
		logger.Info("using gcs snapshot",
			zap.String("bucket", cfg.State.GCSBucket),
			zap.String("object", cfg.State.GCSObject),
		)
		return s, nil
	case config.BackendSQLite:
		s, err := sqlitesnapshot.Open(cfg.State.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite snapshot init failed: %w", err)
		}
		logger.Info("using sqlite snapshot", zap.String("path", cfg.State.Path))
		return s, nil
	case config.BackendMemory:
		logger.Warn("no state file configured, history is lost on restart")
		return memorysnapshot.New(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}

func setupEventStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (*pgstore.EventStore, error) {
	if cfg.Database.DSN == "" {
		logger.Debug("no database dsn, drift event history disabled")
		return nil, nil
	}
	s, err := pgstore.NewEventStore(ctx, pgstore.EventStoreConfig{
		DSN:             cfg.Database.DSN,
		Table:           cfg.Database.Table,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("event store init failed: %w", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("event store schema: %w", err)
	}
	logger.Info("drift event store initialized", zap.String("table", cfg.Database.Table))
	return s, nil
}

func setupPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (sinks.Publisher, error) {
	if cfg.PubSub.TopicName == "" {
		logger.Debug("no pubsub topic, drift alerts stay in process")
		return memorypublisher.New(memorypublisher.WithLimit(1000)), nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	logger.Info("pubsub publisher initialized",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.TopicName),
	)
	return gcppublisher.New(client, gcppublisher.WithPropagator(otel.GetTextMapPropagator())), nil
}

func setupHub(
	cfg config.Config,
	repo store.EventRepository,
	publisher sinks.Publisher,
	reg prometheus.Registerer,
	logger *zap.Logger,
) (*events.Hub, error) {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []events.Sink{promSink}
	if cfg.Events.Log {
		sinkList = append(sinkList, sinks.NewLogSink(logger))
	}
	if repo != nil {
		sinkList = append(sinkList, sinks.NewStoreSink(repo, logger))
	}
	sinkList = append(sinkList, sinks.NewPublishSink(publisher, cfg.PubSub.TopicName, logger))

	hubCfg := events.Config{
		BufferSize:     cfg.Events.BufferSize,
		MaxBatchEvents: cfg.Events.MaxBatchEvents,
		MaxBatchWait:   cfg.Events.MaxBatchWait,
		Logger:         logger.Named("events"),
	}
	logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
	)
	return events.NewHub(hubCfg, sinkList...), nil
}

func setupFetcher(cfg config.Config, logger *zap.Logger) *collyfetcher.Fetcher {
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.Fetch.RateLimit.RPS,
		Burst: cfg.Fetch.RateLimit.Burst,
	})
	return collyfetcher.New(collyfetcher.Config{
		UserAgent:          cfg.Fetch.UserAgent,
		Timeout:            cfg.Fetch.Timeout,
		MaxAttempts:        cfg.Fetch.MaxAttempts,
		Backoff:            cfg.Fetch.Backoff,
		MaxBodyBytes:       cfg.Fetch.MaxBodyBytes,
		InsecureSkipVerify: cfg.Fetch.InsecureSkipVerify,
	}, limiter, logger)
}
