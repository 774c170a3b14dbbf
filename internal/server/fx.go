// Package server builds the crawler's dependencies from configuration and
// runs a crawl or a resume under signal handling.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/api"
	"github.com/JakeFAU/citation-crawler/internal/checkpoint"
	"github.com/JakeFAU/citation-crawler/internal/clock/system"
	"github.com/JakeFAU/citation-crawler/internal/config"
	"github.com/JakeFAU/citation-crawler/internal/crawl"
	"github.com/JakeFAU/citation-crawler/internal/frontier"
	"github.com/JakeFAU/citation-crawler/internal/id/uuid"
	"github.com/JakeFAU/citation-crawler/internal/logging"
	"github.com/JakeFAU/citation-crawler/internal/paper"
	"github.com/JakeFAU/citation-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/citation-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/citation-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/citation-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/citation-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/citation-crawler/internal/seeds"
	"github.com/JakeFAU/citation-crawler/internal/source/semanticscholar"
	gcsstorage "github.com/JakeFAU/citation-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/citation-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/citation-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/citation-crawler/internal/storage/postgres"
	"github.com/JakeFAU/citation-crawler/internal/store"
	"github.com/JakeFAU/citation-crawler/internal/telemetry"
	"github.com/JakeFAU/citation-crawler/internal/worker"
)

// summaryTopic labels run summaries when no Pub/Sub topic is configured.
const summaryTopic = "run-summaries"

type closablePublisher interface {
	paper.Publisher
	Close() error
}

// Options selects how the run starts.
type Options struct {
	// Resume loads a previous run instead of resolving seeds.
	Resume bool
	// ResumeFrom is the run to resume; 0 means the latest one.
	ResumeFrom int
	// IDs generates the session id. Nil uses UUIDv7.
	IDs paper.IDGenerator
}

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	run       checkpoint.Run
	sessionID string
	opts      Options

	blobs       *localstorage.BlobStore
	engine      *crawl.Engine
	retries     *worker.RetryTracker
	resolver    *seeds.Resolver
	loader      *checkpoint.Loader
	apiServer   *api.Server
	progressHub *progress.Hub
	publisher   closablePublisher
	storage     *storage.Client
	graphStore  *pgstore.GraphStore
	tracer      *sdktrace.TracerProvider
}

// Build creates the application's dependencies and allocates the run
// directory.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.Checkpoint.Root})
	if err != nil {
		return nil, fmt.Errorf("checkpoint root init failed: %w", err)
	}
	run, err := checkpoint.AllocateRun(cfg.Checkpoint.Root)
	if err != nil {
		return nil, fmt.Errorf("run allocation failed: %w", err)
	}
	if opts.IDs == nil {
		opts.IDs = uuid.New()
	}
	sessionID, err := opts.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("session id failed: %w", err)
	}
	if opts.Resume && opts.ResumeFrom == 0 {
		opts.ResumeFrom = run.ID - 1
	}

	app := &App{
		cfg:       cfg,
		logger:    logging.ForRun(logger, run.ID, sessionID),
		run:       run,
		sessionID: sessionID,
		opts:      opts,
		blobs:     blobs,
	}
	app.logger.Info("building application dependencies",
		zap.String("run_dir", run.Dir),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
		zap.Bool("resume", opts.Resume),
	)

	if err := setupTelemetry(ctx, app); err != nil {
		return nil, err
	}
	mirror, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	if err := setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if err := setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	emitter, err := setupProgress(ctx, app)
	if err != nil {
		return nil, err
	}
	source := setupSource(app)

	clock := system.New()
	writer := checkpoint.NewWriter(run, blobs, mirror, app.logger.Named("checkpoint"))
	paperStore := store.New(store.Config{
		SnapshotEvery: cfg.Store.SnapshotEvery,
		Writer:        crawl.NotifyingSnapshotWriter(writer, emitter, run.ID, clock),
		Logger:        app.logger.Named("store"),
	})
	queue := frontier.New()
	app.retries = worker.NewRetryTracker(cfg.Crawler.MaxAttempts, clock)

	topic := cfg.PubSub.TopicName
	if topic == "" {
		topic = summaryTopic
	}
	manager := checkpoint.NewManager(queue, paperStore, app.retries, writer, app.publisher, emitter, clock,
		checkpoint.ManagerConfig{
			GracePeriod: cfg.GracePeriod(),
			Topic:       topic,
			Manifest: checkpoint.Manifest{
				SessionID:   sessionID,
				ResumedFrom: opts.ResumeFrom,
			},
		},
		app.logger.Named("checkpoint"),
	)

	app.engine, err = crawl.New(
		crawl.Config{
			RunID:       run.ID,
			SessionID:   sessionID,
			Concurrency: cfg.Crawler.Concurrency,
			Filter:      cfg.Filter(),
		},
		crawl.Deps{
			Source:   source,
			Store:    paperStore,
			Frontier: queue,
			Retries:  app.retries,
			Manager:  manager,
			Writer:   writer,
			Emitter:  emitter,
			Clock:    clock,
			Logger:   app.logger.Named("crawl"),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("engine init failed: %w", err)
	}

	app.resolver = seeds.NewResolver(source, blobs, nil, app.logger.Named("seeds"))
	app.loader = checkpoint.NewLoader(blobs, app.logger.Named("checkpoint"))
	if cfg.Server.Enabled {
		app.apiServer = api.NewServer(app.engine, app.logger.Named("api"))
	}
	return app, nil
}

// RunID returns the allocated run id.
func (a *App) RunID() int {
	return a.run.ID
}

// Run resolves seeds (or loads the resumed run) and crawls until the frontier
// drains or SIGINT/SIGTERM arrives. An interrupt is a successful exit.
func (a *App) Run(ctx context.Context, titles []string, refreshSeeds, includeDeadLetters bool) (checkpoint.Result, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := a.startServer(stop)
	defer a.stopServer(srv)

	if a.opts.Resume {
		return a.resume(ctx, includeDeadLetters)
	}
	seedPapers, err := a.resolver.Resolve(ctx, titles, refreshSeeds)
	if err != nil {
		if ctx.Err() != nil {
			return a.interruptedBeforeCrawl(err), nil
		}
		return checkpoint.Result{}, fmt.Errorf("resolve seeds: %w", err)
	}
	a.logger.Info("seeds resolved", zap.Int("count", len(seedPapers)))
	return a.engine.Run(ctx, seedPapers)
}

// interruptedBeforeCrawl is the result of a signal that arrived before the
// engine started. Nothing was crawled, so no artifacts are written.
func (a *App) interruptedBeforeCrawl(cause error) checkpoint.Result {
	a.logger.Info("interrupted before crawl started", zap.NamedError("cause", cause))
	return checkpoint.Result{
		State: checkpoint.Exited,
		Manifest: checkpoint.Manifest{
			RunID:     a.run.ID,
			SessionID: a.sessionID,
			Status:    checkpoint.StatusInterrupted,
		},
	}
}

func (a *App) resume(ctx context.Context, includeDeadLetters bool) (checkpoint.Result, error) {
	if a.opts.ResumeFrom <= 0 || a.opts.ResumeFrom >= a.run.ID {
		return checkpoint.Result{}, fmt.Errorf("resume from run %d: %w", a.opts.ResumeFrom, checkpoint.ErrNoCheckpoint)
	}
	prev, err := checkpoint.OpenRun(a.cfg.Checkpoint.Root, a.opts.ResumeFrom)
	if err != nil {
		return checkpoint.Result{}, err
	}
	saved, err := a.loader.Load(ctx, prev)
	if err != nil {
		if ctx.Err() != nil {
			return a.interruptedBeforeCrawl(err), nil
		}
		return checkpoint.Result{}, err
	}

	remaining := saved.Remaining
	if includeDeadLetters {
		for _, d := range saved.DeadLetters {
			remaining = append(remaining, d.PaperID)
		}
	} else {
		a.retries.Restore(saved.DeadLetters)
	}
	a.logger.Info("loaded checkpoint",
		zap.Int("from_run", prev.ID),
		zap.Int("papers", len(saved.Papers)),
		zap.Int("remaining", len(remaining)),
		zap.Int("dead_letters", len(saved.DeadLetters)),
	)
	return a.engine.Resume(ctx, saved.Papers, remaining)
}

func (a *App) startServer(stop context.CancelFunc) *http.Server {
	if a.apiServer == nil {
		return nil
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()
	return srv
}

func (a *App) stopServer(srv *http.Server) {
	if srv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
}

// Close flushes events and releases clients.
func (a *App) Close(ctx context.Context) error {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.graphStore != nil {
		if err := a.graphStore.Close(); err != nil {
			a.logger.Warn("graph store close failed", zap.Error(err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return nil
}

func setupTelemetry(ctx context.Context, app *App) error {
	if !app.cfg.Telemetry.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: app.cfg.Telemetry.ServiceName,
		ProjectID:   app.cfg.Telemetry.ProjectID,
	})
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	app.tracer = tp
	app.logger.Info("tracing initialized", zap.Bool("cloud_trace", app.cfg.Telemetry.ProjectID != ""))
	return nil
}

func setupStorage(ctx context.Context, app *App) (paper.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("mirroring checkpoints to GCS")
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: app.cfg.Storage.Bucket,
			Prefix: app.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend",
			zap.String("bucket", app.cfg.Storage.Bucket),
			zap.String("prefix", app.cfg.Storage.Prefix),
		)
		return blobStore, nil
	case "memory":
		app.logger.Info("mirroring checkpoints in memory")
		return memoryStorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Debug("no database DSN, graph mirror disabled")
		return nil
	}
	var err error
	app.graphStore, err = pgstore.NewGraphStore(ctx, pgstore.Config{
		DSN:      app.cfg.Database.DSN,
		MaxConns: app.cfg.Database.MaxConns,
	}, app.logger.Named("postgres"))
	if err != nil {
		return fmt.Errorf("graph store init failed: %w", err)
	}
	app.logger.Info("graph store initialized")
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Debug("no Pub/Sub topic configured, using in-memory publisher")
		app.publisher = memorypublisher.New()
		return nil
	}
	pub, err := gcppublisher.New(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.publisher = pub
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return nil
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	if !app.cfg.Events.Enabled {
		app.logger.Info("progress events disabled")
		return progress.Nop{}, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if app.graphStore != nil {
		sinkList = append(sinkList, progresssinks.NewGraphSink(app.graphStore, app.logger.Named("progress_graph")))
	}
	if app.cfg.Events.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Events.BufferSize,
		MaxBatchEvents: app.cfg.Events.MaxBatch,
		MaxBatchWait:   time.Duration(app.cfg.Events.MaxWaitMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub, nil
}

func setupSource(app *App) *semanticscholar.Client {
	var limiter semanticscholar.Limiter
	if app.cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{RPS: app.cfg.RateLimit.RPS, Burst: app.cfg.RateLimit.Burst})
	}
	return semanticscholar.New(semanticscholar.Config{
		BaseURL:      app.cfg.Source.BaseURL,
		APIKey:       app.cfg.Source.APIKey,
		PageLimit:    app.cfg.Source.PageLimit,
		MaxPages:     app.cfg.Source.MaxPages,
		Timeout:      app.cfg.HTTPTimeout(),
		MaxRetries:   app.cfg.HTTP.MaxRetries,
		RetryWaitMin: time.Duration(app.cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		RetryWaitMax: time.Duration(app.cfg.HTTP.BackoffMaxMs) * time.Millisecond,
	}, limiter, app.logger.Named("source"))
}
