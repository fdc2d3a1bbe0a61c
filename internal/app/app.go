// Package app builds the long-lived services of the inspector and owns their
// shutdown. Commands receive a fully wired App.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/banner-inspector/internal/aggregator"
	"github.com/JakeFAU/banner-inspector/internal/api"
	"github.com/JakeFAU/banner-inspector/internal/clock/system"
	"github.com/JakeFAU/banner-inspector/internal/config"
	"github.com/JakeFAU/banner-inspector/internal/dispatcher"
	"github.com/JakeFAU/banner-inspector/internal/extractor"
	collyfetcher "github.com/JakeFAU/banner-inspector/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/banner-inspector/internal/fetcher/headless"
	"github.com/JakeFAU/banner-inspector/internal/headless/detector"
	idgen "github.com/JakeFAU/banner-inspector/internal/id/uuid"
	"github.com/JakeFAU/banner-inspector/internal/ingest"
	"github.com/JakeFAU/banner-inspector/internal/inspection"
	"github.com/JakeFAU/banner-inspector/internal/inspector"
	"github.com/JakeFAU/banner-inspector/internal/jobs"
	"github.com/JakeFAU/banner-inspector/internal/logging"
	"github.com/JakeFAU/banner-inspector/internal/pipeline"
	"github.com/JakeFAU/banner-inspector/internal/policy/ratelimit"
	"github.com/JakeFAU/banner-inspector/internal/progress"
	progresssinks "github.com/JakeFAU/banner-inspector/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/banner-inspector/internal/publisher/pubsub"
	memqueue "github.com/JakeFAU/banner-inspector/internal/queue/memory"
	redisqueue "github.com/JakeFAU/banner-inspector/internal/queue/redis"
	gcsstorage "github.com/JakeFAU/banner-inspector/internal/storage/gcs"
	localstorage "github.com/JakeFAU/banner-inspector/internal/storage/local"
	memorystorage "github.com/JakeFAU/banner-inspector/internal/storage/memory"
	"github.com/JakeFAU/banner-inspector/internal/storage/migrations"
	pgstore "github.com/JakeFAU/banner-inspector/internal/storage/postgres"
	"github.com/JakeFAU/banner-inspector/internal/telemetry"
	"github.com/JakeFAU/banner-inspector/internal/vision/openai"
	"github.com/JakeFAU/banner-inspector/internal/worker"
)

// Version is stamped on traces. Overridden at link time.
var Version = "dev"

// Option customises Build.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	httpClient *http.Client
}

// WithLogger supplies the logger instead of building one from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers progress collectors on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithHTTPClient sets the client used for model calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// App holds every shared service.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	repo       inspection.Repository
	blobs      inspection.BlobStore
	extractor  *extractor.Extractor
	ingest     *ingest.Service
	jobs       *jobs.Service
	pipeline   *pipeline.Pipeline
	dispatch   *dispatcher.Dispatcher
	apiServer  *api.Server
	queue      inspection.Queue
	memQueue   *memqueue.Queue
	redisQueue *redisqueue.Queue

	pool           *pgxpool.Pool
	redisClient    *redis.Client
	headless       *headlessfetcher.Renderer
	storageClient  *storage.Client
	pubsubClient   *pubsub.Client
	publisher      *gcppublisher.Publisher
	progressHub    *progress.Hub
	tracerProvider *sdktrace.TracerProvider
}

// Build wires the application from cfg. On error everything opened so far is closed.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.tracerProvider, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	if err = a.setupDatabase(ctx); err != nil {
		return nil, err
	}
	if err = a.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err = a.setupQueue(); err != nil {
		return nil, err
	}
	emitter, err := a.setupProgress(ctx, o.registerer)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	ids := idgen.New()

	a.setupExtractor()
	a.ingest = ingest.New(a.extractor, a.repo, a.blobs, ids, clock, logger.Named("ingest"))

	model, err := a.setupModel(o.httpClient)
	if err != nil {
		return nil, err
	}
	insp := inspector.New(model, a.repo, ids, clock, cfg.ModelTimeout(), logger.Named("inspector"))
	agg := aggregator.New(a.repo, logger.Named("aggregator"))
	a.pipeline = pipeline.New(
		pipeline.Config{BatchSize: cfg.Inspection.BatchSize, IconsConfigKey: cfg.Inspection.IconsConfigKey},
		a.repo,
		insp,
		agg,
		a.blobs,
		ids,
		clock,
		emitter,
		logger.Named("pipeline"),
	)

	retry := worker.NewRetryPolicy(cfg.Inspection.MaxAttempts, 0, 0)
	runners := make([]dispatcher.Runner, 0, cfg.Inspection.Workers)
	for i := 0; i < cfg.Inspection.Workers; i++ {
		runners = append(runners, worker.New(a.queue, a.pipeline, retry, logger.Named("worker").With(zap.Int("index", i))))
	}
	a.dispatch = dispatcher.New(a.queue, runners)
	a.jobs = jobs.New(a.repo, a.dispatch, ids, clock, cfg.LeaseTTL(), logger.Named("jobs"))

	a.apiServer = api.NewServer(a.extractor, a.ingest, a.jobs, a.repo, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		Ready:          a.Ready,
		Logger:         logger.Named("api"),
	})

	logger.Info("application built",
		zap.Int("port", cfg.Server.Port),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("postgres", a.pool != nil),
		zap.Int("workers", cfg.Inspection.Workers),
	)
	return a, nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database dsn configured, using in-memory repository")
		a.repo = memorystorage.NewRepository()
		return nil
	}
	var err error
	a.pool, err = pgstore.NewPool(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.Database.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	if a.cfg.Database.MigrateOnStart {
		applied, err := migrations.Up(ctx, a.pool, a.logger.Named("migrations"))
		if err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
		a.logger.Info("migrations applied", zap.Strings("files", applied))
	}
	repo, err := pgstore.NewRepositoryWithPool(a.pool)
	if err != nil {
		return fmt.Errorf("postgres repository init failed: %w", err)
	}
	a.repo = repo
	a.logger.Info("postgres repository initialized")
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.storageClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.storageClient, gcsstorage.Config{
			Bucket:        a.cfg.Storage.Bucket,
			PublicBaseURL: a.cfg.Storage.PublicBaseURL,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
	case "local":
		a.blobs, err = localstorage.New(localstorage.Config{
			BaseDir:       a.cfg.Storage.LocalDir,
			PublicBaseURL: a.cfg.Storage.PublicBaseURL,
		})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
	default:
		a.logger.Info("using in-memory storage backend")
		a.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupQueue() error {
	if a.cfg.Queue.Backend != "redis" {
		a.memQueue = memqueue.NewQueue(a.cfg.Queue.Depth)
		a.queue = a.memQueue
		return nil
	}
	a.redisClient = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Queue.RedisAddr,
		Password: a.cfg.Queue.RedisPassword,
		DB:       a.cfg.Queue.RedisDB,
	})
	q, err := redisqueue.New(a.redisClient, redisqueue.Config{Key: a.cfg.Queue.RedisKey}, a.logger.Named("queue"))
	if err != nil {
		return fmt.Errorf("redis queue init failed: %w", err)
	}
	a.redisQueue = q
	a.queue = q
	a.logger.Info("using redis queue", zap.String("addr", a.cfg.Queue.RedisAddr), zap.String("key", a.cfg.Queue.RedisKey))
	return nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil, nil
	}
	var sinkList []progress.Sink
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	if a.cfg.Progress.TopicName != "" && a.cfg.Progress.ProjectID != "" {
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.Progress.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.publisher = gcppublisher.New(a.pubsubClient.Topic(a.cfg.Progress.TopicName))
		sinkList = append(sinkList, progresssinks.NewPublisherSink(a.publisher, a.logger.Named("progress_pubsub")))
		a.logger.Info("progress publisher initialized",
			zap.String("project", a.cfg.Progress.ProjectID),
			zap.String("topic", a.cfg.Progress.TopicName),
		)
	}

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatch,
		MaxBatchWait:   time.Duration(a.cfg.Progress.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return a.progressHub, nil
}

func (a *App) setupExtractor() {
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.Extractor.UserAgent,
		Timeout:   time.Duration(a.cfg.Extractor.PageTimeoutSeconds) * time.Second,
	})
	var limiter *ratelimit.Limiter
	if a.cfg.Extractor.CSSRequestsPerSec > 0 {
		limiter = ratelimit.New(ratelimit.Config{DefaultRPS: a.cfg.Extractor.CSSRequestsPerSec, DefaultBurst: 1})
	}
	a.extractor = extractor.New(extractor.Config{
		UserAgent:      a.cfg.Extractor.UserAgent,
		PageTimeout:    time.Duration(a.cfg.Extractor.PageTimeoutSeconds) * time.Second,
		CSSTimeout:     time.Duration(a.cfg.Extractor.CSSTimeoutSeconds) * time.Second,
		CSSMaxAttempts: a.cfg.Extractor.CSSMaxAttempts,
		CSSRetryWait:   time.Duration(a.cfg.Extractor.CSSRetryWaitMs) * time.Millisecond,
	}, fetcher, limiter, a.logger.Named("extractor"))

	if !a.cfg.Headless.Enabled {
		return
	}
	headless, err := headlessfetcher.NewRenderer(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Extractor.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
		CarouselWait:      time.Duration(a.cfg.Headless.CarouselWaitSec) * time.Second,
		Logger:            a.logger.Named("headless"),
	})
	if err != nil {
		a.logger.Warn("headless fetcher init failed", zap.Error(err))
		return
	}
	a.headless = headless
	a.extractor.WithHeadless(headless, detector.NewHeuristic(a.cfg.Headless.MinVisibleText))
	a.logger.Info("headless fetcher enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
}

func (a *App) setupModel(httpClient *http.Client) (inspection.VisionModel, error) {
	if a.cfg.Model.APIKey == "" {
		a.logger.Warn("model api key is not set, inspections will fail until it is configured")
		return unconfiguredModel{}, nil
	}
	var limiter openai.Limiter
	if a.cfg.Model.RequestsPerSecond > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.Model.RequestsPerSecond,
			DefaultBurst: a.cfg.Model.Burst,
		})
	}
	client, err := openai.New(openai.Config{
		BaseURL:     a.cfg.Model.BaseURL,
		APIKey:      a.cfg.Model.APIKey,
		Model:       a.cfg.Model.Name,
		MaxTokens:   a.cfg.Model.MaxTokens,
		Temperature: a.cfg.Model.Temperature,
	}, httpClient, limiter)
	if err != nil {
		return nil, fmt.Errorf("model client init failed: %w", err)
	}
	return client, nil
}

type unconfiguredModel struct{}

func (unconfiguredModel) Complete(context.Context, inspection.ModelRequest) (string, error) {
	return "", fmt.Errorf("model api key is required: %w", inspection.ErrMissingConfig)
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Repository returns the configured store.
func (a *App) Repository() inspection.Repository { return a.repo }

// Extractor returns the page extractor.
func (a *App) Extractor() *extractor.Extractor { return a.extractor }

// Ingest returns the crawl-and-store service.
func (a *App) Ingest() *ingest.Service { return a.ingest }

// Jobs returns the job lifecycle service.
func (a *App) Jobs() *jobs.Service { return a.jobs }

// Pipeline returns the job executor.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Ready pings the external backends the app depends on.
func (a *App) Ready(ctx context.Context) error {
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// RunWorkers requeues unacknowledged tasks and then runs the dispatcher until
// ctx is done.
func (a *App) RunWorkers(ctx context.Context) error {
	if a.redisQueue != nil {
		if _, err := a.redisQueue.Recover(ctx); err != nil {
			return fmt.Errorf("recover queue: %w", err)
		}
	}
	a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Inspection.Workers))
	a.dispatch.Run(ctx)
	a.logger.Info("dispatcher stopped")
	return nil
}

// Close shuts down every service that was started. It is safe to call on a
// partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub: %w", err))
		}
	}
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub client: %w", err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client: %w", err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis client: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}
