package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	natsgo "github.com/nats-io/nats.go"

	httpadapter "github.com/kirillkom/invoice-inspector/internal/adapters/http"
	mcpadapter "github.com/kirillkom/invoice-inspector/internal/adapters/mcp"
	"github.com/kirillkom/invoice-inspector/internal/config"
	"github.com/kirillkom/invoice-inspector/internal/core/ports"
	"github.com/kirillkom/invoice-inspector/internal/core/usecase"
	"github.com/kirillkom/invoice-inspector/internal/infrastructure/auth/jwtauth"
	"github.com/kirillkom/invoice-inspector/internal/infrastructure/extractor/document"
	"github.com/kirillkom/invoice-inspector/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/invoice-inspector/internal/infrastructure/queue/nats"
	"github.com/kirillkom/invoice-inspector/internal/infrastructure/report/xlsx"
	"github.com/kirillkom/invoice-inspector/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/invoice-inspector/internal/infrastructure/resilience"
	"github.com/kirillkom/invoice-inspector/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/invoice-inspector/internal/infrastructure/storage/minio"
	"github.com/kirillkom/invoice-inspector/internal/observability/metrics"
)

const Version = "0.1.0"

// advisoryLockConns bounds pooled connections pinned by held advisory locks.
const advisoryLockConns = 4

// Options tune the wiring per binary.
type Options struct {
	// Service names the NATS connection and the metrics namespace label.
	Service string
	// OnBreakerStateChange receives circuit breaker transitions.
	OnBreakerStateChange func(operation, from, to string)
	// Observer sees every extraction transition.
	Observer usecase.TransitionObserver
}

type App struct {
	Config config.Config

	Queue     ports.JobQueue
	Sessions  *usecase.SessionUseCase
	Ingest    *usecase.IngestDocumentUseCase
	Lifecycle *usecase.ExtractionUseCase
	Quota     *usecase.QuotaUseCase
	Profiles  *usecase.ProfileUseCase
	Scheduler *usecase.SchedulerUseCase
	Watchdog  *usecase.StaleExtractionWatchdog
	Processor *usecase.ProcessDocumentUseCase

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if opts.Service == "" {
		opts.Service = "invoice-inspector"
	}
	plans, err := config.LoadPlans(cfg.PlansFile)
	if err != nil {
		return nil, fmt.Errorf("load plans: %w", err)
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	docRepo := postgres.NewDocumentRepository(db)
	sessionRepo := postgres.NewSessionRepository(db)
	profileRepo := postgres.NewProfileRepository(db)

	resilienceCfg := resilience.DefaultConfig()
	resilienceCfg.OnStateChange = opts.OnBreakerStateChange
	executor := resilience.NewExecutor(resilienceCfg)

	storage, err := newObjectStorage(ctx, cfg, executor)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	conn, err := nats.Connect(cfg.NATSURL, opts.Service, nats.Options{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init message queue: %w", err)
	}
	queue := nats.NewQueue(conn, cfg.NATSJobsSubject, executor)
	events := nats.NewEventPublisher(conn, cfg.NATSEventsSubjectPrefix, executor)

	quotaUC := usecase.NewQuotaUseCase(docRepo, plans)
	profileUC := usecase.NewProfileUseCase(profileRepo, plans)
	aggregator := usecase.NewSessionAggregator(sessionRepo, docRepo, events)

	lifecycleUC := usecase.NewExtractionUseCase(docRepo, profileRepo, queue, quotaUC, aggregator, events, usecase.ExtractionPolicy{
		ManualPriority: cfg.ExtractionManualPrio,
		TokenReserve:   cfg.ExtractionTokenReserve,
		RetryCooldown:  cfg.SchedulerRetryCooldown,
	})
	if opts.Observer != nil {
		lifecycleUC.SetObserver(opts.Observer)
	}

	schedulerUC := usecase.NewSchedulerUseCase(docRepo, profileRepo, quotaUC, lifecycleUC, usecase.SchedulerConfig{
		BatchSize:          cfg.SchedulerBatchSize,
		SessionConcurrency: cfg.SchedulerSessionLimit,
		DispatchWorkers:    cfg.DispatchWorkers,
		RetryCooldown:      cfg.SchedulerRetryCooldown,
		TokenReserve:       cfg.ExtractionTokenReserve,
	})

	locker := postgres.NewAdvisoryLocker(db, advisoryLockConns)
	schedulerUC.SetLocker(locker)

	sessionUC := usecase.NewSessionUseCase(sessionRepo, docRepo, aggregator, xlsx.NewRenderer(), events)
	sessionUC.SetDispatcher(schedulerUC)

	ingestUC := usecase.NewIngestDocumentUseCase(docRepo, sessionRepo, storage, quotaUC, aggregator, events, cfg.ExtractionMaxAttempts)
	ingestUC.SetDispatcher(schedulerUC)
	ingestUC.SetLocker(locker)

	watchdog := usecase.NewStaleExtractionWatchdog(docRepo, lifecycleUC, usecase.WatchdogConfig{
		ExtractionTimeout: cfg.ExtractionTimeout,
		QueueTimeout:      cfg.ExtractionQueueTimeout,
		BatchSize:         cfg.SchedulerBatchSize,
	})

	extractor := document.NewExtractor(storage, cfg.ExtractionMaxFileBytes)
	invoices := ollama.NewInvoiceExtractor(ollama.New(cfg.OllamaURL, cfg.OllamaModel, executor))
	processUC := usecase.NewProcessDocumentUseCase(lifecycleUC, extractor, invoices)

	return &App{
		Config: cfg,
		Queue:  queue,

		Sessions:  sessionUC,
		Ingest:    ingestUC,
		Lifecycle: lifecycleUC,
		Quota:     quotaUC,
		Profiles:  profileUC,
		Scheduler: schedulerUC,
		Watchdog:  watchdog,
		Processor: processUC,

		closeFn: closeAll(conn, db),
	}, nil
}

// HTTPHandler builds the public API, including the MCP endpoint.
func (a *App) HTTPHandler(httpMetrics *metrics.HTTPServerMetrics) (http.Handler, error) {
	verifier, err := jwtauth.NewVerifier(a.Config.AuthJWTSecret, a.Config.AuthJWTIssuer)
	if err != nil {
		return nil, fmt.Errorf("init jwt verifier: %w", err)
	}

	mcpServer := mcpadapter.NewServer(mcpadapter.Tools{
		Sessions:  a.Sessions,
		Documents: a.Ingest,
		Lifecycle: a.Lifecycle,
		Quota:     a.Quota,
	}, Version)

	router, err := httpadapter.NewRouter(httpadapter.Services{
		Sessions:  a.Sessions,
		Exporter:  a.Sessions,
		Uploader:  a.Ingest,
		Documents: a.Ingest,
		Lifecycle: a.Lifecycle,
		Quota:     a.Quota,
		Profiles:  a.Profiles,
	}, verifier, httpadapter.Options{
		WorkerAPIKey:   a.Config.WorkerAPIKey,
		RateLimitRPS:   a.Config.RateLimitRPS,
		RateLimitBurst: a.Config.RateLimitBurst,
		MaxInFlight:    a.Config.APIMaxInFlight,
		QueueTimeout:   a.Config.APIQueueTimeout,
		MaxUploadBytes: a.Config.APIMaxUploadBytes,
		Metrics:        httpMetrics,
		MCP:            mcpadapter.NewHTTPHandler(mcpServer),
	})
	if err != nil {
		return nil, fmt.Errorf("init router: %w", err)
	}
	return router.Handler(), nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func newObjectStorage(ctx context.Context, cfg config.Config, executor *resilience.Executor) (ports.ObjectStorage, error) {
	switch cfg.StorageBackend {
	case "", "local":
		return localfs.New(cfg.StoragePath, cfg.StoragePublicBaseURL)
	case "minio":
		storage, err := minio.New(minio.Config{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.MinioBucket,
			UseSSL:        cfg.MinioUseSSL,
			PresignExpiry: cfg.MinioURLExpiry,
		}, executor)
		if err != nil {
			return nil, err
		}
		if err := storage.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return storage, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func closeAll(conn *natsgo.Conn, db *sql.DB) func() {
	return func() {
		_ = conn.Drain()
		_ = db.Close()
	}
}
