package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/config"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/database"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/delivery/httpd"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/engine"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/lock"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/repository"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/retry"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/service"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/worker"
	"github.com/RubachokBoss/plagiarism-checker/manuscript-service/internal/worker/queue"
)

const startupSweepTimeout = 30 * time.Second

type closer struct {
	name string
	fn   func() error
}

type App struct {
	server      *http.Server
	logger      zerolog.Logger
	config      *config.Config
	coordinator *service.Coordinator
	lifecycle   *service.Lifecycle
	worker      *worker.SubmissionWorker
	workerOn    bool
	closers     []closer
}

func New(cfg *config.Config, log zerolog.Logger, version string) (*App, error) {
	a := &App{logger: log, config: cfg}
	built := false
	defer func() {
		if !built {
			a.closeAll()
		}
	}()

	var err error

	checks := make(map[string]httpd.HealthCheck)

	var (
		manuscripts repository.ManuscriptRepository
		jobs        repository.JobRepository
	)
	switch cfg.Storage.Driver {
	case "postgres":
		db, err := database.NewPostgres(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		pg := repository.NewPostgresRepository(db, log)
		a.closers = append(a.closers, closer{"postgres", pg.Close})
		checks["postgres"] = pg.Ping

		manuscripts = repository.NewManuscriptRepository(db, log)
		jobs = repository.NewJobRepository(db, log)
		log.Info().Msg("Database connection established")
	default:
		manuscripts = repository.NewMemoryManuscriptRepository()
		jobs = repository.NewMemoryJobRepository()
		log.Warn().Msg("Using in-memory document store; state is lost on restart")
	}

	var texts repository.TextRepository = repository.NewMemoryTextRepository()
	if cfg.MinIO.Enabled {
		store, err := repository.NewMinIORepository(
			cfg.MinIO.Endpoint,
			cfg.MinIO.AccessKey,
			cfg.MinIO.SecretKey,
			cfg.MinIO.Bucket,
			cfg.MinIO.Region,
			cfg.MinIO.UseSSL,
			cfg.MinIO.ConnectTimeout,
			log,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize MinIO: %w", err)
		}
		texts = store
		checks["minio"] = store.Ping
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Enabled {
		rdb, err := lock.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password)
		if err != nil {
			return nil, err
		}
		rl := lock.NewRedis(rdb, cfg.Redis.LockTTL, cfg.Redis.LockRetry, log)
		a.closers = append(a.closers, closer{"redis", rl.Close})
		checks["redis"] = rl.Ping
		locker = rl
	}

	events := service.NopPublisher()
	var broker *queue.RabbitMQ
	if cfg.RabbitMQ.Enabled {
		broker, err = queue.NewRabbitMQ(cfg.RabbitMQ.URL, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closer{"rabbitmq", broker.Close})
		checks["rabbitmq"] = broker.Ping

		if err := broker.DeclareExchange(cfg.RabbitMQ.Exchange); err != nil {
			return nil, err
		}
		events = queue.NewEventPublisher(broker, queue.Routing{
			Exchange:   cfg.RabbitMQ.Exchange,
			Transition: cfg.RabbitMQ.TransitionRouting,
			Verdict:    cfg.RabbitMQ.VerdictRouting,
		}, log)
	}

	eng, err := newEngine(cfg.Engine, log)
	if err != nil {
		return nil, err
	}

	executor := retry.NewExecutor(retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}, log)

	a.coordinator = service.NewCoordinator(jobs, eng, executor, events, service.CoordinatorConfig{
		PollInterval:        cfg.Screening.PollInterval,
		PollBudget:          cfg.Screening.PollBudget,
		SimilarityThreshold: cfg.Screening.SimilarityThreshold,
	}, log)
	a.lifecycle = service.NewLifecycle(manuscripts, texts, a.coordinator, locker, events, service.LifecycleConfig{
		Quorum:       cfg.Review.Quorum,
		AutoFinalize: cfg.Review.AutoFinalize,
	}, log)
	a.coordinator.SetVerdictSink(a.lifecycle.OnVerdict)

	// Jobs left queued or running by a previous process would otherwise hold
	// their manuscripts in plagiarism_pending forever.
	sweepCtx, cancelSweep := context.WithTimeout(context.Background(), startupSweepTimeout)
	retired, sweepErr := a.coordinator.Reconcile(sweepCtx, cfg.Screening.OrphanAfter)
	cancelSweep()
	if sweepErr != nil {
		log.Error().Err(sweepErr).Msg("Failed to reconcile orphaned plagiarism jobs")
	} else if retired > 0 {
		log.Warn().Int("jobs", retired).Msg("Retired orphaned plagiarism jobs")
	}

	if broker != nil {
		if err := broker.SetupQueue(cfg.RabbitMQ.Exchange, cfg.RabbitMQ.SubmissionQueue, cfg.RabbitMQ.SubmissionRouting); err != nil {
			return nil, err
		}
		consumer := queue.NewSubmissionConsumer(broker.Channel(), cfg.RabbitMQ.SubmissionQueue, cfg.RabbitMQ.ConsumerTag, cfg.RabbitMQ.PrefetchCount, log)
		a.worker = worker.NewSubmissionWorker(worker.NewWorkerPool(cfg.Worker.MaxWorkers, log), consumer, a.lifecycle, log)
		checks["submission_queue"] = func(context.Context) error {
			_, err := a.worker.Backlog()
			return err
		}
	}

	auth := httpd.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	handler := httpd.NewHandler(a.lifecycle, a.coordinator, auth, checks, version, log)

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(httpd.RequestLogger(log))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}))

	handler.RegisterRoutes(router)

	a.server = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	a.coordinator.StartReconciler(cfg.Screening.ReconcileInterval, cfg.Screening.OrphanAfter)

	built = true
	return a, nil
}

func newEngine(cfg config.EngineConfig, log zerolog.Logger) (engine.Engine, error) {
	switch cfg.Kind {
	case "http":
		return engine.NewHTTPEngine(cfg.URL, cfg.APIKey, cfg.Timeout, log), nil
	case "process":
		return engine.NewProcessEngine(cfg.Command, cfg.Args, cfg.Timeout, log), nil
	default:
		return nil, fmt.Errorf("unsupported engine kind %q", cfg.Kind)
	}
}

// Run serves HTTP until Shutdown is called.
func (a *App) Run() error {
	a.logger.Info().Msgf("Starting manuscript service on %s", a.config.Server.Address)
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWorker consumes submission messages until ctx is cancelled.
func (a *App) StartWorker(ctx context.Context) error {
	if a.worker == nil {
		return errors.New("submission worker requires rabbitmq.enabled")
	}
	if err := a.worker.Start(ctx); err != nil {
		return err
	}
	a.workerOn = true
	return nil
}

// Shutdown stops intake first, then lets screening tasks record their final
// state before the stores they write to are closed.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down manuscript service...")

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if a.workerOn {
		if err := a.worker.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := a.coordinator.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	a.closeAll()
	return errors.Join(errs...)
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Error().Err(err).Str("resource", c.name).Msg("Failed to close resource")
		}
	}
	a.closers = nil
}
