package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/aggregation"
	"github.com/ternarybob/geosafe/internal/common"
	"github.com/ternarybob/geosafe/internal/handlers"
	"github.com/ternarybob/geosafe/internal/headless"
	"github.com/ternarybob/geosafe/internal/ingest"
	"github.com/ternarybob/geosafe/internal/locator"
	"github.com/ternarybob/geosafe/internal/models"
	"github.com/ternarybob/geosafe/internal/pipeline"
	"github.com/ternarybob/geosafe/internal/queue"
	"github.com/ternarybob/geosafe/internal/reconcile"
	"github.com/ternarybob/geosafe/internal/services/analysis"
	"github.com/ternarybob/geosafe/internal/services/kv"
	"github.com/ternarybob/geosafe/internal/services/layers"
	"github.com/ternarybob/geosafe/internal/services/mailer"
	"github.com/ternarybob/geosafe/internal/services/publisher"
	"github.com/ternarybob/geosafe/internal/services/scheduler"
	"github.com/ternarybob/geosafe/internal/storage/badger"
)

// jobTimeout bounds a single maintenance job run
const jobTimeout = 30 * time.Minute

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager *badger.Manager

	// Task pipeline
	Broker     *queue.Broker
	WorkerPool *queue.WorkerPool
	Gateway    *headless.Client
	Locator    *locator.Locator
	Preparer   *aggregation.Preparer
	Ingestor   *ingest.Ingestor
	Builder    *pipeline.Builder
	Tracker    *reconcile.Tracker

	// Services
	PublisherService *publisher.Service
	MailerService    *mailer.Service
	AnalysisService  *analysis.Service
	LayerService     *layers.Service
	KVService        *kv.Service
	SchedulerService *scheduler.Service

	// HTTP handlers
	APIHandler       *handlers.APIHandler
	AnalysisHandler  *handlers.AnalysisHandler
	LayerHandler     *handlers.LayerHandler
	BrokerHandler    *handlers.BrokerHandler
	KVHandler        *handlers.KVHandler
	SchedulerHandler *handlers.SchedulerHandler
	WSHandler        *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initPipeline(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	// workers start last so every stage handler is registered
	if err := app.WorkerPool.Start(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}

	if cfg.Scheduler.Enabled {
		if err := app.SchedulerService.Start(); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	logger.Info().
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Bool("notifications_enabled", cfg.Notification.Enabled).
		Str("publisher", cfg.Publisher.Backend).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	manager, err := badger.NewManager(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = manager

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return nil
}

// initPipeline creates the broker and everything the analysis stages need
func (a *App) initPipeline() error {
	var err error
	storage := a.StorageManager

	a.Broker, err = queue.NewBroker(storage.Database().DB(), queue.ConfigFromCommon(a.Config.Queue), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	headless.RegisterInspectors(a.Broker)
	a.Gateway = headless.NewClient(a.Broker, a.Logger)

	a.Locator, err = locator.New(a.Config.Layers, a.Config.Impact)
	if err != nil {
		return fmt.Errorf("failed to create layer locator: %w", err)
	}

	a.Preparer = aggregation.NewPreparer(a.Config.Aggregation, a.Locator, storage.AnalysisStorage(), a.Logger)

	a.PublisherService, err = publisher.NewService(context.Background(), a.Config.Publisher, storage.LayerStorage(), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}

	a.MailerService = mailer.NewService(a.Config.Notification, storage.KeyValueStorage(), a.Logger)

	a.Ingestor, err = ingest.NewIngestor(
		a.Config.Analysis,
		storage.AnalysisStorage(),
		storage.LayerStorage(),
		a.Locator,
		a.Gateway,
		a.PublisherService,
		a.MailerService,
		a.Logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create result ingestor: %w", err)
	}

	a.Builder = pipeline.NewBuilder(
		a.Config.Analysis,
		storage.AnalysisStorage(),
		storage.LayerStorage(),
		a.Locator,
		a.Preparer,
		a.Broker,
		a.Logger,
	)

	a.Tracker = reconcile.NewTracker(a.Broker.Backend(), storage.AnalysisStorage(), storage.ExecutionRecordStorage(), a.Logger)
	a.WorkerPool = queue.NewWorkerPool(a.Broker, a.Logger)
	return nil
}

func (a *App) initServices() error {
	storage := a.StorageManager

	a.AnalysisService = analysis.NewService(
		a.Config,
		storage,
		a.PublisherService,
		a.Builder,
		a.Broker,
		a.Tracker,
		a.Preparer,
		a.Logger,
	)

	stages := pipeline.NewHandlers(
		storage.AnalysisStorage(),
		storage.LayerStorage(),
		a.Locator,
		a.Ingestor,
		a.Preparer,
		a.AnalysisService,
		a.Broker,
		a.Logger,
	)
	stages.Register(a.WorkerPool)

	a.LayerService = layers.NewService(storage.LayerStorage(), a.PublisherService, a.PublisherService, a.Broker, a.Logger)
	a.KVService = kv.NewService(storage.KeyValueStorage(), a.Logger)

	a.SchedulerService = scheduler.NewService(jobTimeout, a.Logger)
	if a.Config.Scheduler.Enabled {
		sweep := &queuedSweep{broker: a.Broker}
		if err := scheduler.RegisterMaintenanceJobs(a.SchedulerService, a.Config.Scheduler, sweep, a.Tracker, a.Logger); err != nil {
			return fmt.Errorf("failed to register maintenance jobs: %w", err)
		}
		if err := scheduler.RegisterCompactionJob(a.SchedulerService, a.Config.Scheduler.CompactionSchedule, storage.Database()); err != nil {
			return fmt.Errorf("failed to register compaction job: %w", err)
		}
	}
	return nil
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Gateway, a.Logger)
	a.AnalysisHandler = handlers.NewAnalysisHandler(a.AnalysisService, a.PublisherService, a.Logger)
	a.LayerHandler = handlers.NewLayerHandler(a.LayerService, a.Logger)
	a.BrokerHandler = handlers.NewBrokerHandler(a.Broker, a.Broker.Backend(), a.Logger)
	a.KVHandler = handlers.NewKVHandler(a.KVService, a.Logger)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.AnalysisService, 0, a.Logger)
}

// Close stops background work and closes storage
func (a *App) Close() error {
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	if a.WorkerPool != nil {
		a.WorkerPool.Stop()
		a.Logger.Info().Msg("Worker pool stopped")
	}

	if a.WSHandler != nil {
		a.WSHandler.CloseAll()
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}
	return nil
}

// queuedSweep runs the retention sweep as a task on the cleanup queue, so it
// is serialized with the other cleanup work
type queuedSweep struct {
	broker *queue.Broker
}

func (q *queuedSweep) SweepResults(ctx context.Context) error {
	sig, err := models.NewSignature(pipeline.TaskCleanImpactResult, queue.QueueCleanup)
	if err != nil {
		return err
	}
	_, err = q.broker.Send(ctx, sig)
	return err
}
