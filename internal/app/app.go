package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/common"
	"github.com/paperpilot/paperpilot/internal/handlers"
	"github.com/paperpilot/paperpilot/internal/interfaces"
	"github.com/paperpilot/paperpilot/internal/jobs"
	"github.com/paperpilot/paperpilot/internal/llm"
	"github.com/paperpilot/paperpilot/internal/monitoring"
	"github.com/paperpilot/paperpilot/internal/notify"
	"github.com/paperpilot/paperpilot/internal/queue"
	"github.com/paperpilot/paperpilot/internal/stages"
	storagebadger "github.com/paperpilot/paperpilot/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage and queue
	StorageManager *storagebadger.Manager
	QueueManager   *queue.Manager

	// LLM provider factory (Claude / Gemini)
	LLMFactory *llm.ProviderFactory

	// Email notifications (no-op when SendGrid is not configured)
	Notifier interfaces.Notifier

	// Pipeline components
	Reporter     *jobs.Reporter
	Gate         *jobs.Gate
	Executor     *jobs.Executor
	Consumer     *jobs.Consumer
	DLQProcessor *jobs.DLQProcessor
	Watchdog     *jobs.Watchdog

	// Monitoring aggregates
	Metrics *monitoring.Metrics

	// HTTP handlers
	APIHandler     *handlers.APIHandler
	JobHandler     *handlers.JobHandler
	ResultsHandler *handlers.ResultsHandler
	MetricsHandler *handlers.MetricsHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initPipeline(); err != nil {
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Str("environment", cfg.Environment).
		Str("queue", cfg.Queue.QueueName).
		Int("concurrency", cfg.Queue.Concurrency).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage initializes the Badger storage layer and the queue on top of it
func (a *App) initStorage() error {
	manager, err := storagebadger.NewManager(a.Logger, &a.Config.Storage.Badger, a.Config.Results.Prefix)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = manager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	// The queue shares the storage Badger instance so a job document write
	// and its enqueue land in the same database
	queueMgr, err := queue.NewManager(
		manager.DB().Badger(),
		a.Config.Queue.QueueName,
		parseDuration(a.Config.Queue.VisibilityTimeout, 5*time.Minute),
		a.Config.Queue.MaxReceive,
		a.Logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create queue manager: %w", err)
	}
	a.QueueManager = queueMgr
	a.Logger.Debug().Str("queue_name", a.Config.Queue.QueueName).Msg("Queue manager initialized")

	return nil
}

// initPipeline wires the stages, the executor, and the recovery loops
func (a *App) initPipeline() error {
	store := a.StorageManager.JobStorage()
	artifacts := a.StorageManager.ArtifactStorage()

	a.LLMFactory = llm.NewProviderFactory(&a.Config.Gemini, &a.Config.Claude, &a.Config.LLM, a.Logger)

	notifier := notify.NewSendGridNotifier(&a.Config.Email, &a.Config.Frontend, a.Logger)
	a.Notifier = notifier
	if !notifier.Enabled() {
		a.Logger.Debug().Msg("SendGrid not configured, email notifications disabled")
	}

	openalex := stages.NewOpenAlexClient(&a.Config.OpenAlex, a.Logger)
	stageList := []stages.Stage{
		stages.NewSearchStage(openalex, &a.Config.OpenAlex, a.Logger),
		stages.NewEloStage(a.LLMFactory, a.Logger),
		stages.NewReportStage(a.LLMFactory, a.Logger),
	}

	a.Reporter = jobs.NewReporter(store, a.Config.Jobs.MaxEvents, a.Logger)
	a.Gate = jobs.NewGate(store, a.Config.StaleThreshold(), a.Logger)
	a.Executor = jobs.NewExecutor(
		a.Gate,
		a.Reporter,
		store,
		a.QueueManager,
		artifacts,
		a.Notifier,
		stageList,
		a.Config.Results.Prefix,
		a.Config.ReportTimeout(),
		a.Logger,
	)

	a.Consumer = jobs.NewConsumer(
		a.QueueManager,
		a.Executor,
		a.Config.Queue.Concurrency,
		parseDuration(a.Config.Queue.PollInterval, time.Second),
		a.Logger,
	)
	a.DLQProcessor = jobs.NewDLQProcessor(a.QueueManager.DLQ(), store, a.Reporter, 30*time.Second, a.Logger)
	a.Watchdog = jobs.NewWatchdog(
		store,
		a.QueueManager,
		a.Reporter,
		a.Executor,
		a.Config.StaleThreshold(),
		a.Config.RunningRescueThreshold(),
		a.Config.QueuedThreshold(),
		a.Logger,
	)

	a.Metrics = monitoring.NewMetrics(store, artifacts, a.Config.Results.Prefix, a.Logger)

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	store := a.StorageManager.JobStorage()
	artifacts := a.StorageManager.ArtifactStorage()

	a.APIHandler = handlers.NewAPIHandler()
	a.JobHandler = handlers.NewJobHandler(store, a.QueueManager, a.Reporter, a.Config.Jobs.TTLDays, a.Config.Jobs.MaxEvents, a.Logger)
	a.ResultsHandler = handlers.NewResultsHandler(store, artifacts, a.Config.Results.Prefix, a.Logger)
	a.MetricsHandler = handlers.NewMetricsHandler(a.Metrics, a.Logger)
}

// Start launches the background loops: the queue consumer, the dead-letter
// drain, and the recovery watchdogs
func (a *App) Start(ctx context.Context) error {
	a.Consumer.Start(ctx)
	a.DLQProcessor.Start(ctx)
	if err := a.Watchdog.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watchdog: %w", err)
	}
	return nil
}

// Close stops the background loops and releases resources in reverse
// dependency order
func (a *App) Close() error {
	if a.Watchdog != nil {
		a.Watchdog.Stop()
		a.Logger.Info().Msg("Watchdog stopped")
	}
	if a.DLQProcessor != nil {
		a.DLQProcessor.Stop()
		a.Logger.Info().Msg("DLQ processor stopped")
	}
	if a.Consumer != nil {
		a.Consumer.Stop()
		a.Logger.Info().Msg("Consumer stopped")
	}

	if a.LLMFactory != nil {
		if err := a.LLMFactory.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close LLM factory")
		}
	}

	if a.QueueManager != nil {
		if err := a.QueueManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close queue manager")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
