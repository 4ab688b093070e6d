package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/symphonyhq/messenger/internal/api/handler"
	"github.com/symphonyhq/messenger/internal/api/router"
	"github.com/symphonyhq/messenger/internal/config"
	"github.com/symphonyhq/messenger/internal/messenger/deadletter"
	"github.com/symphonyhq/messenger/internal/messenger/dispatcher"
	"github.com/symphonyhq/messenger/internal/messenger/domain"
	"github.com/symphonyhq/messenger/internal/messenger/health"
	"github.com/symphonyhq/messenger/internal/messenger/metrics"
	"github.com/symphonyhq/messenger/internal/messenger/transport"
	"github.com/symphonyhq/messenger/internal/messenger/worker"
	"github.com/symphonyhq/messenger/shared/logger"
	"github.com/symphonyhq/messenger/shared/postgresql"
	"github.com/symphonyhq/messenger/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize the durable transport
	tr, cleanupTransport, err := initTransport(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}
	defer cleanupTransport()

	appLogger.Info("Transport ready", slog.String("transport", tr.Name()))

	// Initialize the RabbitMQ wake listener (optional). Losing a wake-up is
	// harmless; the worker polls anyway.
	var wake <-chan struct{}
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		wake, err = rabbitClient.Wake("worker-service", cfg.Messenger.DefaultQueue)
		if err != nil {
			return fmt.Errorf("failed to subscribe to wake notifications: %w", err)
		}
		appLogger.Info("RabbitMQ wake listener established")
	}

	// Register message handlers
	registry := worker.NewRegistry()
	registerHandlers(registry, appLogger.Logger)

	appLogger.Info("Handlers registered", slog.Any("types", registry.Types()))

	// Create worker instance
	workerCfg := cfg.Messenger.Worker
	workerInstance := worker.New(&worker.Config{
		Logger:          appLogger.Logger,
		Transport:       tr,
		Registry:        registry,
		Queue:           cfg.Messenger.DefaultQueue,
		BatchSize:       workerCfg.BatchSize,
		MaxConcurrency:  workerCfg.MaxConcurrency,
		PollInterval:    workerCfg.PollInterval,
		MessageLimit:    workerCfg.MessageLimit,
		TimeLimit:       workerCfg.TimeLimit,
		MemoryLimit:     workerCfg.MemoryLimitMB * 1024 * 1024,
		FailureLimit:    workerCfg.FailureLimit,
		ShutdownTimeout: workerCfg.ShutdownTimeout,
		Backoff: worker.BackoffPolicy{
			Base:           cfg.Messenger.Backoff.Base,
			MaxDelay:       cfg.Messenger.Backoff.MaxDelay,
			JitterFraction: cfg.Messenger.Backoff.JitterFraction,
		},
		Wake: wake,
	})

	// Feed processing samples from the event stream into the collector
	collector := metrics.NewCollector(cfg.Messenger.MetricsRetention)
	go recordSamples(workerInstance.Subscribe(256), collector)

	// Wire the admin surface: dispatcher (dead-letter retries go through
	// it), dead-letter service and health monitor.
	disp := dispatcher.New(&dispatcher.Config{
		Logger:             appLogger.Logger,
		Transports:         map[string]transport.Transport{tr.Name(): tr},
		DefaultTransport:   tr.Name(),
		DefaultQueue:       cfg.Messenger.DefaultQueue,
		DefaultMaxAttempts: cfg.Messenger.DefaultMaxAttempts,
	})
	deadLetters := deadletter.NewService(appLogger.Logger, tr, disp)
	monitor := health.NewMonitor(appLogger.Logger, tr, cfg.Messenger.DefaultQueue, workerInstance, collector, health.Config{
		SoftQueueCeiling:   cfg.Messenger.Health.SoftQueueCeiling,
		HardQueueCeiling:   cfg.Messenger.Health.HardQueueCeiling,
		ErrorRateThreshold: cfg.Messenger.Health.ErrorRateThreshold,
		Window:             cfg.Messenger.Health.Window,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reclaim messages stranded by crashed workers
	if workerCfg.ReclaimInterval > 0 && workerCfg.ReclaimAfter > 0 {
		go reclaimLoop(ctx, appLogger.Logger, tr, cfg.Messenger.DefaultQueue, workerCfg.ReclaimAfter, workerCfg.ReclaimInterval)
	}

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- workerInstance.Start(ctx)
	}()

	// Serve the admin HTTP surface (health, metrics, dead letters, stats)
	srv := startAdminServer(cfg, appLogger.Logger, &handler.Dependencies{
		Logger:      appLogger.Logger,
		Dispatcher:  disp,
		DeadLetters: deadLetters,
		Health:      monitor,
		Metrics:     collector,
		StatsFunc:   workerInstance.Stats,
	})

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal or worker self-termination
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
		workerInstance.Stop()
		<-errChan
	case err := <-errChan:
		if err != nil {
			appLogger.Error("Worker error",
				slog.Any("error", err),
			)
		} else {
			appLogger.Info("Worker reached a configured limit, shutting down",
				slog.String("reason", string(workerInstance.Stats().ShutdownReason)),
			)
		}
	}

	// Stop the reclaim loop and shut the admin server down
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Admin server forced to shutdown",
			slog.Any("error", err),
		)
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// registerHandlers binds message types to their handlers. Deployments add
// their business handlers here; echo stays as a wiring smoke test.
func registerHandlers(registry *worker.Registry, log *slog.Logger) {
	registry.Register("messenger.echo", func(ctx context.Context, msg *domain.Message) error {
		var body map[string]any
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			return domain.NewFatalError(fmt.Errorf("malformed echo payload: %w", err))
		}
		log.Info("Echo message",
			slog.String("message_id", msg.ID),
			slog.Any("payload", body),
		)
		return nil
	})
}

// recordSamples turns message_processed events into metrics samples.
func recordSamples(events <-chan worker.Event, collector *metrics.Collector) {
	for e := range events {
		if e.Kind != worker.EventMessageProcessed {
			continue
		}
		collector.Record(metrics.Sample{
			MessageID:   e.MessageID,
			MessageType: e.MessageType,
			Duration:    e.Duration,
			Success:     e.Success,
			RetryCount:  e.Attempts,
			At:          e.At,
		})
	}
}

// reclaimLoop periodically releases claims older than the reclaim age so
// messages stranded by a crashed worker become claimable again.
func reclaimLoop(ctx context.Context, log *slog.Logger, tr transport.Transport, queue string, olderThan, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := tr.Reclaim(ctx, queue, olderThan)
			if err != nil {
				log.Warn("Failed to reclaim stale claims",
					slog.String("queue", queue),
					slog.Any("error", err),
				)
				continue
			}
			if n > 0 {
				log.Info("Reclaimed stale claims",
					slog.String("queue", queue),
					slog.Int("count", n),
				)
			}
		}
	}
}

// startAdminServer serves the shared admin routes next to the worker.
func startAdminServer(cfg *config.Config, log *slog.Logger, deps *handler.Dependencies) *http.Server {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router.SetupRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Admin server failed",
				slog.Any("error", err),
			)
		}
	}()

	log.Info("Admin server listening", slog.String("address", addr))
	return srv
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initTransport opens the configured durable transport. For postgres the
// shared connection pool is built first so pool settings apply.
func initTransport(cfg *config.Config, log *slog.Logger) (transport.Transport, func(), error) {
	kind, err := transport.ParseKind(cfg.Messenger.Transport)
	if err != nil {
		return nil, nil, err
	}

	switch kind {
	case transport.KindPostgres:
		dbClient, err := postgresql.NewClient(&postgresql.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.Database,
			SSLMode:         cfg.Database.SSLMode,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		tr, err := transport.Open(kind, transport.Options{DB: dbClient.GetDB(), Logger: log})
		if err != nil {
			dbClient.Close()
			return nil, nil, err
		}
		return tr, func() {
			tr.Close()
			dbClient.Close()
		}, nil
	case transport.KindSQLite:
		tr, err := transport.Open(kind, transport.Options{DSN: cfg.Messenger.SQLitePath, Logger: log})
		if err != nil {
			return nil, nil, err
		}
		return tr, func() { tr.Close() }, nil
	default:
		tr, err := transport.Open(kind, transport.Options{Logger: log})
		if err != nil {
			return nil, nil, err
		}
		return tr, func() { tr.Close() }, nil
	}
}

// initRabbitMQ initializes the RabbitMQ wake notifier client
func initRabbitMQ(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		User:          cfg.User,
		Password:      cfg.Password,
		VHost:         cfg.VHost,
		Exchange:      cfg.Exchange,
		Queue:         cfg.Queue,
		RetryAttempts: cfg.RetryAttempts,
		RetryInterval: cfg.RetryInterval,
		Heartbeat:     cfg.Heartbeat,
	}, log)
}
