package main

import (
	"context"
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
	"github.com/symphonyhq/messenger/internal/messenger/health"
	"github.com/symphonyhq/messenger/internal/messenger/metrics"
	"github.com/symphonyhq/messenger/internal/messenger/transport"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
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

	// Initialize the RabbitMQ wake notifier (optional)
	var notifier dispatcher.Notifier
	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		notifier = rabbitClient
		appLogger.Info("RabbitMQ wake notifier established")
	}

	// Wire the dispatcher and the admin services
	disp := dispatcher.New(&dispatcher.Config{
		Logger:             appLogger.Logger,
		Transports:         map[string]transport.Transport{tr.Name(): tr},
		DefaultTransport:   tr.Name(),
		DefaultQueue:       cfg.Messenger.DefaultQueue,
		DefaultMaxAttempts: cfg.Messenger.DefaultMaxAttempts,
		Notifier:           notifier,
	})

	deadLetters := deadletter.NewService(appLogger.Logger, tr, disp)

	// The api service records no processing samples itself; the collector
	// exists so the metrics endpoint stays uniform across both services.
	collector := metrics.NewCollector(cfg.Messenger.MetricsRetention)

	monitor := health.NewMonitor(appLogger.Logger, tr, cfg.Messenger.DefaultQueue, nil, collector, health.Config{
		SoftQueueCeiling:   cfg.Messenger.Health.SoftQueueCeiling,
		HardQueueCeiling:   cfg.Messenger.Health.HardQueueCeiling,
		ErrorRateThreshold: cfg.Messenger.Health.ErrorRateThreshold,
		Window:             cfg.Messenger.Health.Window,
	})

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:      appLogger.Logger,
		Dispatcher:  disp,
		DeadLetters: deadLetters,
		Health:      monitor,
		Metrics:     collector,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
