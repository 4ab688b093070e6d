package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration. Values are read
// from a YAML file first, then overridden from the environment.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Messenger MessengerConfig `yaml:"messenger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"DB_HOST"`
	Port            int           `yaml:"port" env:"DB_PORT"`
	User            string        `yaml:"user" env:"DB_USER"`
	Password        string        `yaml:"password" env:"DB_PASSWORD"`
	Database        string        `yaml:"database" env:"DB_NAME"`
	SSLMode         string        `yaml:"sslmode" env:"DB_SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds the wake-up notifier connection. Optional: when
// disabled, workers rely on their poll interval alone.
type RabbitMQConfig struct {
	Enabled       bool          `yaml:"enabled" env:"RABBITMQ_ENABLED"`
	Host          string        `yaml:"host" env:"RABBITMQ_HOST"`
	Port          int           `yaml:"port" env:"RABBITMQ_PORT"`
	User          string        `yaml:"user" env:"RABBITMQ_USER"`
	Password      string        `yaml:"password" env:"RABBITMQ_PASSWORD"`
	VHost         string        `yaml:"vhost" env:"RABBITMQ_VHOST"`
	Exchange      string        `yaml:"exchange"`
	Queue         string        `yaml:"queue"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LOG_LEVEL"`
	Format       string `yaml:"format" env:"LOG_FORMAT"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" env:"APP_ENV"`
}

// MessengerConfig holds the message queue subsystem configuration.
type MessengerConfig struct {
	// Transport selects the durable store: memory, postgres or sqlite.
	Transport          string        `yaml:"transport" env:"MESSENGER_TRANSPORT"`
	SQLitePath         string        `yaml:"sqlite_path" env:"MESSENGER_SQLITE_PATH"`
	DefaultQueue       string        `yaml:"default_queue"`
	DefaultMaxAttempts int           `yaml:"default_max_attempts"`
	Worker             WorkerConfig  `yaml:"worker"`
	Backoff            BackoffConfig `yaml:"backoff"`
	Health             HealthConfig  `yaml:"health"`
	MetricsRetention   time.Duration `yaml:"metrics_retention"`
}

// WorkerConfig holds the consumption loop configuration. Limits set to zero
// are disabled.
type WorkerConfig struct {
	BatchSize       int           `yaml:"batch_size" env:"WORKER_BATCH_SIZE"`
	MaxConcurrency  int           `yaml:"max_concurrency" env:"WORKER_MAX_CONCURRENCY"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MessageLimit    uint64        `yaml:"message_limit"`
	TimeLimit       time.Duration `yaml:"time_limit"`
	MemoryLimitMB   uint64        `yaml:"memory_limit_mb"`
	FailureLimit    uint64        `yaml:"failure_limit"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ReclaimAfter    time.Duration `yaml:"reclaim_after"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
}

// BackoffConfig holds the retry delay policy.
type BackoffConfig struct {
	Base           time.Duration `yaml:"base"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	JitterFraction float64       `yaml:"jitter_fraction"`
}

// HealthConfig holds the health policy ceilings.
type HealthConfig struct {
	SoftQueueCeiling   int           `yaml:"soft_queue_ceiling"`
	HardQueueCeiling   int           `yaml:"hard_queue_ceiling"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	Window             time.Duration `yaml:"window"`
}

// Load reads the configuration file, then applies environment overrides.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return config, nil
}

// Default returns a configuration with the documented defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		RabbitMQ: RabbitMQConfig{
			Host:          "localhost",
			Port:          5672,
			VHost:         "/",
			Exchange:      "messenger.wake",
			Queue:         "messenger.wake",
			RetryAttempts: 5,
			RetryInterval: 2 * time.Second,
			Heartbeat:     10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		App: AppConfig{
			Name:        "symphony-messenger",
			Version:     "dev",
			Environment: "development",
		},
		Messenger: MessengerConfig{
			Transport:          "postgres",
			DefaultQueue:       "default",
			DefaultMaxAttempts: 3,
			Worker: WorkerConfig{
				BatchSize:       10,
				MaxConcurrency:  5,
				PollInterval:    time.Second,
				ShutdownTimeout: 30 * time.Second,
				ReclaimAfter:    10 * time.Minute,
				ReclaimInterval: time.Minute,
			},
			Backoff: BackoffConfig{
				Base:           time.Second,
				MaxDelay:       5 * time.Minute,
				JitterFraction: 0.2,
			},
			Health: HealthConfig{
				SoftQueueCeiling:   1000,
				HardQueueCeiling:   10000,
				ErrorRateThreshold: 0.5,
				Window:             5 * time.Minute,
			},
			MetricsRetention: time.Hour,
		},
	}
}

// ValidateAPIConfig checks the configuration used by the api service.
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	return c.validateMessenger()
}

// ValidateWorkerConfig checks the configuration used by the worker service.
func (c *Config) ValidateWorkerConfig() error {
	w := c.Messenger.Worker
	if w.BatchSize < 1 || w.BatchSize > 100 {
		return fmt.Errorf("worker batch_size must be between 1 and 100, got %d", w.BatchSize)
	}
	if w.MaxConcurrency < 1 || w.MaxConcurrency > 20 {
		return fmt.Errorf("worker max_concurrency must be between 1 and 20, got %d", w.MaxConcurrency)
	}
	if w.PollInterval < 100*time.Millisecond || w.PollInterval > time.Minute {
		return fmt.Errorf("worker poll_interval must be between 100ms and 1m, got %s", w.PollInterval)
	}
	if w.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}
	b := c.Messenger.Backoff
	if b.Base <= 0 {
		return fmt.Errorf("backoff base must be greater than 0")
	}
	if b.MaxDelay < b.Base {
		return fmt.Errorf("backoff max_delay must be at least the base delay")
	}
	if b.JitterFraction < 0 || b.JitterFraction >= 1 {
		return fmt.Errorf("backoff jitter_fraction must be in [0, 1), got %g", b.JitterFraction)
	}
	return c.validateMessenger()
}

func (c *Config) validateMessenger() error {
	m := c.Messenger
	switch m.Transport {
	case "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown messenger transport: %q", m.Transport)
	}
	if m.Transport == "postgres" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}
	if m.Transport == "sqlite" && m.SQLitePath == "" {
		return fmt.Errorf("sqlite_path is required for the sqlite transport")
	}
	if m.DefaultQueue == "" {
		return fmt.Errorf("default_queue is required")
	}
	if m.DefaultMaxAttempts < 1 || m.DefaultMaxAttempts > 10 {
		return fmt.Errorf("default_max_attempts must be between 1 and 10, got %d", m.DefaultMaxAttempts)
	}
	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
	}
	h := c.Messenger.Health
	if h.HardQueueCeiling > 0 && h.SoftQueueCeiling > h.HardQueueCeiling {
		return fmt.Errorf("health soft_queue_ceiling must not exceed hard_queue_ceiling")
	}
	return nil
}
