// Package rabbitmq carries the wake-up notifier: a fanout exchange the
// dispatcher nudges after every enqueue so idle workers claim immediately
// instead of waiting out their poll interval. The durable transport stays
// the source of truth; a lost nudge only delays consumption, so everything
// here is best-effort and may drop nudges.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration.
type Config struct {
	Host          string
	Port          int
	User          string
	Password      string
	VHost         string
	Exchange      string
	Queue         string
	RetryAttempts int
	RetryInterval time.Duration
	Heartbeat     time.Duration
}

// Client wraps one connection and channel.
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	isConnected bool
}

// wakeBody is the nudge payload. Only the queue name travels.
type wakeBody struct {
	Queue string `json:"queue"`
}

// NewClient connects to RabbitMQ with retries and declares the wake
// exchange and queue.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{config: config, logger: logger}
	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}
	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic.
func (c *Client) connect() error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)
		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup exchange and queue: %w", err)
	}

	c.isConnected = true
	c.logger.Info("Successfully connected to RabbitMQ",
		slog.String("exchange", c.config.Exchange),
		slog.String("queue", c.config.Queue),
	)
	return nil
}

// setup declares the fanout wake exchange and a non-durable queue bound to
// it. Nudges are ephemeral; nothing survives a broker restart and nothing
// needs to.
func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.config.Exchange, // name
		"fanout",          // type
		false,             // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = c.channel.QueueDeclare(
		c.config.Queue, // name
		false,          // durable
		true,           // auto-delete
		false,          // exclusive
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := c.channel.QueueBind(c.config.Queue, "", c.config.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// Notify publishes a wake-up nudge for the given message queue. Implements
// the dispatcher's Notifier.
func (c *Client) Notify(ctx context.Context, queue string) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	body, err := json.Marshal(wakeBody{Queue: queue})
	if err != nil {
		return fmt.Errorf("failed to encode wake message: %w", err)
	}

	err = c.channel.PublishWithContext(
		ctx,
		c.config.Exchange, // exchange
		"",                // routing key (fanout)
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Transient,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish wake message: %w", err)
	}

	c.logger.Debug("Wake nudge published", slog.String("queue", queue))
	return nil
}

// Wake starts consuming nudges for the given message queue and returns a
// signal channel for the worker's poll loop. Deliveries are auto-acked and
// coalesced; a slow worker sees one pending signal, not a backlog.
func (c *Client) Wake(consumerTag, queue string) (<-chan struct{}, error) {
	if !c.isConnected {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}

	deliveries, err := c.channel.Consume(
		c.config.Queue, // queue
		consumerTag,    // consumer tag
		true,           // auto-ack
		false,          // exclusive
		false,          // no-local
		false,          // no-wait
		nil,            // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume wake messages: %w", err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		for delivery := range deliveries {
			var body wakeBody
			if err := json.Unmarshal(delivery.Body, &body); err != nil {
				c.logger.Warn("Malformed wake message",
					slog.String("body", string(delivery.Body)),
					slog.Any("error", err),
				)
				continue
			}
			if body.Queue != queue {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()

	c.logger.Info("Wake consumer started",
		slog.String("consumer_tag", consumerTag),
		slog.String("queue", queue),
	)
	return wake, nil
}

// IsConnected reports whether the client holds a live connection.
func (c *Client) IsConnected() bool {
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}

// Close closes the RabbitMQ channel and connection.
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")
	c.isConnected = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel", slog.Any("error", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection", slog.Any("error", err))
			return err
		}
	}
	return nil
}
