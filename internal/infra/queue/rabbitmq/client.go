package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"coach-chat-jobs/internal/config"
	"coach-chat-jobs/internal/infra/logging"
)

// Client owns one AMQP connection and channel with a durable direct exchange
// bound to a durable queue.
type Client struct {
	config      config.RabbitMQConfig
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *zerolog.Logger
	pubMu       sync.Mutex
	isConnected bool
}

// NewClient connects with retry and declares the topology.
func NewClient(cfg config.RabbitMQConfig, logger *zerolog.Logger) (*Client, error) {
	client := &Client{
		config: cfg,
		logger: logging.Component(logger, "RabbitMQ"),
	}
	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}
	return client, nil
}

func (c *Client) connect() error {
	var err error
	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info().Int("attempt", attempt).Int("max_attempts", attempts).Msg("connecting to RabbitMQ")

		c.conn, err = amqp.DialConfig(c.config.URL, amqpConfig)
		if err == nil {
			break
		}
		c.logger.Error().Err(err).Int("attempt", attempt).Msg("failed to connect to RabbitMQ")
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
	c.logger.Info().
		Str("exchange", c.config.Exchange).
		Str("queue", c.config.Queue).
		Msg("RabbitMQ client initialized")
	return nil
}

// setup declares exchange, queue, and bindings
func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.config.Exchange, // name
		"direct",          // type
		true,              // durable
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
		true,           // durable
		false,          // auto-delete
		false,          // exclusive
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = c.channel.QueueBind(
		c.config.Queue,      // queue name
		c.config.RoutingKey, // routing key
		c.config.Exchange,   // exchange
		false,               // no-wait
		nil,                 // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// PublishWithRetry publishes a persistent message, backing off exponentially between attempts.
func (c *Client) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := c.config.PublishDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		c.pubMu.Lock()
		err := c.channel.PublishWithContext(
			ctx,
			c.config.Exchange,   // exchange
			c.config.RoutingKey, // routing key
			false,               // mandatory
			false,               // immediate
			amqp.Publishing{
				ContentType:  contentType,
				Body:         body,
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
			},
		)
		c.pubMu.Unlock()
		if err == nil {
			if attempt > 0 {
				c.logger.Info().Int("attempt", attempt+1).Msg("published to RabbitMQ after retry")
			}
			return nil
		}
		lastErr = err

		if attempt < maxRetries {
			backoff := baseDelay * time.Duration(1<<uint(attempt))
			c.logger.Warn().Err(err).
				Int("attempt", attempt+1).
				Dur("retry_after", backoff).
				Msg("failed to publish to RabbitMQ, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

// Consume starts a manual-ack consumer limited to prefetch unacknowledged messages.
func (c *Client) Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if !c.IsConnected() {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}
	if prefetch > 0 {
		if err := c.channel.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}
	messages, err := c.channel.Consume(
		c.config.Queue, // queue
		consumerTag,    // consumer tag
		false,          // auto-ack
		false,          // exclusive
		false,          // no-local
		false,          // no-wait
		nil,            // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}
	c.logger.Info().
		Str("queue", c.config.Queue).
		Str("consumer_tag", consumerTag).
		Int("prefetch", prefetch).
		Msg("started consuming from RabbitMQ")
	return messages, nil
}

func (c *Client) IsConnected() bool {
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}

func (c *Client) Close() error {
	c.isConnected = false
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error().Err(err).Msg("failed to close RabbitMQ channel")
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return err
		}
	}
	c.logger.Info().Msg("RabbitMQ connection closed")
	return nil
}
