package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	ExchangeName        = "attendance_sync.direct"
	WaitingQueueName    = "attendance_sync.wait"
	ProcessingQueueName = "attendance_sync.process"
	RoutingKeyWait      = "wait"
	RoutingKeyProcess   = "process"
	ReconnectDelay      = 5 * time.Second
)

type RabbitMQClient struct {
	URL string

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closing bool
	logger  *zap.Logger
}

var Client *RabbitMQClient

// SetupRabbitMQ initializes the connection and declares the topology
func SetupRabbitMQ(url string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	Client = &RabbitMQClient{URL: url, logger: logger}
	return Client.connect()
}

func (c *RabbitMQClient) connect() error {
	c.logger.Info("Attempting to connect to RabbitMQ...")
	conn, err := amqp.Dial(c.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn, c.channel = conn, ch
	c.mu.Unlock()

	go c.watchConnection(conn)

	c.logger.Info("RabbitMQ connected successfully")
	return nil
}

// declareTopology binds the processing queue to the exchange and adds a
// waiting queue whose expired messages are dead-lettered back to it. Per
// message TTL on the waiting queue gives delayed retries.
func declareTopology(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		ExchangeName, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		ProcessingQueueName, // name
		true,                // durable
		false,               // delete when unused
		false,               // exclusive
		false,               // no-wait
		nil,                 // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare processing queue: %w", err)
	}
	if err := ch.QueueBind(ProcessingQueueName, RoutingKeyProcess, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind processing queue: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    ExchangeName,
		"x-dead-letter-routing-key": RoutingKeyProcess,
	}
	_, err = ch.QueueDeclare(WaitingQueueName, true, false, false, false, args)
	if err != nil {
		return fmt.Errorf("failed to declare waiting queue: %w", err)
	}
	if err := ch.QueueBind(WaitingQueueName, RoutingKeyWait, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind waiting queue: %w", err)
	}

	return nil
}

func (c *RabbitMQClient) watchConnection(conn *amqp.Connection) {
	err, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if !ok || err == nil {
		return
	}

	c.mu.RLock()
	closing := c.closing
	c.mu.RUnlock()
	if closing {
		return
	}

	c.logger.Warn("RabbitMQ connection closed, reconnecting", zap.Error(err))
	c.reconnect()
}

func (c *RabbitMQClient) reconnect() {
	for {
		time.Sleep(ReconnectDelay)
		err := c.connect()
		if err == nil {
			c.logger.Info("RabbitMQ reconnected")
			return
		}
		c.logger.Warn("Failed to reconnect to RabbitMQ",
			zap.Error(err),
			zap.Duration("retry_in", ReconnectDelay))
	}
}

// Channel returns the current channel, or nil while disconnected.
func (c *RabbitMQClient) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.channel == nil || c.channel.IsClosed() {
		return nil
	}
	return c.channel
}

// Close closes the connection and channel
func Close() {
	if Client == nil {
		return
	}
	Client.mu.Lock()
	defer Client.mu.Unlock()
	Client.closing = true
	if Client.channel != nil {
		Client.channel.Close()
	}
	if Client.conn != nil {
		Client.conn.Close()
	}
}

// PublishSyncJob publishes a sync job id. A positive delay parks the message
// in the waiting queue until its TTL expires.
func (c *RabbitMQClient) PublishSyncJob(ctx context.Context, jobID uuid.UUID, delay time.Duration) error {
	ch := c.Channel()
	if ch == nil {
		return fmt.Errorf("RabbitMQ client not (yet) connected")
	}

	msg := amqp.Publishing{
		ContentType:  "text/plain",
		MessageId:    jobID.String(),
		Body:         []byte(jobID.String()),
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
	routingKey := RoutingKeyProcess
	if delay > 0 {
		routingKey = RoutingKeyWait
		msg.Expiration = fmt.Sprintf("%d", delay.Milliseconds())
	}

	if err := ch.PublishWithContext(ctx, ExchangeName, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Publisher hands sync jobs to the processing queue.
type Publisher struct {
	client *RabbitMQClient
}

func NewPublisher(client *RabbitMQClient) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	if p.client == nil {
		return fmt.Errorf("RabbitMQ client not initialized")
	}
	return p.client.PublishSyncJob(ctx, jobID, 0)
}
