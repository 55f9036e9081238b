package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boscod/punchsync/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const consumerTag = "attendance-sync-worker"

// JobProcessor runs one delivery of a sync job.
type JobProcessor interface {
	Process(ctx context.Context, jobID uuid.UUID) error
}

// Requeuer puts a job back on the queue after a delay.
type Requeuer interface {
	PublishSyncJob(ctx context.Context, jobID uuid.UUID, delay time.Duration) error
}

type SyncConsumer struct {
	client     *rabbitmq.RabbitMQClient
	processor  JobProcessor
	requeuer   Requeuer
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewSyncConsumer(client *rabbitmq.RabbitMQClient, processor JobProcessor, retryDelay time.Duration, logger *zap.Logger) *SyncConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncConsumer{
		client:     client,
		processor:  processor,
		requeuer:   client,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// StartWorker consumes the processing queue until ctx is cancelled,
// re-registering the consumer after a reconnect.
func (w *SyncConsumer) StartWorker(ctx context.Context) error {
	if w.client == nil {
		return fmt.Errorf("RabbitMQ client not initialized")
	}

	for {
		err := w.consume(ctx)
		if ctx.Err() != nil {
			w.logger.Info("Sync worker exiting")
			return nil
		}
		w.logger.Warn("Sync consumer stopped, waiting for RabbitMQ", zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(rabbitmq.ReconnectDelay):
		}
	}
}

func (w *SyncConsumer) consume(ctx context.Context) error {
	ch := w.client.Channel()
	if ch == nil {
		return errors.New("channel not available")
	}

	// one job at a time per worker; a sync can take minutes
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	msgs, err := ch.Consume(
		rabbitmq.ProcessingQueueName, // queue
		consumerTag,                  // consumer tag
		false,                        // auto-ack (manual ack after processing)
		false,                        // exclusive
		false,                        // no-local
		false,                        // no-wait
		nil,                          // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	w.logger.Info("Sync worker started", zap.String("queue", rabbitmq.ProcessingQueueName))

	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(consumerTag, false); err != nil {
				w.logger.Warn("Error canceling consumer", zap.Error(err))
			}
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			w.processMessage(ctx, d)
		}
	}
}

func (w *SyncConsumer) processMessage(ctx context.Context, d amqp.Delivery) {
	raw := string(d.Body)
	jobID, err := uuid.Parse(raw)
	if err != nil {
		w.logger.Warn("Invalid job id in delivery, rejecting", zap.String("body", raw))
		d.Reject(false)
		return
	}

	err = w.processor.Process(ctx, jobID)
	if err == nil {
		d.Ack(false)
		return
	}

	if !errors.Is(err, ErrRetryLater) {
		w.logger.Error("Sync job processing error", zap.String("job_id", jobID.String()), zap.Error(err))
	}

	// shutdown interrupted the attempt: let the broker redeliver
	if ctx.Err() != nil {
		d.Nack(false, true)
		return
	}

	if perr := w.requeuer.PublishSyncJob(ctx, jobID, w.retryDelay); perr != nil {
		w.logger.Error("Could not schedule retry, requeueing", zap.String("job_id", jobID.String()), zap.Error(perr))
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}
