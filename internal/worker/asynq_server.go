package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boscod/punchsync/internal/tasks"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// AsynqWorker serves sync tasks queued on Redis.
type AsynqWorker struct {
	srv    *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

func NewAsynqWorker(redis tasks.RedisOptions, processor JobProcessor, concurrency int, retryDelay time.Duration, logger *zap.Logger) *AsynqWorker {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	srv := asynq.NewServer(
		redis.Asynq(),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				tasks.QueueName: 1,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				if retryDelay > 0 {
					return retryDelay
				}
				return asynq.DefaultRetryDelayFunc(n, err, task)
			},
			ShutdownTimeout: 10 * time.Second,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeDeviceSync, HandleSyncTask(processor, logger))

	return &AsynqWorker{srv: srv, mux: mux, logger: logger}
}

// Start runs the server in the background, retrying start-up with backoff.
func (w *AsynqWorker) Start() {
	go func() {
		w.logger.Info("Starting asynq sync worker")
		const maxAttempts = 5

		for attempts := 1; attempts <= maxAttempts; attempts++ {
			err := w.srv.Start(w.mux)
			if err == nil {
				return
			}
			w.logger.Error("Failed to start asynq worker",
				zap.Int("attempt", attempts),
				zap.Int("max_attempts", maxAttempts),
				zap.Error(err))
			if attempts == maxAttempts {
				w.logger.Error("Giving up on asynq worker; queued syncs will not run")
				return
			}
			time.Sleep(time.Duration(attempts*2) * time.Second)
		}
	}()
}

func (w *AsynqWorker) Shutdown() {
	w.srv.Shutdown()
}

// HandleSyncTask adapts the processor to asynq. ErrRetryLater is returned to
// asynq so it schedules the next attempt; a malformed payload skips retries.
func HandleSyncTask(processor JobProcessor, logger *zap.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		p, err := tasks.ParseSyncPayload(task)
		if err != nil {
			logger.Warn("Dropping sync task", zap.Error(err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}

		err = processor.Process(ctx, p.JobID)
		if err != nil && !errors.Is(err, ErrRetryLater) {
			logger.Error("Sync task processing error", zap.String("job_id", p.JobID.String()), zap.Error(err))
		}
		return err
	}
}
