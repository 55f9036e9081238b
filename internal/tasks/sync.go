// Package tasks defines the asynq task used when sync jobs are queued on Redis.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeDeviceSync = "attendance:sync"
	QueueName      = "attendance"

	// TimeoutMargin is added to the attempt timeout so the handler can
	// record the outcome before asynq cancels it.
	TimeoutMargin = 15 * time.Second
)

type SyncPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

// NewSyncTask wraps a job id. The task id equals the job id so a job can
// only be queued once. timeout is the processor's attempt timeout.
func NewSyncTask(jobID uuid.UUID, maxRetry int, timeout time.Duration) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(SyncPayload{JobID: jobID})
	if err != nil {
		return nil, nil, err
	}
	task := asynq.NewTask(TypeDeviceSync, b)
	opts := []asynq.Option{
		asynq.TaskID(jobID.String()),
		asynq.Queue(QueueName),
		asynq.MaxRetry(maxRetry),
	}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout+TimeoutMargin))
	}
	return task, opts, nil
}

func ParseSyncPayload(task *asynq.Task) (SyncPayload, error) {
	var p SyncPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return p, fmt.Errorf("invalid sync payload: %w", err)
	}
	if p.JobID == uuid.Nil {
		return p, errors.New("invalid sync payload: missing job id")
	}
	return p, nil
}

// Enqueuer hands sync jobs to asynq.
type Enqueuer struct {
	client   *asynq.Client
	maxRetry int
	timeout  time.Duration
}

// NewEnqueuer takes the job's attempt budget; asynq retries are attempts minus one.
func NewEnqueuer(client *asynq.Client, maxAttempts int, timeout time.Duration) *Enqueuer {
	retry := maxAttempts - 1
	if retry < 0 {
		retry = 0
	}
	return &Enqueuer{client: client, maxRetry: retry, timeout: timeout}
}

func (e *Enqueuer) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	task, opts, err := NewSyncTask(jobID, e.maxRetry, e.timeout)
	if err != nil {
		return err
	}
	if _, err := e.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue sync task: %w", err)
	}
	return nil
}
