package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/boscod/punchsync/internal/models"
	"github.com/boscod/punchsync/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultJobMaxAttempts = 2

// SyncAck is what a runner hands back: a finished summary when the sync ran
// inline, or the job id when it was queued.
type SyncAck struct {
	DeviceID int64               `json:"device_id"`
	Queued   bool                `json:"queued"`
	JobID    *uuid.UUID          `json:"job_id,omitempty"`
	Summary  *models.SyncSummary `json:"summary,omitempty"`
}

// SyncRunner executes or schedules one device sync.
type SyncRunner interface {
	Run(ctx context.Context, device *models.Device, window *models.SyncWindow) (*SyncAck, error)
}

// JobQueue delivers sync job ids to a worker. Only the id travels; workers
// load the job from the database.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
}

type InlineRunner struct {
	orchestrator *SyncOrchestrator
}

func NewInlineRunner(orchestrator *SyncOrchestrator) *InlineRunner {
	return &InlineRunner{orchestrator: orchestrator}
}

func (r *InlineRunner) Run(ctx context.Context, device *models.Device, window *models.SyncWindow) (*SyncAck, error) {
	summary := r.orchestrator.SyncOne(ctx, device, window)
	return &SyncAck{DeviceID: device.ID, Summary: summary}, nil
}

type QueuedRunner struct {
	jobs        repository.SyncJobStore
	queue       JobQueue
	maxAttempts int
	logger      *zap.Logger
}

func NewQueuedRunner(jobs repository.SyncJobStore, queue JobQueue, maxAttempts int, logger *zap.Logger) *QueuedRunner {
	if maxAttempts <= 0 {
		maxAttempts = DefaultJobMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueuedRunner{jobs: jobs, queue: queue, maxAttempts: maxAttempts, logger: logger}
}

// Run records a pending job and enqueues its id. When the queue refuses the
// job it is marked failed and ErrQueueUnavailable is returned.
func (r *QueuedRunner) Run(ctx context.Context, device *models.Device, window *models.SyncWindow) (*SyncAck, error) {
	job := &models.SyncJob{
		PropertyID:  device.PropertyID,
		DeviceID:    device.ID,
		Status:      models.SyncJobPending,
		MaxAttempts: r.maxAttempts,
	}
	if window != nil {
		from, to := window.From, window.To
		job.WindowFrom, job.WindowTo = &from, &to
	}

	if err := r.jobs.CreateSyncJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create sync job: %w", err)
	}

	if err := r.queue.Enqueue(ctx, job.ID); err != nil {
		msg := "enqueue failed: " + err.Error()
		job.Status = models.SyncJobFailed
		job.LastError = &msg
		if uerr := r.jobs.UpdateSyncJob(ctx, job); uerr != nil {
			r.logger.Warn("Could not mark unqueued job failed", zap.String("job_id", job.ID.String()), zap.Error(uerr))
		}
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	r.logger.Info("Sync job queued",
		zap.String("job_id", job.ID.String()),
		zap.Int64("device_id", device.ID))

	id := job.ID
	return &SyncAck{DeviceID: device.ID, Queued: true, JobID: &id}, nil
}

// SyncService picks a runner per request.
type SyncService struct {
	devices *DeviceService
	inline  SyncRunner
	queued  SyncRunner
	jobs    repository.SyncJobStore
	logger  *zap.Logger
}

// NewSyncService builds the service. queued may be nil, in which case every
// request runs inline.
func NewSyncService(devices *DeviceService, inline SyncRunner, queued SyncRunner, jobs repository.SyncJobStore, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{devices: devices, inline: inline, queued: queued, jobs: jobs, logger: logger}
}

func (s *SyncService) QueueEnabled() bool {
	return s.queued != nil
}

// RequestSync queues the sync when asked to and a queue is configured,
// otherwise runs it inline. A queue failure falls back to inline.
func (s *SyncService) RequestSync(ctx context.Context, device *models.Device, window *models.SyncWindow, preferAsync bool) (*SyncAck, error) {
	if preferAsync && s.queued != nil {
		ack, err := s.queued.Run(ctx, device, window)
		if err == nil {
			return ack, nil
		}
		s.logger.Warn("Queueing sync failed, running inline",
			zap.Int64("device_id", device.ID),
			zap.Error(err))
	}
	return s.inline.Run(ctx, device, window)
}

// RequestSyncAll requests a default-window sync of every device of the property.
func (s *SyncService) RequestSyncAll(ctx context.Context, propertyID string, preferAsync bool) ([]*SyncAck, error) {
	devices, err := s.devices.List(ctx, propertyID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	acks := make([]*SyncAck, 0, len(devices))
	for i := range devices {
		if err := ctx.Err(); err != nil {
			return acks, err
		}
		ack, err := s.RequestSync(ctx, &devices[i], nil, preferAsync)
		if err != nil {
			return acks, err
		}
		acks = append(acks, ack)
	}
	return acks, nil
}

// GetJob returns a job of the property.
func (s *SyncService) GetJob(ctx context.Context, propertyID string, id uuid.UUID) (*models.SyncJob, error) {
	if s.jobs == nil {
		return nil, ErrSyncJobNotFound
	}
	job, err := s.jobs.GetSyncJob(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSyncJobNotFound
		}
		return nil, fmt.Errorf("get sync job: %w", err)
	}
	if job.PropertyID != propertyID {
		return nil, ErrSyncJobNotFound
	}
	return job, nil
}
