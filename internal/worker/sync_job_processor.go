package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/boscod/punchsync/internal/models"
	"github.com/boscod/punchsync/internal/repository"
	"github.com/boscod/punchsync/internal/services"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultJobTimeout = 120 * time.Second

// ErrRetryLater is returned when an attempt failed and the job has attempts left.
var ErrRetryLater = errors.New("sync attempt failed, retry later")

// Syncer runs one device sync.
type Syncer interface {
	SyncOne(ctx context.Context, device *models.Device, window *models.SyncWindow) *models.SyncSummary
}

// DeviceLookup loads the device a job refers to.
type DeviceLookup interface {
	Get(ctx context.Context, propertyID string, id int64) (*models.Device, error)
}

// SyncJobProcessor drives a job through pending -> running -> completed|failed.
// Deliveries are at least once, so terminal jobs are ignored.
type SyncJobProcessor struct {
	jobs    repository.SyncJobStore
	devices DeviceLookup
	syncer  Syncer
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewSyncJobProcessor(jobs repository.SyncJobStore, devices DeviceLookup, syncer Syncer, timeout time.Duration, logger *zap.Logger) *SyncJobProcessor {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncJobProcessor{
		jobs:    jobs,
		devices: devices,
		syncer:  syncer,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Process runs one attempt of the job. A nil return means the delivery can be
// acknowledged; ErrRetryLater asks for redelivery after a delay. Other errors
// come from the job store.
func (p *SyncJobProcessor) Process(ctx context.Context, jobID uuid.UUID) error {
	job, err := p.jobs.GetSyncJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			p.logger.Warn("Sync job not found, dropping delivery", zap.String("job_id", jobID.String()))
			return nil
		}
		return fmt.Errorf("load sync job: %w", err)
	}

	log := p.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.Int64("device_id", job.DeviceID))

	if job.Terminal() {
		log.Debug("Sync job already finished, skipping", zap.String("status", string(job.Status)))
		return nil
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = services.DefaultJobMaxAttempts
	}

	// job state is written even after the delivery's deadline has passed
	stateCtx := context.WithoutCancel(ctx)

	started := p.now()
	job.Status = models.SyncJobRunning
	job.Attempts++
	job.StartedAt = &started
	if err := p.jobs.UpdateSyncJob(stateCtx, job); err != nil {
		return fmt.Errorf("mark sync job running: %w", err)
	}

	device, err := p.devices.Get(ctx, job.PropertyID, job.DeviceID)
	if err != nil {
		if errors.Is(err, services.ErrDeviceNotFound) {
			// deleted after the job was queued; retrying cannot help
			return p.fail(stateCtx, log, job, err.Error())
		}
		return p.retryOrFail(stateCtx, log, job, err.Error())
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
	summary := p.syncer.SyncOne(attemptCtx, device, job.Window())
	cancel()

	job.Fetched = summary.Fetched
	job.Inserted = summary.Inserted
	job.Duplicates = summary.Duplicates

	if summary.Failed() {
		return p.retryOrFail(stateCtx, log, job, strings.Join(summary.Errors, "; "))
	}

	finished := p.now()
	job.Status = models.SyncJobCompleted
	job.FinishedAt = &finished
	job.LastError = nil
	if err := p.jobs.UpdateSyncJob(stateCtx, job); err != nil {
		return fmt.Errorf("mark sync job completed: %w", err)
	}
	log.Info("Sync job completed",
		zap.Int("attempt", job.Attempts),
		zap.Int("inserted", job.Inserted),
		zap.Int("duplicates", job.Duplicates))
	return nil
}

func (p *SyncJobProcessor) retryOrFail(ctx context.Context, log *zap.Logger, job *models.SyncJob, reason string) error {
	if job.Attempts >= job.MaxAttempts {
		return p.fail(ctx, log, job, reason)
	}

	job.Status = models.SyncJobPending
	job.LastError = &reason
	if err := p.jobs.UpdateSyncJob(ctx, job); err != nil {
		return fmt.Errorf("mark sync job pending: %w", err)
	}
	log.Warn("Sync attempt failed, will retry",
		zap.Int("attempt", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.String("error", reason))
	return ErrRetryLater
}

func (p *SyncJobProcessor) fail(ctx context.Context, log *zap.Logger, job *models.SyncJob, reason string) error {
	finished := p.now()
	job.Status = models.SyncJobFailed
	job.LastError = &reason
	job.FinishedAt = &finished
	if err := p.jobs.UpdateSyncJob(ctx, job); err != nil {
		return fmt.Errorf("mark sync job failed: %w", err)
	}
	log.Error("Sync job failed",
		zap.Int("attempts", job.Attempts),
		zap.String("error", reason))
	return nil
}
