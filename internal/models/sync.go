package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SyncWindow is the time range requested from a device.
type SyncWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SyncSummary is the outcome of one device sync run. Failures are carried
// in Errors rather than returned.
type SyncSummary struct {
	DeviceID   int64     `json:"device_id"`
	PropertyID string    `json:"property_id"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Fetched    int       `json:"fetched"`
	Inserted   int       `json:"inserted"`
	Duplicates int       `json:"duplicates"`
	Malformed  int       `json:"malformed"`
	Errors     []string  `json:"errors"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func NewSyncSummary(device *Device, window SyncWindow) *SyncSummary {
	return &SyncSummary{
		DeviceID:   device.ID,
		PropertyID: device.PropertyID,
		From:       window.From,
		To:         window.To,
		Errors:     []string{},
		StartedAt:  time.Now(),
	}
}

func (s *SyncSummary) AddError(err error) {
	s.Errors = append(s.Errors, err.Error())
}

func (s *SyncSummary) Failed() bool {
	return len(s.Errors) > 0
}

type SyncJobStatus string

const (
	SyncJobPending   SyncJobStatus = "pending"
	SyncJobRunning   SyncJobStatus = "running"
	SyncJobCompleted SyncJobStatus = "completed"
	SyncJobFailed    SyncJobStatus = "failed"
)

// SyncJob is a deferred device sync. The queue only carries its ID.
type SyncJob struct {
	bun.BaseModel `bun:"table:attendance_sync_jobs,alias:sj"`

	ID          uuid.UUID     `bun:"id,pk,type:uuid" json:"id"`
	PropertyID  string        `bun:"property_id,notnull" json:"property_id"`
	DeviceID    int64         `bun:"device_id,notnull" json:"device_id"`
	Status      SyncJobStatus `bun:"status,notnull,default:'pending'" json:"status"`
	Attempts    int           `bun:"attempts,notnull,default:0" json:"attempts"`
	MaxAttempts int           `bun:"max_attempts,notnull,default:2" json:"max_attempts"`
	WindowFrom  *time.Time    `bun:"window_from" json:"window_from,omitempty"`
	WindowTo    *time.Time    `bun:"window_to" json:"window_to,omitempty"`
	Fetched     int           `bun:"fetched,notnull,default:0" json:"fetched"`
	Inserted    int           `bun:"inserted,notnull,default:0" json:"inserted"`
	Duplicates  int           `bun:"duplicates,notnull,default:0" json:"duplicates"`
	LastError   *string       `bun:"last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time     `bun:"created_at,nullzero,default:now()" json:"created_at"`
	StartedAt   *time.Time    `bun:"started_at" json:"started_at,omitempty"`
	FinishedAt  *time.Time    `bun:"finished_at" json:"finished_at,omitempty"`
}

// Terminal reports whether the job will not run again.
func (j *SyncJob) Terminal() bool {
	return j.Status == SyncJobCompleted || j.Status == SyncJobFailed
}

// Window returns the requested window, or nil when the job uses the default.
func (j *SyncJob) Window() *SyncWindow {
	if j.WindowFrom == nil || j.WindowTo == nil {
		return nil
	}
	return &SyncWindow{From: *j.WindowFrom, To: *j.WindowTo}
}

// BeforeInsert hook
var _ bun.BeforeInsertHook = (*SyncJob)(nil)

func (j *SyncJob) BeforeInsert(ctx context.Context, query *bun.InsertQuery) error {
	j.CreatedAt = time.Now()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = SyncJobPending
	}
	return nil
}
