// Package repository persists devices, punch transactions and sync jobs.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/boscod/punchsync/internal/models"
	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

type DeviceStore interface {
	CreateDevice(ctx context.Context, device *models.Device) error
	UpdateDevice(ctx context.Context, device *models.Device) error
	// UpdateDeviceColumns persists only the named columns (updated_at is always added).
	UpdateDeviceColumns(ctx context.Context, device *models.Device, columns ...string) error
	DeleteDevice(ctx context.Context, propertyID string, id int64) error
	GetDevice(ctx context.Context, propertyID string, id int64) (*models.Device, error)
	ListDevices(ctx context.Context, propertyID string) ([]models.Device, error)
	ListAllDevices(ctx context.Context) ([]models.Device, error)
	SerialExists(ctx context.Context, propertyID, serial string, excludeID int64) (bool, error)
}

// PunchBatch is the unit written by SavePunches: the rows of one device sync
// plus the device bookkeeping committed with them.
type PunchBatch struct {
	PropertyID string
	DeviceID   int64
	Rows       []models.PunchTransaction
	ChunkSize  int
	SyncedAt   time.Time
}

type PunchFilter struct {
	PropertyID   string
	DeviceID     int64
	EmployeeCode string
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}

type PunchStore interface {
	LatestPunchAt(ctx context.Context, propertyID string, deviceID int64) (*time.Time, error)
	ExistingPunchKeys(ctx context.Context, propertyID string, deviceID int64, from, to time.Time) (map[models.PunchKey]struct{}, error)
	// SavePunches inserts the batch in chunks inside one transaction, ignoring
	// rows that collide with the unique key, and marks the device online with
	// last_sync_at = SyncedAt. It returns the number of rows actually inserted.
	SavePunches(ctx context.Context, batch PunchBatch) (int, error)
	ListPunches(ctx context.Context, filter PunchFilter) ([]models.PunchTransaction, int, error)
}

type SyncJobStore interface {
	CreateSyncJob(ctx context.Context, job *models.SyncJob) error
	GetSyncJob(ctx context.Context, id uuid.UUID) (*models.SyncJob, error)
	UpdateSyncJob(ctx context.Context, job *models.SyncJob) error
}

const DefaultChunkSize = 200

func chunkSize(n int) int {
	if n <= 0 {
		return DefaultChunkSize
	}
	return n
}
