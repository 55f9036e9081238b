package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/boscod/punchsync/internal/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process implementation of the stores with the same
// uniqueness and transaction semantics as BunStore. Used by tests.
type MemoryStore struct {
	mu      sync.Mutex
	devices map[int64]models.Device
	punches []models.PunchTransaction
	jobs    map[uuid.UUID]models.SyncJob
	nextID  int64

	// SaveErr, when set, makes SavePunches for the device fail without writing.
	SaveErr map[int64]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[int64]models.Device),
		jobs:    make(map[uuid.UUID]models.SyncJob),
		SaveErr: make(map[int64]error),
	}
}

var (
	_ DeviceStore  = (*MemoryStore)(nil)
	_ PunchStore   = (*MemoryStore)(nil)
	_ SyncJobStore = (*MemoryStore)(nil)
)

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) CreateDevice(ctx context.Context, device *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if serial := device.Serial(); serial != "" && m.serialTaken(device.PropertyID, serial, 0) {
		return ErrDuplicate
	}
	if err := device.BeforeInsert(ctx, nil); err != nil {
		return err
	}
	device.ID = m.id()
	m.devices[device.ID] = *device
	return nil
}

func (m *MemoryStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(device.PropertyID, device.ID); !ok {
		return ErrNotFound
	}
	if serial := device.Serial(); serial != "" && m.serialTaken(device.PropertyID, serial, device.ID) {
		return ErrDuplicate
	}
	device.UpdatedAt = time.Now()
	m.devices[device.ID] = *device
	return nil
}

func (m *MemoryStore) UpdateDeviceColumns(ctx context.Context, device *models.Device, columns ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.live(device.PropertyID, device.ID)
	if !ok {
		return ErrNotFound
	}
	device.UpdatedAt = time.Now()
	stored.UpdatedAt = device.UpdatedAt
	for _, col := range columns {
		switch col {
		case "status":
			stored.Status = device.Status
		case "last_ping_at":
			stored.LastPingAt = device.LastPingAt
		case "last_sync_at":
			stored.LastSyncAt = device.LastSyncAt
		}
	}
	m.devices[device.ID] = stored
	return nil
}

func (m *MemoryStore) DeleteDevice(ctx context.Context, propertyID string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.live(propertyID, id)
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	stored.DeletedAt = &now
	m.devices[id] = stored
	return nil
}

func (m *MemoryStore) GetDevice(ctx context.Context, propertyID string, id int64) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.live(propertyID, id)
	if !ok {
		return nil, ErrNotFound
	}
	return &stored, nil
}

func (m *MemoryStore) ListDevices(ctx context.Context, propertyID string) ([]models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Device
	for _, d := range m.devices {
		if d.PropertyID == propertyID && d.DeletedAt == nil {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListAllDevices(ctx context.Context) ([]models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Device
	for _, d := range m.devices {
		if d.DeletedAt == nil {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PropertyID != out[j].PropertyID {
			return out[i].PropertyID < out[j].PropertyID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) SerialExists(ctx context.Context, propertyID, serial string, excludeID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serialTaken(propertyID, serial, excludeID), nil
}

func (m *MemoryStore) live(propertyID string, id int64) (models.Device, bool) {
	d, ok := m.devices[id]
	if !ok || d.DeletedAt != nil || d.PropertyID != propertyID {
		return models.Device{}, false
	}
	return d, true
}

func (m *MemoryStore) serialTaken(propertyID, serial string, excludeID int64) bool {
	for _, d := range m.devices {
		if d.DeletedAt == nil && d.ID != excludeID && d.PropertyID == propertyID && d.Serial() == serial {
			return true
		}
	}
	return false
}

// ---- punches ----

func (m *MemoryStore) LatestPunchAt(ctx context.Context, propertyID string, deviceID int64) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *time.Time
	for _, p := range m.punches {
		if p.PropertyID != propertyID || p.DeviceID == nil || *p.DeviceID != deviceID {
			continue
		}
		if latest == nil || p.PunchAt.After(*latest) {
			t := p.PunchAt
			latest = &t
		}
	}
	return latest, nil
}

func (m *MemoryStore) ExistingPunchKeys(ctx context.Context, propertyID string, deviceID int64, from, to time.Time) (map[models.PunchKey]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make(map[models.PunchKey]struct{})
	for _, p := range m.punches {
		if p.PropertyID != propertyID || p.DeviceID == nil || *p.DeviceID != deviceID {
			continue
		}
		if p.PunchAt.Before(from) || p.PunchAt.After(to) {
			continue
		}
		keys[p.Key()] = struct{}{}
	}
	return keys, nil
}

func (m *MemoryStore) SavePunches(ctx context.Context, batch PunchBatch) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.SaveErr[batch.DeviceID]; err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	existing := make(map[models.PunchKey]struct{})
	for _, p := range m.punches {
		if p.DeviceID != nil && *p.DeviceID == batch.DeviceID {
			existing[p.Key()] = struct{}{}
		}
	}

	inserted := 0
	for _, row := range batch.Rows {
		if _, dup := existing[row.Key()]; dup {
			continue
		}
		existing[row.Key()] = struct{}{}
		row.ID = m.id()
		row.CreatedAt = time.Now()
		m.punches = append(m.punches, row)
		inserted++
	}

	if d, ok := m.live(batch.PropertyID, batch.DeviceID); ok {
		syncedAt := batch.SyncedAt
		d.LastSyncAt = &syncedAt
		d.Status = models.DeviceStatusOnline
		m.devices[d.ID] = d
	}
	return inserted, nil
}

func (m *MemoryStore) ListPunches(ctx context.Context, filter PunchFilter) ([]models.PunchTransaction, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []models.PunchTransaction
	for _, p := range m.punches {
		if p.PropertyID != filter.PropertyID || p.DeviceID == nil || *p.DeviceID != filter.DeviceID {
			continue
		}
		if filter.EmployeeCode != "" && p.EmployeeCode != filter.EmployeeCode {
			continue
		}
		if filter.From != nil && p.PunchAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !p.PunchAt.Before(*filter.To) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].PunchAt.Equal(matched[j].PunchAt) {
			return matched[i].PunchAt.After(matched[j].PunchAt)
		}
		return matched[i].EmployeeCode < matched[j].EmployeeCode
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// PunchCount returns the number of stored punches for a device.
func (m *MemoryStore) PunchCount(deviceID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, p := range m.punches {
		if p.DeviceID != nil && *p.DeviceID == deviceID {
			n++
		}
	}
	return n
}

// ---- sync jobs ----

func (m *MemoryStore) CreateSyncJob(ctx context.Context, job *models.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := job.BeforeInsert(ctx, nil); err != nil {
		return err
	}
	if _, exists := m.jobs[job.ID]; exists {
		return ErrDuplicate
	}
	m.jobs[job.ID] = *job
	return nil
}

func (m *MemoryStore) GetSyncJob(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (m *MemoryStore) UpdateSyncJob(ctx context.Context, job *models.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	m.jobs[job.ID] = *job
	return nil
}
