package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/boscod/punchsync/internal/models"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// BunStore implements the stores on Postgres through bun.
type BunStore struct {
	db *bun.DB
}

func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{db: db}
}

var (
	_ DeviceStore  = (*BunStore)(nil)
	_ PunchStore   = (*BunStore)(nil)
	_ SyncJobStore = (*BunStore)(nil)
)

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && pgErr.Field('C') == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.Field('M'))
	}
	return err
}

// ---- devices ----

func (s *BunStore) CreateDevice(ctx context.Context, device *models.Device) error {
	_, err := s.db.NewInsert().Model(device).Exec(ctx)
	return translateError(err)
}

func (s *BunStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	res, err := s.db.NewUpdate().
		Model(device).
		WherePK().
		Where("property_id = ?", device.PropertyID).
		Exec(ctx)
	if err != nil {
		return translateError(err)
	}
	return requireAffected(res)
}

func (s *BunStore) UpdateDeviceColumns(ctx context.Context, device *models.Device, columns ...string) error {
	device.UpdatedAt = time.Now()
	res, err := s.db.NewUpdate().
		Model(device).
		Column(append(columns, "updated_at")...).
		WherePK().
		Where("property_id = ?", device.PropertyID).
		Exec(ctx)
	if err != nil {
		return translateError(err)
	}
	return requireAffected(res)
}

func (s *BunStore) DeleteDevice(ctx context.Context, propertyID string, id int64) error {
	// soft_delete on the model turns this into UPDATE ... SET deleted_at
	res, err := s.db.NewDelete().
		Model((*models.Device)(nil)).
		Where("id = ?", id).
		Where("property_id = ?", propertyID).
		Exec(ctx)
	if err != nil {
		return translateError(err)
	}
	return requireAffected(res)
}

func (s *BunStore) GetDevice(ctx context.Context, propertyID string, id int64) (*models.Device, error) {
	device := new(models.Device)
	err := s.db.NewSelect().
		Model(device).
		Where("d.id = ?", id).
		Where("d.property_id = ?", propertyID).
		Scan(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	return device, nil
}

func (s *BunStore) ListDevices(ctx context.Context, propertyID string) ([]models.Device, error) {
	var devices []models.Device
	err := s.db.NewSelect().
		Model(&devices).
		Where("d.property_id = ?", propertyID).
		Order("d.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (s *BunStore) ListAllDevices(ctx context.Context) ([]models.Device, error) {
	var devices []models.Device
	err := s.db.NewSelect().
		Model(&devices).
		Order("d.property_id ASC", "d.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (s *BunStore) SerialExists(ctx context.Context, propertyID, serial string, excludeID int64) (bool, error) {
	q := s.db.NewSelect().
		Model((*models.Device)(nil)).
		Where("d.property_id = ?", propertyID).
		Where("d.serial_number = ?", serial)
	if excludeID > 0 {
		q = q.Where("d.id <> ?", excludeID)
	}
	return q.Exists(ctx)
}

// ---- punches ----

func (s *BunStore) LatestPunchAt(ctx context.Context, propertyID string, deviceID int64) (*time.Time, error) {
	var latest bun.NullTime
	err := s.db.NewSelect().
		Model((*models.PunchTransaction)(nil)).
		ColumnExpr("MAX(at.punch_at)").
		Where("at.property_id = ?", propertyID).
		Where("at.device_id = ?", deviceID).
		Scan(ctx, &latest)
	if err != nil {
		return nil, err
	}
	if latest.IsZero() {
		return nil, nil
	}
	t := latest.Time
	return &t, nil
}

func (s *BunStore) ExistingPunchKeys(ctx context.Context, propertyID string, deviceID int64, from, to time.Time) (map[models.PunchKey]struct{}, error) {
	var rows []struct {
		EmployeeCode string    `bun:"employee_code"`
		PunchAt      time.Time `bun:"punch_at"`
	}
	err := s.db.NewSelect().
		Model((*models.PunchTransaction)(nil)).
		Column("employee_code", "punch_at").
		Where("at.property_id = ?", propertyID).
		Where("at.device_id = ?", deviceID).
		Where("at.punch_at >= ?", from).
		Where("at.punch_at <= ?", to).
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}

	keys := make(map[models.PunchKey]struct{}, len(rows))
	for _, r := range rows {
		keys[models.NewPunchKey(r.EmployeeCode, r.PunchAt)] = struct{}{}
	}
	return keys, nil
}

func (s *BunStore) SavePunches(ctx context.Context, batch PunchBatch) (int, error) {
	size := chunkSize(batch.ChunkSize)
	inserted := 0

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for start := 0; start < len(batch.Rows); start += size {
			end := min(start+size, len(batch.Rows))
			chunk := batch.Rows[start:end]

			res, err := tx.NewInsert().
				Model(&chunk).
				On("CONFLICT (device_id, employee_code, punch_at) DO NOTHING").
				Returning("NULL").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("insert rows %d-%d: %w", start, end, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += int(n)
		}

		_, err := tx.NewUpdate().
			Model((*models.Device)(nil)).
			Set("last_sync_at = ?", batch.SyncedAt).
			Set("status = ?", models.DeviceStatusOnline).
			Set("updated_at = ?", time.Now()).
			Where("id = ?", batch.DeviceID).
			Where("property_id = ?", batch.PropertyID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("mark device synced: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *BunStore) ListPunches(ctx context.Context, filter PunchFilter) ([]models.PunchTransaction, int, error) {
	var punches []models.PunchTransaction
	query := s.db.NewSelect().
		Model(&punches).
		Where("at.property_id = ?", filter.PropertyID).
		Where("at.device_id = ?", filter.DeviceID).
		Order("at.punch_at DESC", "at.employee_code ASC")

	if filter.EmployeeCode != "" {
		query.Where("at.employee_code = ?", filter.EmployeeCode)
	}
	if filter.From != nil {
		query.Where("at.punch_at >= ?", filter.From)
	}
	if filter.To != nil {
		query.Where("at.punch_at < ?", filter.To)
	}
	if filter.Limit > 0 {
		query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query.Offset(filter.Offset)
	}

	count, err := query.ScanAndCount(ctx)
	if err != nil {
		return nil, 0, err
	}
	return punches, count, nil
}

// ---- sync jobs ----

func (s *BunStore) CreateSyncJob(ctx context.Context, job *models.SyncJob) error {
	_, err := s.db.NewInsert().Model(job).Exec(ctx)
	return translateError(err)
}

func (s *BunStore) GetSyncJob(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	job := new(models.SyncJob)
	err := s.db.NewSelect().
		Model(job).
		Where("sj.id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	return job, nil
}

func (s *BunStore) UpdateSyncJob(ctx context.Context, job *models.SyncJob) error {
	res, err := s.db.NewUpdate().Model(job).WherePK().Exec(ctx)
	if err != nil {
		return translateError(err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
