package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/boscod/punchsync/config"
	"github.com/boscod/punchsync/internal/models"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.uber.org/zap"
)

var DB *bun.DB

const (
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 10 * time.Second
	backoffFactor  = 2
)

func Connect(cfg *config.Config, logger *zap.Logger) (*bun.DB, error) {
	var db *bun.DB
	var lastErr error
	backoff := initialBackoff

	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, lastErr = attemptConnect(cfg)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("Connected to database after retry", zap.Int("attempt", attempt))
			}
			DB = db
			return db, nil
		}

		logger.Warn("Database connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxRetries),
			zap.Error(lastErr))

		if attempt < maxRetries {
			logger.Info("Retrying database connection", zap.Duration("backoff", backoff))
			time.Sleep(backoff)

			// Exponential backoff with max limit
			backoff *= backoffFactor
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, lastErr)
}

func attemptConnect(cfg *config.Config) (*bun.DB, error) {
	connector := pgdriver.NewConnector(
		pgdriver.WithDSN(cfg.DatabaseURL),
		pgdriver.WithDialTimeout(10*time.Second),
		pgdriver.WithReadTimeout(30*time.Second),
		pgdriver.WithWriteTimeout(30*time.Second),
	)
	sqldb := sql.OpenDB(connector)

	// Sync jobs hold one connection per device transaction; the API needs a few more.
	sqldb.SetMaxOpenConns(10)
	sqldb.SetMaxIdleConns(5)
	sqldb.SetConnMaxLifetime(5 * time.Minute)
	sqldb.SetConnMaxIdleTime(1 * time.Minute)

	// Create Bun DB instance
	db := bun.NewDB(sqldb, pgdialect.New())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

func Close() error {
	if DB != nil {
		return DB.Close()
	}
	return nil
}

// Migrate creates the attendance tables and the punch uniqueness index.
func Migrate(ctx context.Context, db *bun.DB) error {
	tables := []*bun.CreateTableQuery{
		db.NewCreateTable().Model((*models.Device)(nil)).IfNotExists(),
		db.NewCreateTable().Model((*models.PunchTransaction)(nil)).IfNotExists().
			ForeignKey(`("device_id") REFERENCES "attendance_devices" ("id") ON DELETE SET NULL`),
		db.NewCreateTable().Model((*models.SyncJob)(nil)).IfNotExists(),
	}
	for _, q := range tables {
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []*bun.CreateIndexQuery{
		db.NewCreateIndex().
			Model((*models.PunchTransaction)(nil)).
			Index("attendance_transactions_device_employee_punch_uniq").
			Unique().
			IfNotExists().
			Column("device_id", "employee_code", "punch_at"),
		db.NewCreateIndex().
			Model((*models.PunchTransaction)(nil)).
			Index("attendance_transactions_property_punch_idx").
			IfNotExists().
			Column("property_id", "punch_at"),
		db.NewCreateIndex().
			Model((*models.Device)(nil)).
			Index("attendance_devices_property_serial_uniq").
			Unique().
			IfNotExists().
			Column("property_id", "serial_number").
			Where("deleted_at IS NULL AND serial_number IS NOT NULL"),
		db.NewCreateIndex().
			Model((*models.Device)(nil)).
			Index("attendance_devices_property_idx").
			IfNotExists().
			Column("property_id"),
		db.NewCreateIndex().
			Model((*models.SyncJob)(nil)).
			Index("attendance_sync_jobs_device_idx").
			IfNotExists().
			Column("device_id", "created_at"),
	}
	for _, q := range indexes {
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
