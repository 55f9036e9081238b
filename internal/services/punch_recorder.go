package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/boscod/punchsync/internal/models"
	"github.com/boscod/punchsync/internal/parser"
	"github.com/boscod/punchsync/internal/repository"
	"go.uber.org/zap"
)

// DedupStrategy selects how already-stored punches are filtered out.
type DedupStrategy string

const (
	// StrategyExact checks every candidate against the stored
	// (employee_code, punch_at) keys of the device.
	StrategyExact DedupStrategy = "exact"
	// StrategyHighWaterMark keeps only candidates newer than the latest
	// stored punch of the device.
	StrategyHighWaterMark DedupStrategy = "high_water_mark"
)

func ParseDedupStrategy(s string) (DedupStrategy, error) {
	switch DedupStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyExact:
		return StrategyExact, nil
	case StrategyHighWaterMark, "hwm":
		return StrategyHighWaterMark, nil
	}
	return "", fmt.Errorf("unknown sync strategy %q", s)
}

// LastPunchProvider returns the latest stored punch time of a device, or nil
// when it has none.
type LastPunchProvider interface {
	LatestPunchAt(ctx context.Context, propertyID string, deviceID int64) (*time.Time, error)
}

type RecorderOptions struct {
	Strategy  DedupStrategy
	ChunkSize int
	// LastPunch overrides the store as high-water-mark source.
	LastPunch LastPunchProvider
}

// PunchRecorder deduplicates parsed candidates and persists the survivors.
type PunchRecorder struct {
	store     repository.PunchStore
	lastPunch LastPunchProvider
	strategy  DedupStrategy
	chunkSize int
	logger    *zap.Logger
	now       func() time.Time
}

func NewPunchRecorder(store repository.PunchStore, opts RecorderOptions, logger *zap.Logger) *PunchRecorder {
	if opts.Strategy == "" {
		opts.Strategy = StrategyExact
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = repository.DefaultChunkSize
	}
	if opts.LastPunch == nil {
		opts.LastPunch = store
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PunchRecorder{
		store:     store,
		lastPunch: opts.LastPunch,
		strategy:  opts.Strategy,
		chunkSize: opts.ChunkSize,
		logger:    logger,
		now:       time.Now,
	}
}

func (r *PunchRecorder) Strategy() DedupStrategy {
	return r.strategy
}

// Record persists candidates for one device and returns the counts. The
// summary window is the span of the candidates.
func (r *PunchRecorder) Record(ctx context.Context, device *models.Device, candidates []parser.Candidate) *models.SyncSummary {
	window := models.SyncWindow{}
	if len(candidates) > 0 {
		window.From = candidates[0].PunchAt
		window.To = candidates[len(candidates)-1].PunchAt
	}
	summary := models.NewSyncSummary(device, window)
	r.recordInto(ctx, device, candidates, summary)
	summary.FinishedAt = r.now()
	return summary
}

// recordInto fills Fetched, Inserted, Duplicates and Errors on summary.
// On success the device's status and last_sync_at are updated in place.
func (r *PunchRecorder) recordInto(ctx context.Context, device *models.Device, candidates []parser.Candidate, summary *models.SyncSummary) {
	summary.Fetched = len(candidates)

	fresh, syncedAt, err := r.filter(ctx, device, candidates)
	if err != nil {
		summary.AddError(&PersistenceError{DeviceID: device.ID, Err: err})
		return
	}
	summary.Duplicates = len(candidates) - len(fresh)

	rows := make([]models.PunchTransaction, 0, len(fresh))
	for _, c := range fresh {
		rows = append(rows, newPunchRow(device, c))
	}

	inserted, err := r.store.SavePunches(ctx, repository.PunchBatch{
		PropertyID: device.PropertyID,
		DeviceID:   device.ID,
		Rows:       rows,
		ChunkSize:  r.chunkSize,
		SyncedAt:   syncedAt,
	})
	if err != nil {
		summary.Inserted = 0
		summary.AddError(&PersistenceError{DeviceID: device.ID, Err: err})
		r.logger.Error("Saving punches failed, batch rolled back",
			zap.Int64("device_id", device.ID),
			zap.Int("rows", len(rows)),
			zap.Error(err))
		return
	}

	// rows rejected by the unique index lost a race with a concurrent sync
	summary.Inserted = inserted
	summary.Duplicates += len(rows) - inserted

	device.Status = models.DeviceStatusOnline
	device.LastSyncAt = &syncedAt
}

// filter drops candidates that are already stored or repeated in the batch,
// and returns the last_sync_at value to commit with the survivors.
func (r *PunchRecorder) filter(ctx context.Context, device *models.Device, candidates []parser.Candidate) ([]parser.Candidate, time.Time, error) {
	now := r.now()
	if len(candidates) == 0 {
		return nil, now, nil
	}

	seen := make(map[models.PunchKey]struct{}, len(candidates))
	fresh := make([]parser.Candidate, 0, len(candidates))

	switch r.strategy {
	case StrategyHighWaterMark:
		mark, err := r.lastPunch.LatestPunchAt(ctx, device.PropertyID, device.ID)
		if err != nil {
			return nil, now, fmt.Errorf("load high-water mark: %w", err)
		}
		var newest time.Time
		for _, c := range candidates {
			if mark != nil && !c.PunchAt.After(*mark) {
				continue
			}
			key := models.NewPunchKey(c.EmployeeCode, c.PunchAt)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			fresh = append(fresh, c)
			if c.PunchAt.After(newest) {
				newest = c.PunchAt
			}
		}
		if newest.IsZero() {
			return fresh, now, nil
		}
		return fresh, newest, nil

	default:
		from, to := candidates[0].PunchAt, candidates[0].PunchAt
		for _, c := range candidates[1:] {
			if c.PunchAt.Before(from) {
				from = c.PunchAt
			}
			if c.PunchAt.After(to) {
				to = c.PunchAt
			}
		}
		existing, err := r.store.ExistingPunchKeys(ctx, device.PropertyID, device.ID, from, to)
		if err != nil {
			return nil, now, fmt.Errorf("load existing punches: %w", err)
		}
		for _, c := range candidates {
			key := models.NewPunchKey(c.EmployeeCode, c.PunchAt)
			if _, dup := existing[key]; dup {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			fresh = append(fresh, c)
		}
		return fresh, now, nil
	}
}

func newPunchRow(device *models.Device, c parser.Candidate) models.PunchTransaction {
	deviceID := device.ID
	payload := map[string]any{"tokens": c.Tokens}
	if serial := device.Serial(); serial != "" {
		payload["serial_number"] = serial
	}
	return models.PunchTransaction{
		PropertyID:   device.PropertyID,
		DeviceID:     &deviceID,
		EmployeeCode: c.EmployeeCode,
		PunchAt:      c.PunchAt,
		RawLine:      c.RawLine,
		RawPayload:   payload,
	}
}
