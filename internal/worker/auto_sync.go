package worker

import (
	"context"
	"time"

	"github.com/boscod/punchsync/internal/models"
	"github.com/boscod/punchsync/internal/services"
	"go.uber.org/zap"
)

type DeviceLister interface {
	ListAll(ctx context.Context) ([]models.Device, error)
}

type SyncRequester interface {
	RequestSync(ctx context.Context, device *models.Device, window *models.SyncWindow, preferAsync bool) (*services.SyncAck, error)
}

// AutoSync periodically requests a default-window sync of every live device.
type AutoSync struct {
	devices  DeviceLister
	syncs    SyncRequester
	interval time.Duration
	logger   *zap.Logger
}

func NewAutoSync(devices DeviceLister, syncs SyncRequester, interval time.Duration, logger *zap.Logger) *AutoSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoSync{devices: devices, syncs: syncs, interval: interval, logger: logger}
}

// Run blocks until ctx is done. A non-positive interval disables it.
func (a *AutoSync) Run(ctx context.Context) {
	if a.interval <= 0 {
		return
	}
	a.logger.Info("Auto sync enabled", zap.Duration("interval", a.interval))

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.RunOnce(ctx)
		}
	}
}

// RunOnce requests a sync for each device and returns how many were accepted.
func (a *AutoSync) RunOnce(ctx context.Context) int {
	devices, err := a.devices.ListAll(ctx)
	if err != nil {
		a.logger.Error("Auto sync: listing devices failed", zap.Error(err))
		return 0
	}

	accepted := 0
	for i := range devices {
		if ctx.Err() != nil {
			break
		}
		if _, err := a.syncs.RequestSync(ctx, &devices[i], nil, true); err != nil {
			a.logger.Warn("Auto sync: request failed",
				zap.Int64("device_id", devices[i].ID),
				zap.Error(err))
			continue
		}
		accepted++
	}
	a.logger.Debug("Auto sync round finished", zap.Int("devices", len(devices)), zap.Int("accepted", accepted))
	return accepted
}
