package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boscod/punchsync/internal/models"
	"github.com/boscod/punchsync/internal/parser"
	"github.com/boscod/punchsync/internal/soap"
	"go.uber.org/zap"
)

const (
	DefaultLookback = 7 * 24 * time.Hour
	DefaultOverlap  = time.Hour
)

// LogFetcher is the transport used to pull raw logs from a device.
type LogFetcher interface {
	FetchLogs(ctx context.Context, device *models.Device, creds soap.Credentials, from, to time.Time) ([]byte, error)
}

type SyncOptions struct {
	// Lookback is the window of a device that was never synced.
	Lookback time.Duration
	// Overlap is subtracted from last_sync_at so late-written punches are not missed.
	Overlap  time.Duration
	Location *time.Location
}

// SyncOrchestrator runs fetch, extract, parse and record for devices.
type SyncOrchestrator struct {
	devices  *DeviceService
	fetcher  LogFetcher
	recorder *PunchRecorder
	opts     SyncOptions
	logger   *zap.Logger
	now      func() time.Time
}

func NewSyncOrchestrator(devices *DeviceService, fetcher LogFetcher, recorder *PunchRecorder, opts SyncOptions, logger *zap.Logger) *SyncOrchestrator {
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncOrchestrator{
		devices:  devices,
		fetcher:  fetcher,
		recorder: recorder,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// DefaultWindow is [last_sync_at - overlap, now], or [now - lookback, now]
// for a device that was never synced.
func (o *SyncOrchestrator) DefaultWindow(device *models.Device) models.SyncWindow {
	now := o.now()
	if device.LastSyncAt == nil || device.LastSyncAt.IsZero() {
		return models.SyncWindow{From: now.Add(-o.opts.Lookback), To: now}
	}
	from := device.LastSyncAt.Add(-o.opts.Overlap)
	if from.After(now) {
		from = now
	}
	return models.SyncWindow{From: from, To: now}
}

// SyncOne pulls and records the device's punches. A nil window selects the
// default. Failures are reported in the summary, never returned.
func (o *SyncOrchestrator) SyncOne(ctx context.Context, device *models.Device, window *models.SyncWindow) *models.SyncSummary {
	w := o.DefaultWindow(device)
	if window != nil {
		w = *window
	}
	summary := models.NewSyncSummary(device, w)
	defer o.finish(summary)

	creds, err := o.devices.Credentials(device)
	if err != nil {
		summary.AddError(err)
		return summary
	}

	body, err := o.fetcher.FetchLogs(ctx, device, creds, w.From, w.To)
	if err != nil {
		summary.AddError(err)
		o.markUnreachable(ctx, device, err)
		return summary
	}

	block, err := parser.ExtractDataBlock(body)
	if err != nil {
		if !errors.Is(err, parser.ErrNoDataBlock) {
			summary.AddError(fmt.Errorf("extract data block: %w", err))
			return summary
		}
		o.logger.Warn("Device returned no transaction data",
			zap.Int64("device_id", device.ID),
			zap.Int("body_bytes", len(body)))
		o.recorder.recordInto(ctx, device, nil, summary)
		return summary
	}

	parsed := parser.ParseLines(block, o.opts.Location)
	summary.Malformed = len(parsed.Skipped)
	for _, skipped := range parsed.Skipped {
		o.logger.Debug("Skipped log line",
			zap.Int64("device_id", device.ID),
			zap.Int("line", skipped.Line),
			zap.String("reason", skipped.Reason),
			zap.String("raw", skipped.Raw))
	}

	o.recorder.recordInto(ctx, device, parsed.Candidates, summary)
	return summary
}

// SyncAllForProperty syncs every device of the property one after another.
// A failing device does not stop the others.
func (o *SyncOrchestrator) SyncAllForProperty(ctx context.Context, propertyID string) ([]*models.SyncSummary, error) {
	devices, err := o.devices.List(ctx, propertyID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	summaries := make([]*models.SyncSummary, 0, len(devices))
	for i := range devices {
		if err := ctx.Err(); err != nil {
			return summaries, err
		}
		summaries = append(summaries, o.SyncOne(ctx, &devices[i], nil))
	}
	return summaries, nil
}

func (o *SyncOrchestrator) finish(summary *models.SyncSummary) {
	summary.FinishedAt = o.now()

	fields := []zap.Field{
		zap.Int64("device_id", summary.DeviceID),
		zap.String("property_id", summary.PropertyID),
		zap.Time("from", summary.From),
		zap.Time("to", summary.To),
		zap.Int("fetched", summary.Fetched),
		zap.Int("inserted", summary.Inserted),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("malformed", summary.Malformed),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
	}
	if summary.Failed() {
		o.logger.Error("Device sync failed", append(fields, zap.Strings("errors", summary.Errors))...)
		return
	}
	o.logger.Info("Device sync finished", fields...)
}

// markUnreachable flags the device offline when the network call itself failed.
func (o *SyncOrchestrator) markUnreachable(ctx context.Context, device *models.Device, err error) {
	var terr *soap.TransportError
	if !errors.As(err, &terr) || terr.StatusCode != 0 {
		return
	}
	device.Status = models.DeviceStatusOffline
	// the fetch may have failed because ctx expired
	if uerr := o.devices.store.UpdateDeviceColumns(context.WithoutCancel(ctx), device, "status"); uerr != nil {
		o.logger.Warn("Could not mark device offline", zap.Int64("device_id", device.ID), zap.Error(uerr))
	}
}
