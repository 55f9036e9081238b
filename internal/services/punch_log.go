package services

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/boscod/punchsync/internal/models"
	"github.com/boscod/punchsync/internal/repository"
	"github.com/xuri/excelize/v2"
)

const (
	exportSheet   = "Punches"
	maxExportRows = 100000
)

// PunchLogService reads stored punches of a device.
type PunchLogService struct {
	devices *DeviceService
	store   repository.PunchStore
}

func NewPunchLogService(devices *DeviceService, store repository.PunchStore) *PunchLogService {
	return &PunchLogService{devices: devices, store: store}
}

// PunchQuery filters a device's punches. To is exclusive.
type PunchQuery struct {
	EmployeeCode string
	From         *time.Time
	To           *time.Time
	Page         int
	Limit        int
}

type PunchPage struct {
	Punches []models.PunchTransaction
	Total   int
	Page    int
	Limit   int
}

func (p *PunchPage) TotalPages() int {
	if p.Limit <= 0 {
		return 0
	}
	return (p.Total + p.Limit - 1) / p.Limit
}

func (s *PunchLogService) List(ctx context.Context, propertyID string, deviceID int64, q PunchQuery) (*PunchPage, error) {
	if _, err := s.devices.Get(ctx, propertyID, deviceID); err != nil {
		return nil, err
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = 50
	}

	rows, total, err := s.store.ListPunches(ctx, repository.PunchFilter{
		PropertyID:   propertyID,
		DeviceID:     deviceID,
		EmployeeCode: q.EmployeeCode,
		From:         q.From,
		To:           q.To,
		Limit:        q.Limit,
		Offset:       (q.Page - 1) * q.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list punches: %w", err)
	}
	return &PunchPage{Punches: rows, Total: total, Page: q.Page, Limit: q.Limit}, nil
}

// Export renders the matching punches as an xlsx workbook, newest first.
func (s *PunchLogService) Export(ctx context.Context, propertyID string, deviceID int64, q PunchQuery, loc *time.Location) (*models.Device, []byte, error) {
	device, err := s.devices.Get(ctx, propertyID, deviceID)
	if err != nil {
		return nil, nil, err
	}
	if loc == nil {
		loc = time.Local
	}

	rows, _, err := s.store.ListPunches(ctx, repository.PunchFilter{
		PropertyID:   propertyID,
		DeviceID:     deviceID,
		EmployeeCode: q.EmployeeCode,
		From:         q.From,
		To:           q.To,
		Limit:        maxExportRows,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list punches: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, nil, err
	}
	header := []interface{}{"Employee Code", "Punch Time", "Device", "Raw Line", "Synced At"}
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return nil, nil, err
	}

	for i, p := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, nil, err
		}
		row := []interface{}{
			p.EmployeeCode,
			p.PunchAt.In(loc).Format("2006-01-02 15:04:05"),
			device.Name,
			p.RawLine,
			p.CreatedAt.In(loc).Format("2006-01-02 15:04:05"),
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return nil, nil, err
		}
	}
	_ = f.SetColWidth(exportSheet, "A", "A", 16)
	_ = f.SetColWidth(exportSheet, "B", "B", 20)
	_ = f.SetColWidth(exportSheet, "D", "D", 40)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, nil, fmt.Errorf("write workbook: %w", err)
	}
	return device, buf.Bytes(), nil
}
