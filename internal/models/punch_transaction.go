package models

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// PunchTransaction is one attendance event reported by a device.
// (device_id, employee_code, punch_at) is unique.
type PunchTransaction struct {
	bun.BaseModel `bun:"table:attendance_transactions,alias:at"`

	ID           int64          `bun:"id,pk,autoincrement" json:"id"`
	PropertyID   string         `bun:"property_id,notnull" json:"property_id"`
	DeviceID     *int64         `bun:"device_id" json:"device_id,omitempty"`
	EmployeeCode string         `bun:"employee_code,notnull" json:"employee_code"`
	PunchAt      time.Time      `bun:"punch_at,notnull" json:"punch_at"`
	RawLine      string         `bun:"raw_line" json:"raw_line"`
	RawPayload   map[string]any `bun:"raw_payload,type:jsonb" json:"raw_payload,omitempty"`
	IsProcessed  bool           `bun:"is_processed,notnull,default:false" json:"is_processed"`
	ProcessedAt  *time.Time     `bun:"processed_at" json:"processed_at,omitempty"`
	CreatedAt    time.Time      `bun:"created_at,nullzero,default:now()" json:"created_at"`

	Device *Device `bun:"rel:belongs-to,join:device_id=id" json:"-"`
}

// PunchKey identifies a punch within one device.
type PunchKey struct {
	EmployeeCode string
	PunchAt      int64 // unix microseconds, the timestamptz resolution
}

func NewPunchKey(employeeCode string, punchAt time.Time) PunchKey {
	return PunchKey{EmployeeCode: employeeCode, PunchAt: punchAt.UnixMicro()}
}

func (p *PunchTransaction) Key() PunchKey {
	return NewPunchKey(p.EmployeeCode, p.PunchAt)
}

// BeforeInsert hook
var _ bun.BeforeInsertHook = (*PunchTransaction)(nil)

func (p *PunchTransaction) BeforeInsert(ctx context.Context, query *bun.InsertQuery) error {
	p.CreatedAt = time.Now()
	return nil
}
