package models

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
)

// Device is a biometric attendance terminal reachable over the network.
type Device struct {
	bun.BaseModel `bun:"table:attendance_devices,alias:d"`

	ID                int64        `bun:"id,pk,autoincrement" json:"id"`
	PropertyID        string       `bun:"property_id,notnull" json:"property_id"`
	Name              string       `bun:"name,notnull" json:"name"`
	SerialNumber      *string      `bun:"serial_number" json:"serial_number,omitempty"`
	Address           string       `bun:"address,notnull" json:"address"`
	Port              *int         `bun:"port" json:"port,omitempty"`
	Username          string       `bun:"username" json:"username"`
	PasswordEncrypted string       `bun:"password_encrypted" json:"-"`
	Location          string       `bun:"location" json:"location"`
	Status            DeviceStatus `bun:"status,notnull,default:'offline'" json:"status"`
	LastPingAt        *time.Time   `bun:"last_ping_at" json:"last_ping_at,omitempty"`
	LastSyncAt        *time.Time   `bun:"last_sync_at" json:"last_sync_at,omitempty"`
	Notes             string       `bun:"notes" json:"notes"`
	CreatedAt         time.Time    `bun:"created_at,nullzero,default:now()" json:"created_at"`
	UpdatedAt         time.Time    `bun:"updated_at,nullzero,default:now()" json:"updated_at"`
	DeletedAt         *time.Time   `bun:"deleted_at,soft_delete" json:"-"`
}

// DeviceResponse is the safe representation for API responses
type DeviceResponse struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	SerialNumber *string      `json:"serial_number,omitempty"`
	Address      string       `json:"address"`
	Port         *int         `json:"port,omitempty"`
	Username     string       `json:"username"`
	HasPassword  bool         `json:"has_password"`
	Location     string       `json:"location"`
	Status       DeviceStatus `json:"status"`
	LastPingAt   *string      `json:"last_ping_at,omitempty"`
	LastSyncAt   *string      `json:"last_sync_at,omitempty"`
	Notes        string       `json:"notes"`
	CreatedAt    string       `json:"created_at"`
	UpdatedAt    string       `json:"updated_at"`
}

func (d *Device) ToResponse() *DeviceResponse {
	return &DeviceResponse{
		ID:           d.ID,
		Name:         d.Name,
		SerialNumber: d.SerialNumber,
		Address:      d.Address,
		Port:         d.Port,
		Username:     d.Username,
		HasPassword:  d.PasswordEncrypted != "",
		Location:     d.Location,
		Status:       d.Status,
		LastPingAt:   formatTimePtr(d.LastPingAt),
		LastSyncAt:   formatTimePtr(d.LastSyncAt),
		Notes:        d.Notes,
		CreatedAt:    d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    d.UpdatedAt.Format(time.RFC3339),
	}
}

// Serial returns the serial number or an empty string.
func (d *Device) Serial() string {
	if d.SerialNumber == nil {
		return ""
	}
	return *d.SerialNumber
}

// BeforeInsert hook
var _ bun.BeforeInsertHook = (*Device)(nil)

func (d *Device) BeforeInsert(ctx context.Context, query *bun.InsertQuery) error {
	d.CreatedAt = time.Now()
	d.UpdatedAt = time.Now()
	if d.Status == "" {
		d.Status = DeviceStatusOffline
	}
	return nil
}

// BeforeUpdate hook
var _ bun.BeforeUpdateHook = (*Device)(nil)

func (d *Device) BeforeUpdate(ctx context.Context, query *bun.UpdateQuery) error {
	d.UpdatedAt = time.Now()
	return nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
