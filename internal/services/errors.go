package services

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDuplicateSerial  = errors.New("serial number already registered for this property")
	ErrSyncJobNotFound  = errors.New("sync job not found")
	ErrQueueUnavailable = errors.New("sync queue unavailable")
)

// ValidationError reports invalid administrative input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// PersistenceError wraps a database failure that rolled back a device batch.
type PersistenceError struct {
	DeviceID int64
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("device %d: saving punches failed, batch rolled back: %v", e.DeviceID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
