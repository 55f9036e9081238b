package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/boscod/punchsync/internal/models"
	"github.com/boscod/punchsync/internal/repository"
	"github.com/boscod/punchsync/internal/soap"
	"go.uber.org/zap"
)

const DefaultPingTimeout = 3 * time.Second

// DeviceService is the device registry: tenant-scoped CRUD plus a TCP
// reachability probe.
type DeviceService struct {
	store       repository.DeviceStore
	crypto      *CryptoService
	logger      *zap.Logger
	pingTimeout time.Duration
	now         func() time.Time
}

func NewDeviceService(store repository.DeviceStore, crypto *CryptoService, pingTimeout time.Duration, logger *zap.Logger) *DeviceService {
	if pingTimeout <= 0 {
		pingTimeout = DefaultPingTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceService{
		store:       store,
		crypto:      crypto,
		logger:      logger,
		pingTimeout: pingTimeout,
		now:         time.Now,
	}
}

// DeviceInput carries create/update attributes. Nil fields are left untouched on update.
type DeviceInput struct {
	Name         *string `json:"name"`
	SerialNumber *string `json:"serial_number"`
	Address      *string `json:"address"`
	Port         *int    `json:"port"`
	Username     *string `json:"username"`
	Password     *string `json:"password"`
	Location     *string `json:"location"`
	Notes        *string `json:"notes"`
}

// PingResult is the outcome of a reachability probe.
type PingResult struct {
	Success bool                `json:"success"`
	Status  models.DeviceStatus `json:"status"`
	Address string              `json:"address"`
	Latency time.Duration       `json:"latency_ns"`
	Error   string              `json:"error,omitempty"`
}

func (s *DeviceService) Create(ctx context.Context, propertyID string, in DeviceInput) (*models.Device, error) {
	name := trimmed(in.Name)
	if name == "" {
		return nil, invalid("name", "is required")
	}
	address := trimmed(in.Address)
	if address == "" {
		return nil, invalid("address", "is required")
	}

	address, port, err := NormalizeAddress(address, in.Port)
	if err != nil {
		return nil, err
	}

	device := &models.Device{
		PropertyID:   propertyID,
		Name:         name,
		SerialNumber: optional(in.SerialNumber),
		Address:      address,
		Port:         port,
		Username:     trimmed(in.Username),
		Location:     trimmed(in.Location),
		Notes:        trimmed(in.Notes),
		Status:       models.DeviceStatusOffline,
	}

	if err := s.checkSerial(ctx, device); err != nil {
		return nil, err
	}
	if in.Password != nil {
		if device.PasswordEncrypted, err = s.crypto.Encrypt(*in.Password); err != nil {
			return nil, fmt.Errorf("encrypt device password: %w", err)
		}
	}

	if err := s.store.CreateDevice(ctx, device); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrDuplicateSerial
		}
		return nil, fmt.Errorf("create device: %w", err)
	}

	s.logger.Info("Device registered",
		zap.String("property_id", propertyID),
		zap.Int64("device_id", device.ID),
		zap.String("address", device.Address))
	return device, nil
}

func (s *DeviceService) Update(ctx context.Context, propertyID string, id int64, in DeviceInput) (*models.Device, error) {
	device, err := s.Get(ctx, propertyID, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		if device.Name = trimmed(in.Name); device.Name == "" {
			return nil, invalid("name", "must not be empty")
		}
	}
	if in.SerialNumber != nil {
		device.SerialNumber = optional(in.SerialNumber)
	}
	if in.Address != nil || in.Port != nil {
		address := device.Address
		if in.Address != nil {
			if address = trimmed(in.Address); address == "" {
				return nil, invalid("address", "must not be empty")
			}
		}
		port := device.Port
		if in.Port != nil {
			port = in.Port
		} else if in.Address != nil {
			// a new address brings its own port, if any
			port = nil
		}
		if device.Address, device.Port, err = NormalizeAddress(address, port); err != nil {
			return nil, err
		}
	}
	if in.Username != nil {
		device.Username = trimmed(in.Username)
	}
	if in.Location != nil {
		device.Location = trimmed(in.Location)
	}
	if in.Notes != nil {
		device.Notes = trimmed(in.Notes)
	}
	if in.Password != nil {
		if device.PasswordEncrypted, err = s.crypto.Encrypt(*in.Password); err != nil {
			return nil, fmt.Errorf("encrypt device password: %w", err)
		}
	}

	if err := s.checkSerial(ctx, device); err != nil {
		return nil, err
	}

	if err := s.store.UpdateDevice(ctx, device); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrDeviceNotFound
		case errors.Is(err, repository.ErrDuplicate):
			return nil, ErrDuplicateSerial
		}
		return nil, fmt.Errorf("update device: %w", err)
	}
	return device, nil
}

func (s *DeviceService) Delete(ctx context.Context, propertyID string, id int64) error {
	if err := s.store.DeleteDevice(ctx, propertyID, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrDeviceNotFound
		}
		return fmt.Errorf("delete device: %w", err)
	}
	s.logger.Info("Device deleted", zap.String("property_id", propertyID), zap.Int64("device_id", id))
	return nil
}

func (s *DeviceService) Get(ctx context.Context, propertyID string, id int64) (*models.Device, error) {
	device, err := s.store.GetDevice(ctx, propertyID, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	return device, nil
}

func (s *DeviceService) List(ctx context.Context, propertyID string) ([]models.Device, error) {
	return s.store.ListDevices(ctx, propertyID)
}

// ListAll returns every live device across properties.
func (s *DeviceService) ListAll(ctx context.Context) ([]models.Device, error) {
	return s.store.ListAllDevices(ctx)
}

// Ping opens a TCP connection to the device. The resulting status is
// persisted whether or not the device answered; the returned error is only
// set when persisting fails.
func (s *DeviceService) Ping(ctx context.Context, device *models.Device) (*PingResult, error) {
	result := &PingResult{}

	addr, err := soap.DialAddress(device)
	if err == nil {
		result.Address = addr
		dialer := net.Dialer{Timeout: s.pingTimeout}
		started := s.now()
		var conn net.Conn
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			result.Latency = s.now().Sub(started)
			conn.Close()
		}
	}

	columns := []string{"status"}
	if err != nil {
		result.Error = err.Error()
		device.Status = models.DeviceStatusOffline
	} else {
		result.Success = true
		now := s.now()
		device.Status = models.DeviceStatusOnline
		device.LastPingAt = &now
		columns = append(columns, "last_ping_at")
	}
	result.Status = device.Status

	s.logger.Debug("Device ping",
		zap.Int64("device_id", device.ID),
		zap.String("address", result.Address),
		zap.Bool("success", result.Success),
		zap.String("error", result.Error))

	if err := s.store.UpdateDeviceColumns(ctx, device, columns...); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return result, ErrDeviceNotFound
		}
		return result, fmt.Errorf("persist ping status: %w", err)
	}
	return result, nil
}

// Credentials decrypts the stored device password for a SOAP call.
func (s *DeviceService) Credentials(device *models.Device) (soap.Credentials, error) {
	password, err := s.crypto.Decrypt(device.PasswordEncrypted)
	if err != nil {
		return soap.Credentials{}, fmt.Errorf("device %d: decrypt password: %w", device.ID, err)
	}
	return soap.Credentials{Username: device.Username, Password: password}, nil
}

func (s *DeviceService) checkSerial(ctx context.Context, device *models.Device) error {
	serial := device.Serial()
	if serial == "" {
		return nil
	}
	taken, err := s.store.SerialExists(ctx, device.PropertyID, serial, device.ID)
	if err != nil {
		return fmt.Errorf("check serial number: %w", err)
	}
	if taken {
		return ErrDuplicateSerial
	}
	return nil
}

// NormalizeAddress splits an embedded "host:port" when no explicit port is
// given. Addresses with a scheme are kept as entered.
func NormalizeAddress(address string, port *int) (string, *int, error) {
	address = strings.TrimSpace(address)

	if soap.HasScheme(address) {
		u, err := url.Parse(address)
		if err != nil || u.Host == "" {
			return "", nil, invalid("address", "is not a valid URL")
		}
	} else if host, rawPort, err := net.SplitHostPort(address); err == nil {
		embedded, err := strconv.Atoi(rawPort)
		if err != nil {
			return "", nil, invalid("address", "has a non-numeric port")
		}
		address = host
		if port == nil {
			port = &embedded
		}
	}

	if port != nil && (*port < 1 || *port > 65535) {
		return "", nil, invalid("port", "must be between 1 and 65535")
	}
	return address, port, nil
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func optional(s *string) *string {
	v := trimmed(s)
	if v == "" {
		return nil
	}
	return &v
}
