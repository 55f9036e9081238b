package handlers

import (
	"strconv"
	"time"

	"github.com/araddon/dateparse"
	"github.com/boscod/punchsync/internal/middleware"
	"github.com/boscod/punchsync/internal/models"
	"github.com/boscod/punchsync/internal/services"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

type DeviceHandler struct {
	devices  *services.DeviceService
	syncs    *services.SyncService
	location *time.Location
	logger   *zap.Logger
}

func NewDeviceHandler(devices *services.DeviceService, syncs *services.SyncService, location *time.Location, logger *zap.Logger) *DeviceHandler {
	if location == nil {
		location = time.Local
	}
	return &DeviceHandler{devices: devices, syncs: syncs, location: location, logger: logger}
}

// List handles listing the property's devices
func (h *DeviceHandler) List(c fiber.Ctx) error {
	devices, err := h.devices.List(c.Context(), middleware.GetPropertyID(c))
	if err != nil {
		return respondError(c, h.logger, err, "Failed to fetch devices")
	}

	responses := make([]*models.DeviceResponse, len(devices))
	for i := range devices {
		responses[i] = devices[i].ToResponse()
	}
	return c.JSON(fiber.Map{
		"devices": responses,
		"total":   len(responses),
	})
}

// Create handles registering a device
func (h *DeviceHandler) Create(c fiber.Ctx) error {
	var payload services.DeviceInput
	if err := c.Bind().JSON(&payload); err != nil {
		return badRequest(c, "Invalid request body")
	}

	device, err := h.devices.Create(c.Context(), middleware.GetPropertyID(c), payload)
	if err != nil {
		return respondError(c, h.logger, err, "Failed to create device")
	}
	return c.Status(fiber.StatusCreated).JSON(device.ToResponse())
}

// Get handles getting a single device
func (h *DeviceHandler) Get(c fiber.Ctx) error {
	device, err := h.device(c)
	if err != nil {
		return respondError(c, h.logger, err, "Failed to fetch device")
	}
	return c.JSON(device.ToResponse())
}

// Update handles a partial update; omitted fields are kept
func (h *DeviceHandler) Update(c fiber.Ctx) error {
	id, err := deviceID(c)
	if err != nil {
		return respondError(c, h.logger, err, "")
	}

	var payload services.DeviceInput
	if err := c.Bind().JSON(&payload); err != nil {
		return badRequest(c, "Invalid request body")
	}

	device, err := h.devices.Update(c.Context(), middleware.GetPropertyID(c), id, payload)
	if err != nil {
		return respondError(c, h.logger, err, "Failed to update device")
	}
	return c.JSON(device.ToResponse())
}

// Delete handles soft-deleting a device; its punches are kept
func (h *DeviceHandler) Delete(c fiber.Ctx) error {
	id, err := deviceID(c)
	if err != nil {
		return respondError(c, h.logger, err, "")
	}

	if err := h.devices.Delete(c.Context(), middleware.GetPropertyID(c), id); err != nil {
		return respondError(c, h.logger, err, "Failed to delete device")
	}
	return c.JSON(fiber.Map{
		"message": "Device deleted successfully",
	})
}

// Ping checks TCP reachability and records the device status
func (h *DeviceHandler) Ping(c fiber.Ctx) error {
	device, err := h.device(c)
	if err != nil {
		return respondError(c, h.logger, err, "Failed to fetch device")
	}

	result, err := h.devices.Ping(c.Context(), device)
	if err != nil {
		return respondError(c, h.logger, err, "Failed to record ping result")
	}
	return c.JSON(fiber.Map{
		"ping":   result,
		"device": device.ToResponse(),
	})
}

// Sync pulls punches from one device, inline or through the job queue
func (h *DeviceHandler) Sync(c fiber.Ctx) error {
	device, err := h.device(c)
	if err != nil {
		return respondError(c, h.logger, err, "Failed to fetch device")
	}

	window, err := h.syncWindow(c)
	if err != nil {
		return respondError(c, h.logger, err, "")
	}

	ack, err := h.syncs.RequestSync(c.Context(), device, window, queryBool(c, "async", false))
	if err != nil {
		return respondError(c, h.logger, err, "Failed to sync device")
	}
	h.logger.Info("Device sync requested",
		zap.Int64("device_id", device.ID),
		zap.Int64("user_id", middleware.GetUserID(c)),
		zap.Bool("queued", ack.Queued))
	if ack.Queued {
		return c.Status(fiber.StatusAccepted).JSON(ack)
	}
	return c.JSON(ack)
}

// SyncAll syncs every device of the property. Queued by default.
func (h *DeviceHandler) SyncAll(c fiber.Ctx) error {
	acks, err := h.syncs.RequestSyncAll(c.Context(), middleware.GetPropertyID(c), queryBool(c, "async", true))
	if err != nil {
		return respondError(c, h.logger, err, "Failed to sync devices")
	}
	h.logger.Info("Property sync requested",
		zap.String("property_id", middleware.GetPropertyID(c)),
		zap.Int64("user_id", middleware.GetUserID(c)),
		zap.Int("devices", len(acks)))

	queued := 0
	for _, ack := range acks {
		if ack.Queued {
			queued++
		}
	}
	return c.JSON(fiber.Map{
		"results": acks,
		"total":   len(acks),
		"queued":  queued,
	})
}

func (h *DeviceHandler) device(c fiber.Ctx) (*models.Device, error) {
	id, err := deviceID(c)
	if err != nil {
		return nil, err
	}
	return h.devices.Get(c.Context(), middleware.GetPropertyID(c), id)
}

// syncWindow reads ?from=&to=. Without from the default window applies;
// a missing to means now.
func (h *DeviceHandler) syncWindow(c fiber.Ctx) (*models.SyncWindow, error) {
	fromRaw, toRaw := c.Query("from"), c.Query("to")
	if fromRaw == "" && toRaw == "" {
		return nil, nil
	}
	if fromRaw == "" {
		return nil, &services.ValidationError{Field: "from", Message: "is required when to is given"}
	}

	from, err := dateparse.ParseIn(fromRaw, h.location)
	if err != nil {
		return nil, &services.ValidationError{Field: "from", Message: "is not a valid date/time"}
	}
	to := time.Now()
	if toRaw != "" {
		if to, err = dateparse.ParseIn(toRaw, h.location); err != nil {
			return nil, &services.ValidationError{Field: "to", Message: "is not a valid date/time"}
		}
	}
	if !from.Before(to) {
		return nil, &services.ValidationError{Field: "from", Message: "must be before to"}
	}
	return &models.SyncWindow{From: from, To: to}, nil
}

func deviceID(c fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		// unknown ids and malformed ids look the same to the caller
		return 0, services.ErrDeviceNotFound
	}
	return id, nil
}

func queryBool(c fiber.Ctx, key string, def bool) bool {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
