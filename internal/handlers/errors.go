package handlers

import (
	"errors"

	"github.com/boscod/punchsync/internal/services"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

// respondError maps service errors to the API's JSON error shape.
func respondError(c fiber.Ctx, logger *zap.Logger, err error, fallback string) error {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Bad Request",
			"message": verr.Error(),
			"field":   verr.Field,
		})
	case errors.Is(err, services.ErrDeviceNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "Device not found",
		})
	case errors.Is(err, services.ErrSyncJobNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "Sync job not found",
		})
	case errors.Is(err, services.ErrDuplicateSerial):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":   "Conflict",
			"message": err.Error(),
		})
	}

	logger.Error(fallback, zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error":   "Internal Server Error",
		"message": fallback,
	})
}

func badRequest(c fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":   "Bad Request",
		"message": message,
	})
}
