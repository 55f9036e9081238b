package handlers

import (
	"github.com/boscod/punchsync/internal/middleware"
	"github.com/boscod/punchsync/internal/models"
	"github.com/boscod/punchsync/internal/services"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SyncJobHandler struct {
	syncs  *services.SyncService
	logger *zap.Logger
}

func NewSyncJobHandler(syncs *services.SyncService, logger *zap.Logger) *SyncJobHandler {
	return &SyncJobHandler{syncs: syncs, logger: logger}
}

// Get reports the state of a queued sync
func (h *SyncJobHandler) Get(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, services.ErrSyncJobNotFound, "")
	}

	job, err := h.syncs.GetJob(c.Context(), middleware.GetPropertyID(c), id)
	if err != nil {
		return respondError(c, h.logger, err, "Failed to fetch sync job")
	}
	return c.JSON(syncJobResponse(job))
}

func syncJobResponse(job *models.SyncJob) fiber.Map {
	return fiber.Map{
		"job":      job,
		"terminal": job.Terminal(),
	}
}
