package routes

import (
	"time"

	"github.com/boscod/punchsync/internal/handlers"
	"github.com/boscod/punchsync/internal/middleware"
	"github.com/boscod/punchsync/internal/services"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

type Dependencies struct {
	JWT           *services.JWTService
	Devices       *services.DeviceService
	Syncs         *services.SyncService
	PunchLogs     *services.PunchLogService
	Location      *time.Location
	SyncRateLimit int
	HealthChecks  map[string]handlers.HealthCheck
	Logger        *zap.Logger
}

func SetupRoutes(app *fiber.App, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	deviceHandler := handlers.NewDeviceHandler(deps.Devices, deps.Syncs, deps.Location, logger)
	punchLogHandler := handlers.NewPunchLogHandler(deps.PunchLogs, deps.Location, logger)
	syncJobHandler := handlers.NewSyncJobHandler(deps.Syncs, logger)
	healthHandler := handlers.NewHealthHandler(deps.HealthChecks)

	app.Get("/health", healthHandler.Check)

	api := app.Group("/api")
	api.Get("/health", healthHandler.Check)

	// ==================
	// Protected Routes (JWT, scoped to the token's property)
	// ==================
	protected := api.Group("",
		middleware.AuthMiddleware(deps.JWT),
		middleware.SyncRateLimitMiddleware(deps.SyncRateLimit))

	// Device registry
	protected.Get("/devices", deviceHandler.List)
	protected.Post("/devices", deviceHandler.Create)
	protected.Post("/devices/sync-all", deviceHandler.SyncAll)
	protected.Get("/devices/:id", deviceHandler.Get)
	protected.Put("/devices/:id", deviceHandler.Update)
	protected.Delete("/devices/:id", deviceHandler.Delete)
	protected.Post("/devices/:id/ping", deviceHandler.Ping)
	protected.Post("/devices/:id/sync", deviceHandler.Sync)

	// Punch logs
	protected.Get("/devices/:id/logs", punchLogHandler.List)
	protected.Get("/devices/:id/logs/export", punchLogHandler.Export)

	// Sync jobs
	protected.Get("/sync-jobs/:id", syncJobHandler.Get)
}
