package handlers

import (
	"fmt"
	"strconv"
	"time"

	"github.com/boscod/punchsync/internal/middleware"
	"github.com/boscod/punchsync/internal/services"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
)

const maxPageLimit = 500

type PunchLogHandler struct {
	logs     *services.PunchLogService
	location *time.Location
	logger   *zap.Logger
}

func NewPunchLogHandler(logs *services.PunchLogService, location *time.Location, logger *zap.Logger) *PunchLogHandler {
	if location == nil {
		location = time.Local
	}
	return &PunchLogHandler{logs: logs, location: location, logger: logger}
}

// List handles paginated punch logs of a device, newest first
func (h *PunchLogHandler) List(c fiber.Ctx) error {
	id, err := deviceID(c)
	if err != nil {
		return respondError(c, h.logger, err, "")
	}

	q, err := h.query(c)
	if err != nil {
		return respondError(c, h.logger, err, "")
	}

	page, err := h.logs.List(c.Context(), middleware.GetPropertyID(c), id, q)
	if err != nil {
		return respondError(c, h.logger, err, "Failed to fetch punch logs")
	}

	return c.JSON(fiber.Map{
		"logs": page.Punches,
		"pagination": fiber.Map{
			"page":        page.Page,
			"limit":       page.Limit,
			"total":       page.Total,
			"total_pages": page.TotalPages(),
		},
	})
}

// Export handles downloading the filtered punch logs as xlsx
func (h *PunchLogHandler) Export(c fiber.Ctx) error {
	id, err := deviceID(c)
	if err != nil {
		return respondError(c, h.logger, err, "")
	}

	q, err := h.query(c)
	if err != nil {
		return respondError(c, h.logger, err, "")
	}

	device, data, err := h.logs.Export(c.Context(), middleware.GetPropertyID(c), id, q, h.location)
	if err != nil {
		return respondError(c, h.logger, err, "Failed to export punch logs")
	}

	filename := fmt.Sprintf("punches_device_%d_%s.xlsx", device.ID, time.Now().In(h.location).Format("20060102_150405"))
	c.Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	return c.Send(data)
}

// query reads page, limit, start_date, end_date (inclusive, YYYY-MM-DD) and employee_code.
func (h *PunchLogHandler) query(c fiber.Ctx) (services.PunchQuery, error) {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	if limit < 1 {
		limit = 50
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	q := services.PunchQuery{
		EmployeeCode: c.Query("employee_code"),
		Page:         page,
		Limit:        limit,
	}

	if raw := c.Query("start_date"); raw != "" {
		start, err := time.ParseInLocation("2006-01-02", raw, h.location)
		if err != nil {
			return q, &services.ValidationError{Field: "start_date", Message: "must be YYYY-MM-DD"}
		}
		q.From = &start
	}
	if raw := c.Query("end_date"); raw != "" {
		end, err := time.ParseInLocation("2006-01-02", raw, h.location)
		if err != nil {
			return q, &services.ValidationError{Field: "end_date", Message: "must be YYYY-MM-DD"}
		}
		end = end.AddDate(0, 0, 1)
		q.To = &end
	}
	return q, nil
}
