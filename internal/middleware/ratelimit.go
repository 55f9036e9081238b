package middleware

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/limiter"
)

// SyncRateLimitMiddleware limits sync requests per property, since every
// request opens connections to the property's devices. Other requests pass
// through. Must run after AuthMiddleware.
func SyncRateLimitMiddleware(perMinute int) fiber.Handler {
	if perMinute <= 0 {
		perMinute = 6
	}
	return limiter.New(limiter.Config{
		Next: func(c fiber.Ctx) bool {
			return !IsSyncRequest(c.Method(), c.Path())
		},
		Max:        perMinute,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c fiber.Ctx) string {
			if propertyID := GetPropertyID(c); propertyID != "" {
				return "property:" + propertyID
			}
			return "ip:" + GetRealIP(c)
		},
		LimitReached: func(c fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many requests",
				"message":     "Too many sync requests for this property. Try again in a minute.",
				"retry_after": 60,
			})
		},
	})
}

// IsSyncRequest matches POST /devices/:id/sync and POST /devices/sync-all.
func IsSyncRequest(method, path string) bool {
	if method != fiber.MethodPost {
		return false
	}
	path = strings.TrimSuffix(path, "/")
	return strings.HasSuffix(path, "/sync") || strings.HasSuffix(path, "/devices/sync-all")
}

// GetRealIP extracts the real client IP from headers or connection
// Priority: X-Real-IP > X-Forwarded-For > c.IP()
func GetRealIP(c fiber.Ctx) string {
	if realIP := c.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if forwardedFor := c.Get("X-Forwarded-For"); forwardedFor != "" {
		return forwardedFor
	}
	return c.IP()
}
