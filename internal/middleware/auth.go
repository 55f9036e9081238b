package middleware

import (
	"strings"

	"github.com/boscod/punchsync/internal/services"
	"github.com/gofiber/fiber/v3"
)

const (
	ContextKeyUserID     = "user_id"
	ContextKeyPropertyID = "property_id"
	ContextKeyRole       = "role"
)

// AuthMiddleware validates the bearer token and scopes the request to the
// property it carries.
func AuthMiddleware(jwtService *services.JWTService) fiber.Handler {
	return func(c fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		var token string

		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}

		// If no token in header, try to get from cookie
		if token == "" {
			token = c.Cookies("token")
		}

		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "Unauthorized",
				"message": "Authentication required",
			})
		}

		claims, err := jwtService.ValidateToken(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "Unauthorized",
				"message": "Invalid or expired token",
			})
		}

		c.Locals(ContextKeyUserID, claims.UserID)
		c.Locals(ContextKeyPropertyID, claims.PropertyID)
		c.Locals(ContextKeyRole, claims.Role)

		return c.Next()
	}
}

// GetPropertyID gets the property the request is scoped to
func GetPropertyID(c fiber.Ctx) string {
	if id, ok := c.Locals(ContextKeyPropertyID).(string); ok {
		return id
	}
	return ""
}

func GetUserID(c fiber.Ctx) int64 {
	if id, ok := c.Locals(ContextKeyUserID).(int64); ok {
		return id
	}
	return 0
}
