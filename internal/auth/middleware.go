package auth

import (
	"strings"

	"tutorchat-ws/internal/domain"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const (
	LocalsIdentity  = "identity"
	LocalsExpiresAt = "expires_at"
)

func AuthRequired(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing authorization header",
			})
		}

		tokenString, ok := BearerToken(authHeader)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid authorization header format",
			})
		}

		identity, expiresAt, err := ValidateToken(tokenString, secret)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals(LocalsIdentity, identity)
		c.Locals(LocalsExpiresAt, expiresAt)
		return c.Next()
	}
}

// WebSocketAuth authenticates the handshake from ?token= or the
// Authorization header and rejects it with 401 before any upgrade.
func WebSocketAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
		}

		tokenString := strings.TrimSpace(c.Query("token"))
		if tokenString == "" {
			tokenString, _ = BearerToken(c.Get("Authorization"))
		}
		if tokenString == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Missing token"})
		}

		identity, expiresAt, err := ValidateToken(tokenString, secret)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
		}

		c.Locals(LocalsIdentity, identity)
		c.Locals(LocalsExpiresAt, expiresAt)
		return c.Next()
	}
}

// IdentityFrom reads the identity stored by AuthRequired.
func IdentityFrom(c *fiber.Ctx) (domain.Identity, bool) {
	identity, ok := c.Locals(LocalsIdentity).(domain.Identity)
	return identity, ok
}
