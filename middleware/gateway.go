// middleware/gateway.go
package middleware

import (
	"crypto/subtle"
	"log"
	"os"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// GatewayAuthMiddleware gates every route on the shared gateway token. The
// engine never faces the internet directly; the gateway terminates user auth
// and forwards requests with this token plus the verified wallet headers.
func GatewayAuthMiddleware() fiber.Handler {
	expected := os.Getenv("DUEL_SERVICE_TOKEN")
	if expected == "" {
		log.Fatal("❌ DUEL_SERVICE_TOKEN is not set — the engine cannot authenticate gateway traffic")
	}

	return func(c *fiber.Ctx) error {
		// Accept "Bearer <token>" or the raw token.
		token := strings.TrimSpace(strings.TrimPrefix(c.Get("Authorization"), "Bearer "))
		if token == "" {
			log.Printf("🚫 [GATEWAY] Unauthenticated request: %s %s", c.Method(), c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "gateway token required",
			})
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			log.Printf("🚫 [GATEWAY] Invalid token on %s %s", c.Method(), c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid gateway token",
			})
		}
		return c.Next()
	}
}
