// middleware/auth.go
package middleware

import (
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// WalletContextMiddleware extracts the player identity set by the Gateway
// after it verified the wallet signature. The wallet address is the only
// identity the engine knows; there are no accounts or usernames here.
func WalletContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		walletAddr := strings.TrimSpace(c.Get("X-Wallet-Address"))

		if walletAddr == "" {
			log.Printf("❌ [WALLET_CTX] X-Wallet-Address required but missing on: %s", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-Wallet-Address — request must come through gateway with a verified wallet",
			})
		}

		c.Locals("wallet", walletAddr)
		return c.Next()
	}
}
