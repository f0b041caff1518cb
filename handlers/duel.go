// handlers/duel.go
package handlers

import (
	"duel-settlement-engine/middleware"
	"duel-settlement-engine/services"

	"github.com/gofiber/fiber/v2"
)

func SetupDuelRoutes(app *fiber.App, duelService *services.DuelService) {
	// 🔓 Public reads — no wallet context, but still behind Gateway auth
	app.Get("/duels", duelService.ListSessionsHandler)
	app.Get("/duels/:id", duelService.SessionStatusHandler)
	app.Get("/duels/:id/fairness", duelService.FairnessHandler)

	// 🔐 Wallet-bound writes — require X-Wallet-Address from the gateway
	secured := app.Group("/", middleware.WalletContextMiddleware())

	secured.Post("/duels", duelService.CreateSessionHandler)
	secured.Post("/duels/join", duelService.JoinSessionHandler)
	secured.Post("/duels/:id/pick", duelService.SubmitPickHandler)

	// 🔒 Admin-only routes
	admin := secured.Group("/admin")
	admin.Get("/settlements", duelService.RecentSettlementsHandler)
}
