package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"duel-settlement-engine/handlers"
	"duel-settlement-engine/middleware"
	"duel-settlement-engine/models"
	"duel-settlement-engine/services"
	"duel-settlement-engine/utils"
	"duel-settlement-engine/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{})

	// 🔐❗ GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-Wallet-Address, X-Service-Token",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.DuelSession{},
		&models.SettlementRecord{},
		&models.EscrowTransferMirror{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	if err := utils.InitR2(); err != nil {
		// Archive is optional; the settlement_records table is the source of truth.
		log.Printf("⚠️  Settlement archive disabled: %v", err)
	}

	platformWallet := os.Getenv("PLATFORM_WALLET")
	if platformWallet == "" {
		log.Fatal("PLATFORM_WALLET environment variable not set")
	}

	ledger := services.NewLedgerClient()
	duelService := services.NewDuelService(db, ledger, services.NewCommitRandomness(), platformWallet)

	// Sessions that were live when the last process died come back before we
	// accept traffic.
	if err := duelService.Registry.Load(db); err != nil {
		log.Fatal("failed to restore live sessions:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reconcileClient := workers.NewEscrowReconcileClient(db)
	go workers.PollTransfers(ctx, reconcileClient, 10*time.Second)

	duelService.StartSweeper()

	handlers.SetupDuelRoutes(app, duelService)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Duel settlement engine running on http://localhost:5300")
	log.Println("✅ Deadline sweeper running (every 2s)")
	log.Println("✅ Escrow reconciliation polling running (every 10s)")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
}
