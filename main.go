package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"duel-arena-system/handlers"
	"duel-arena-system/middleware"
	"duel-arena-system/models"
	"duel-arena-system/services"
	"duel-arena-system/utils"
	"duel-arena-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("failed to initialize logger:", err)
	}
	defer logger.Sync()

	app := fiber.New(fiber.Config{
		BodyLimit: 15 * 1024 * 1024, // screenshots only, 10MB cap enforced per route
	})

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
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-Session-Token, X-Service-Token, X-Device-ID",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID",
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
		&models.Duel{},
		&models.DuelSubmission{},
		&models.DuelDispute{},
		&models.GameConfiguration{},
		&models.PlayerProfile{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	storage, err := utils.NewR2Storage()
	if err != nil {
		log.Fatal("failed to initialize R2 client:", err)
	}

	timers, err := services.NewDeadlineCoordinator(logger)
	if err != nil {
		log.Fatal("failed to start deadline coordinator:", err)
	}

	var dispatcher services.Dispatcher = services.NopDispatcher{}
	if notifyURL := os.Getenv("NOTIFICATION_SERVICE_URL"); notifyURL != "" {
		dispatcher = services.NewHTTPDispatcher(notifyURL, os.Getenv("DUEL_SERVICE_TOKEN"), logger)
	} else {
		log.Println("⚠️  NOTIFICATION_SERVICE_URL not set, lifecycle events will be dropped")
	}

	ocrURL := os.Getenv("OCR_SERVICE_URL")
	if ocrURL == "" {
		log.Fatal("OCR_SERVICE_URL environment variable not set")
	}
	recognizer := services.NewHTTPRecognizer(ocrURL, os.Getenv("DUEL_SERVICE_TOKEN"), logger)

	duelStore := services.NewGormDuelStore(db)
	configStore := services.NewGormConfigStore(db)

	configService := services.NewGameConfigService(configStore, logger)
	arbitrator := services.NewArbitratorService(duelStore, dispatcher, timers, logger)
	duelService := services.NewDuelService(duelStore, configService, timers, dispatcher, logger)
	verificationService := services.NewVerificationService(configService, duelStore, storage, recognizer, arbitrator, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := configService.SeedDefaults(ctx); err != nil {
		log.Fatal("failed to seed game configurations:", err)
	}

	deadlineWorker := workers.NewDuelDeadlineWorker(duelService)
	deadlineWorker.Start(ctx)

	// ✅ Setup routes — enforced Gateway auth + consistent /s/ prefix
	handlers.SetupDuelRoutes(app, handlers.NewDuelHandler(duelService, verificationService, arbitrator))
	handlers.SetupGameConfigRoutes(app, handlers.NewGameConfigHandler(configService))

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Server running on http://localhost:5300")
	log.Println("✅ Duel Deadline Worker running")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
	if err := app.Shutdown(); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := timers.Shutdown(); err != nil {
		log.Printf("Deadline coordinator shutdown error: %v", err)
	}
}
