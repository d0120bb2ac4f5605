package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"recovery-engine/handlers"
	"recovery-engine/logger"
	"recovery-engine/middleware"
	"recovery-engine/models"
	"recovery-engine/services"
	"recovery-engine/utils"
	"recovery-engine/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// Not fatal: production reads environment variables directly.
		os.Stderr.WriteString("no .env file found, reading environment variables directly\n")
	}

	logger.Initialize(logger.Configuration{
		Level:   os.Getenv("LOG_LEVEL"),
		Console: true,
		LogFile: os.Getenv("LOG_FILE"),
	})

	app := fiber.New(fiber.Config{
		BodyLimit: 10 * 1024 * 1024, // badge icons are the largest upload
	})

	// Only Gateway requests allowed, no exceptions.
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		logger.Warn("ALLOWED_ORIGINS not set, using default http://localhost:3000")
		allowedOrigins = "http://localhost:3000"
	}
	origins := strings.Split(allowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(origins, ","),
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-User-ID, X-User-Roles",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	if err := db.AutoMigrate(
		&models.UserProgress{},
		&models.Ritual{},
		&models.RitualAssignment{},
		&models.NoContactStatus{},
		&models.NoContactTransition{},
		&models.BadgeType{},
		&models.UserBadge{},
		&models.PendingBadgeEvaluation{},
		&models.UsageQuota{},
		&models.QuotaTopUp{},
		&models.RewardTransaction{},
		&models.RateLimitWindow{},
	); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	if os.Getenv("R2_BUCKET_NAME") != "" {
		if err := utils.InitR2(); err != nil {
			logger.Fatal("failed to initialize R2 client", zap.Error(err))
		}
	} else {
		logger.Warn("R2_BUCKET_NAME not set, badge icon uploads disabled")
	}

	progressionService := services.NewProgressionService(db)
	badgeService := services.NewBadgeService(db, progressionService)
	noContactService := services.NewNoContactService(db, progressionService, badgeService)
	ritualService := services.NewRitualService(db, progressionService, badgeService)
	quotaService := services.NewQuotaService(db, progressionService)
	storeLimiter := services.NewStoreLimiter(db)

	// The in-memory limiter is correct only for a single instance; it is a
	// documented degradation for local development, never the default.
	var limiter services.Limiter = storeLimiter
	if os.Getenv("RATE_LIMIT_BACKEND") == "memory" {
		logger.Warn("using in-memory rate limiter, single instance only")
		limiter = services.NewMemoryLimiter()
	}

	if err := ritualService.SeedCatalog(); err != nil {
		logger.Fatal("failed to seed ritual catalog", zap.Error(err))
	}
	if err := badgeService.SeedCatalog(); err != nil {
		logger.Fatal("failed to seed badge catalog", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services.StartSweeps(noContactService, quotaService, storeLimiter)
	workers.NewBadgeRetryWorker(badgeService).Start(ctx)

	handlers.SetupRitualRoutes(app, ritualService)
	handlers.SetupNoContactRoutes(app, noContactService, limiter)
	handlers.SetupQuotaRoutes(app, quotaService, limiter)
	handlers.SetupProgressionRoutes(app, progressionService, badgeService, noContactService)

	port := os.Getenv("PORT")
	if port == "" {
		port = "5300"
	}

	go func() {
		if err := app.Listen(":" + port); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()
	logger.Info("engagement engine running", zap.String("port", port))

	<-ctx.Done()
	logger.Info("shutting down server")
	if err := app.Shutdown(); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
