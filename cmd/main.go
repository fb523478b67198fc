package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"platform-api/internal/cache"
	"platform-api/internal/config"
	"platform-api/internal/events"
	"platform-api/internal/handlers"
	"platform-api/internal/jobs"
	"platform-api/internal/middleware"
	"platform-api/internal/models"
	"platform-api/internal/queue"
	"platform-api/internal/repository"
	"platform-api/internal/services"
)

const maxRequestBody = 256 << 10 // 256 KiB

// @title Platform API
// @version 1.0.0
// @description Authentication, role management and AI generation gateway

// @contact.name Platform API Support
// @contact.email support@example.com

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api/v1

// @securityDefinitions.bearer BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

func main() {
	// Check if running health check
	if len(os.Args) > 1 && os.Args[1] == "health" {
		resp, err := http.Get("http://localhost:8080/health")
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := config.InitDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	sqlDB, _ := db.DB()
	defer sqlDB.Close()

	if err := db.AutoMigrate(
		&models.User{},
		&models.BusinessInfo{},
		&models.RefreshToken{},
		&models.AuthAudit{},
		&models.RoleAssignment{},
		&models.RoleApplication{},
		&models.RoleAuditLog{},
		&models.AIJob{},
		&models.AIDLQEntry{},
	); err != nil {
		log.Fatal("Failed to run migrations:", err)
	}

	// Set database for health checks
	handlers.SetDB(db)

	// Redis permission cache. The service runs fine without it, every
	// lookup just hits postgres.
	permCache, err := cache.NewPermissionCache(
		cfg.RedisHost,
		cfg.RedisPort,
		cfg.RedisPassword,
		cfg.RedisDB,
		cfg.CacheTTLSecs,
	)
	if err != nil {
		log.Printf("Warning: Failed to initialize permission cache: %v. Continuing without caching.", err)
	} else if permCache.IsAvailable() {
		log.Println("Permission cache initialized successfully")
		defer permCache.Close()
	} else {
		log.Println("Permission cache unavailable (Redis not connected). Continuing without caching.")
	}

	// NATS events publisher. Optional in the same way as the cache.
	publisher, err := events.NewPublisher(cfg.NATSURL, logger)
	if err != nil {
		log.Printf("Warning: Failed to initialize events publisher: %v (events won't be published)", err)
	} else {
		defer publisher.Close()
	}

	// Repositories
	userRepo := repository.NewUserRepository(db)
	roleRepo := repository.NewRoleRepository(db)
	jobRepo := repository.NewJobRepository(db)

	// Services
	tokenService := services.NewTokenService(userRepo, publisher,
		cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience,
		cfg.AccessTokenTTL, cfg.RefreshTokenTTL, logger)
	roleService := services.NewRoleService(roleRepo, permCache, publisher, logger)
	appService := services.NewApplicationService(roleRepo, userRepo, permCache, publisher, logger)
	proxyService := services.NewAIProxyService(
		cfg.OpenAIAPIKey, cfg.GeminiAPIKey, cfg.AnthropicAPIKey,
		cfg.AITimeout, services.DefaultRetryPolicy(cfg.AIMaxAttempts), logger)
	usageService := services.NewUsageService(jobRepo, logger)

	// Job queue
	jobQueue := queue.NewJobQueue(jobRepo, proxyService, publisher, logger,
		cfg.QueueWorkers, cfg.QueueBuffer, cfg.JobMaxAttempts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jobQueue.Start(ctx)

	// Background cleanup of expired refresh tokens and old audit rows
	cleanupJob := jobs.NewCleanupJob(userRepo, logger, cfg.CleanupInterval, cfg.AuditRetention)
	go cleanupJob.Start(ctx)

	// Handlers
	authHandler := handlers.NewAuthHandler(userRepo, roleService, appService, tokenService,
		publisher, cfg.CookieDomain, cfg.CookieSecure, logger)
	adminHandler := handlers.NewAdminRoleHandler(appService, roleService, logger)
	aiHandler := handlers.NewAIHandler(proxyService, jobQueue, jobRepo, usageService, roleService, logger)

	authMW := middleware.NewAuthMiddleware(tokenService, userRepo, roleService, logger)
	aiRateLimiter := middleware.NewRateLimiter(cfg.AIRatePerMinute)

	// Initialize Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.CORS(nil))
	router.Use(middleware.ErrorHandler(logger))

	// Health check endpoints (no auth required)
	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.ReadinessCheck)

	v1 := router.Group("/api/v1")
	{
		// Auth routes. Refresh and logout authenticate via the refresh
		// token itself, not the access token.
		auth := v1.Group("/auth")
		{
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
			auth.POST("/refresh", authHandler.Refresh)
			auth.POST("/logout", authMW.OptionalAuth(), authHandler.Logout)
			auth.POST("/logout-all", authMW.RequireAuth(), authHandler.LogoutAll)
			auth.GET("/me", authMW.RequireAuth(), authHandler.Me)
			auth.GET("/status", authMW.OptionalAuth(), authHandler.Status)
			auth.POST("/apply-role", authMW.RequireAuth(), authHandler.ApplyRole)
		}

		// Admin routes: platform admin roles only, legacy admin names are
		// hard-denied.
		admin := v1.Group("/admin", authMW.RequireAuth(), authMW.RequireAdmin())
		{
			admin.GET("/role-applications", adminHandler.ListApplications)
			admin.GET("/role-applications/metrics", adminHandler.ApplicationMetrics)
			admin.GET("/role-applications/:id", adminHandler.GetApplication)
			admin.POST("/role-applications/:id/approve", adminHandler.ApproveApplication)
			admin.POST("/role-applications/:id/reject", adminHandler.RejectApplication)
			admin.POST("/users/:userId/roles", adminHandler.AssignRole)
			admin.DELETE("/users/:userId/roles/:role", adminHandler.RevokeRole)
		}

		// AI routes
		ai := v1.Group("/ai", authMW.RequireAuth())
		{
			ai.GET("/models", aiHandler.Models)

			generate := ai.Group("", authMW.RequirePermission("ai:generate"),
				aiRateLimiter.Middleware(), middleware.BodySizeLimit(maxRequestBody))
			{
				generate.POST("/generate", aiHandler.Generate)
				generate.POST("/generate/async", aiHandler.GenerateAsync)
			}

			ai.GET("/jobs/history", aiHandler.JobHistory)
			ai.GET("/jobs/:jobId", aiHandler.GetJob)
			ai.DELETE("/jobs/:jobId", aiHandler.CancelJob)
			ai.POST("/jobs/:jobId/retry", aiHandler.RetryJob)
			ai.GET("/stream/:jobId", aiHandler.StreamJob)

			ai.GET("/usage/report", aiHandler.UsageReport)
			ai.GET("/usage/current-month", aiHandler.UsageCurrentMonth)
			ai.GET("/usage/last-n-days", aiHandler.UsageLastNDays)

			// Operational endpoints
			ops := ai.Group("", authMW.RequirePermission("ai:admin"))
			{
				ops.GET("/jobs/metrics", aiHandler.JobMetrics)
				ops.GET("/dlq", aiHandler.ListDLQ)
				ops.GET("/dlq/stats", aiHandler.DLQStats)
				ops.POST("/dlq/:dlqJobId/retry", aiHandler.RetryDLQ)
			}
		}
	}

	// Swagger documentation
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("Platform API starting on port %s in %s mode", cfg.Port, cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	// Graceful shutdown: stop accepting requests, then drain the queue.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Forced shutdown: %v", err)
	}

	cancel()
	jobQueue.Stop()
	cleanupJob.Stop()
	log.Println("Server stopped")
}
