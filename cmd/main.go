package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"approval-engine/internal/cache"
	"approval-engine/internal/config"
	"approval-engine/internal/events"
	"approval-engine/internal/handlers"
	"approval-engine/internal/middleware"
	"approval-engine/internal/models"
	"approval-engine/internal/repository"
	"approval-engine/internal/services"
)

// @title Approval Engine API
// @version 1.0.0
// @description Multi-level approval workflow engine

// @host localhost:8099
// @BasePath /api/v1

// @securityDefinitions.bearer BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)
	logger.SetLevel(logrus.InfoLevel)

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, using system environment variables")
	}

	// Initialize configuration
	cfg := config.Load()

	// Initialize database
	db, err := config.InitDB(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database:", err)
	}

	// Run database migrations
	logger.Info("Running database migrations...")
	if err := db.AutoMigrate(
		&models.ApprovalRequest{},
		&models.ApprovalAuditLog{},
	); err != nil {
		logger.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	// Initialize repository
	approvalRepo := repository.NewApprovalRepository(db)

	// Initialize event publisher (optional - service works without NATS)
	var publisher *events.Publisher
	if cfg.NATSURL != "" {
		publisher, err = events.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Warnf("Failed to initialize event publisher: %v. Events will not be published.", err)
		} else {
			logger.Info("Event publisher initialized")
		}
	} else {
		logger.Info("NATS_URL not configured, event publishing disabled")
	}

	// Initialize stats cache (optional - degrades to direct DB reads)
	statsCache := cache.NewStatsCache(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.RedisDB,
		time.Duration(cfg.StatsCacheTTL)*time.Second)

	// Initialize the engine and handlers
	approvalService := services.NewApprovalService(approvalRepo)
	approvalHandler := handlers.NewApprovalHandler(approvalService, approvalRepo, publisher, statsCache, logger)

	// Initialize Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())

	// Health check endpoints (no auth required)
	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.ReadinessCheck)

	// Protected API routes
	api := router.Group("/api/v1")
	api.Use(middleware.IdentityMiddleware())

	// Approval endpoints
	{
		api.POST("/approvals", approvalHandler.CreateRequest)
		api.GET("/approvals", approvalHandler.ListRequests)
		api.GET("/approvals/pending", approvalHandler.ListPendingForApprover)
		api.GET("/approvals/my-requests", approvalHandler.ListMyRequests)
		api.GET("/approvals/stats", approvalHandler.GetStats)
		api.GET("/approvals/entity/:entityType/:entityId", approvalHandler.GetRequestByEntity)
		api.GET("/approvals/:id", approvalHandler.GetRequest)
		api.DELETE("/approvals/:id", approvalHandler.CancelRequest) // Only requester can cancel
		api.POST("/approvals/:id/approve", approvalHandler.ApproveRequest)
		api.POST("/approvals/:id/reject", approvalHandler.RejectRequest)
		api.POST("/approvals/:id/comments", approvalHandler.AddComment)
		api.GET("/approvals/:id/audit", approvalHandler.GetAuditTrail)
	}

	// Swagger documentation
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Start server
	port := cfg.Port
	if port == "" {
		port = "8099"
	}

	// Setup graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Infof("Approval engine starting on port %s", port)
		if err := router.Run(":" + port); err != nil {
			logger.Fatal("Failed to start server:", err)
		}
	}()

	// Wait for interrupt signal
	<-quit
	logger.Info("Shutting down server...")

	publisher.Close()
	logger.Info("Server shutdown complete")
}
