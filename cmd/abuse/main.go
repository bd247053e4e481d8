package main

import (
	"context"
	"strings"

	"github.com/365ddevotional-cloud/zibana-abuse-engine/internal/abuse"
	"github.com/365ddevotional-cloud/zibana-abuse-engine/pkg/common"
	"github.com/365ddevotional-cloud/zibana-abuse-engine/pkg/config"
	"github.com/365ddevotional-cloud/zibana-abuse-engine/pkg/database"
	"github.com/365ddevotional-cloud/zibana-abuse-engine/pkg/eventbus"
	"github.com/365ddevotional-cloud/zibana-abuse-engine/pkg/logger"
	"github.com/365ddevotional-cloud/zibana-abuse-engine/pkg/middleware"
	"github.com/365ddevotional-cloud/zibana-abuse-engine/pkg/redis"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const serviceVersion = "1.0.0"

func main() {
	cfg, err := config.Load("abuse-engine")
	if err != nil {
		panic(err)
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Apply schema migrations before serving
	if err := database.RunMigrations(&cfg.Database); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Connect to PostgreSQL
	pool, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(pool)
	logger.Info("Connected to PostgreSQL database")

	// Connect to Redis for the versioned threshold catalogue
	redisClient, err := redis.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Connected to Redis")

	// Wire the abuse engine
	repo := abuse.NewRepository(pool)
	service := abuse.NewService(repo, abuse.DefaultThresholds)
	service.SetThresholdStore(abuse.NewThresholdStore(redisClient.Client, abuse.DefaultThresholds))

	// Flag-created events are optional; the engine runs without a bus
	if cfg.NATS.Enabled {
		bus, err := eventbus.NewBus(cfg.NATS.URL)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer bus.Close()
		service.SetPublisher(abuse.NewEventPublisher(bus))
		logger.Info("Connected to NATS event bus")
	}

	handler := abuse.NewHandler(service)

	// Set up Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Metrics(cfg.Server.ServiceName))
	router.Use(middleware.SecurityHeaders())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.Server.CORSOrigins, ",")
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", middleware.CorrelationIDHeader}
	router.Use(cors.New(corsConfig))

	// Health check and metrics (no auth required)
	router.GET("/healthz", common.HealthCheckWithDeps(cfg.Server.ServiceName, serviceVersion, map[string]func() error{
		"postgres": func() error { return pool.Ping(context.Background()) },
		"redis":    func() error { return redisClient.Ping(context.Background()).Err() },
	}))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		// Admin review surface
		admin := api.Group("/admin/abuse", middleware.AuthMiddleware(cfg.JWT.Secret), middleware.RequireRole("admin"))
		{
			admin.GET("/flags", handler.GetPendingFlags)
			admin.GET("/flags/:id", handler.GetFlag)
			admin.POST("/flags/:id/resolve", handler.ResolveFlag)
		}

		// Internal endpoints (trip lifecycle calls these in-cluster)
		internal := api.Group("/internal/abuse")
		{
			internal.POST("/cancellation-fee", handler.CalculateCancellationFee)
			internal.POST("/movement-check", handler.CheckMovement)
			internal.POST("/driver-check", handler.CheckDriver)
			internal.POST("/no-show-check", handler.CheckNoShows)
			internal.POST("/compensation-denial", handler.DenyCompensation)
		}
	}

	addr := ":" + cfg.Server.Port
	logger.Info("Abuse engine starting", zap.String("port", cfg.Server.Port))
	if err := router.Run(addr); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}
}
