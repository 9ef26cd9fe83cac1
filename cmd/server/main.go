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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FireDesk/firegate/internal/account"
	"github.com/FireDesk/firegate/internal/config"
	"github.com/FireDesk/firegate/internal/estop"
	"github.com/FireDesk/firegate/internal/handler"
	"github.com/FireDesk/firegate/internal/middleware"
	"github.com/FireDesk/firegate/internal/model"
	"github.com/FireDesk/firegate/internal/pkg/logger"
	"github.com/FireDesk/firegate/internal/pool"
	"github.com/FireDesk/firegate/internal/quota"
	"github.com/FireDesk/firegate/internal/ratelimit"
	"github.com/FireDesk/firegate/internal/repository"
	"github.com/FireDesk/firegate/internal/risk"
	"github.com/FireDesk/firegate/internal/router"
	"github.com/FireDesk/firegate/internal/telemetry"
)

func main() {
	// 0. Initialize Logger
	logger.Init("info")

	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Initialize Persistence
	// Rate limit window store (Redis > Memory)
	var redisClient *repository.RedisClient
	var windowStore ratelimit.WindowStore
	if cfg.Redis.Addr != "" {
		redisClient, err = repository.NewRedisClient(cfg)
		if err == nil {
			logger.Info("✅ Connected to Redis")
			windowStore = repository.NewRedisWindowStore(redisClient)
		} else {
			logger.Error("⚠️ Failed to connect to Redis, rate limits are process-local", "error", err)
			redisClient = nil
		}
	}
	limiter := ratelimit.New(windowStore, ratelimit.NewMemoryStore())

	// Emergency stop persistence (Postgres > Redis > Memory)
	var stopRepo estop.Repo
	if cfg.Database.DSN != "" {
		db, err := repository.NewDB(cfg)
		if err == nil {
			stopRepo, err = repository.NewPostgresEstopRepo(db)
			if err == nil {
				logger.Info("✅ Connected to PostgreSQL")
			} else {
				logger.Error("⚠️ Failed to migrate stop table", "error", err)
				stopRepo = nil
			}
		} else {
			logger.Error("⚠️ Failed to connect to DB", "error", err)
		}
	}
	if stopRepo == nil && redisClient != nil {
		stopRepo = repository.NewRedisEstopRepo(redisClient)
		logger.Info("Emergency stop state persisted to Redis")
	}
	if stopRepo == nil {
		stopRepo = estop.NewMemoryRepo()
		logger.Error("⚠️ No durable store configured, emergency stops will NOT survive restart")
	}

	// 3. Initialize Core Components
	accounts := account.NewManager(cfg)

	stops := estop.NewController(stopRepo, time.Duration(cfg.Estop.DefaultRecoverySeconds)*time.Second)
	if err := stops.Restore(context.Background()); err != nil {
		log.Fatalf("Failed to restore emergency stop state: %v", err)
	}
	stops.SetKillSwitch(cfg.Estop.KillSwitch)

	evaluator := risk.NewEvaluator(cfg.Risk, cfg.Freshness())
	evaluator.SetStopRequester(stops)
	evaluator.SetPositionLimitFunc(accounts.PositionLimit)

	endpoints := make([]model.Endpoint, 0, len(cfg.Pool.Endpoints))
	assignTTL := make(map[model.Tier]time.Duration)
	for _, tc := range cfg.Tiers {
		assignTTL[model.Tier(tc.Name)] = time.Duration(tc.AssignmentTTLMin) * time.Minute
	}
	for i, ec := range cfg.Pool.Endpoints {
		endpoints = append(endpoints, model.Endpoint{
			ID:       ec.ID,
			Tier:     model.Tier(ec.Tier),
			Capacity: ec.Capacity,
			Address:  ec.Address,
			Status:   model.EndpointActive,
			Seq:      i,
		})
	}
	endpointPool := pool.New(endpoints, assignTTL)

	tracker := quota.NewTracker()
	dispatcher := router.NewChannelDispatcher(cfg.Dispatch.QueueSize)

	fireRouter := router.New(accounts, limiter, stops, tracker, evaluator, endpointPool, dispatcher, router.Options{
		FireLimit:  cfg.RateLimit.FireLimit,
		FireWindow: cfg.FireWindow(),
		AckTimeout: cfg.AckTimeout(),
	})

	// Telemetry ingestion (push endpoint always on; bridge websocket and
	// Kafka consumers when configured)
	var bridgeStream *telemetry.BridgeStream
	if cfg.Telemetry.BridgeWSURL != "" {
		bridgeStream = telemetry.NewBridgeStream(cfg.Telemetry.BridgeWSURL, evaluator)
		bridgeStream.Start()
	}
	var kafkaConsumer *telemetry.KafkaConsumer
	kafkaCtx, kafkaCancel := context.WithCancel(context.Background())
	if len(cfg.Telemetry.KafkaBrokers) > 0 && cfg.Telemetry.KafkaTopic != "" {
		kafkaConsumer = telemetry.NewKafkaConsumer(
			cfg.Telemetry.KafkaBrokers, cfg.Telemetry.KafkaTopic, cfg.Telemetry.KafkaGroupID, evaluator)
		go func() {
			if err := kafkaConsumer.Run(kafkaCtx); err != nil {
				logger.Error("kafka telemetry consumer stopped", "error", err)
			}
		}()
	}

	// Background sweeps
	sweepStop := make(chan struct{})
	go func() {
		interval := time.Duration(cfg.Pool.SweepIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepStop:
				return
			case now := <-ticker.C:
				endpointPool.SweepExpired(now)
				stops.Sweep(now)
			}
		}
	}()

	// 4. Initialize Handlers
	fireHandler := handler.NewFireHandler(fireRouter)
	telemetryHandler := handler.NewTelemetryHandler(evaluator, cfg.Risk)
	controlHandler := handler.NewControlHandler(stops, endpointPool, dispatcher)

	// 5. Setup Router
	r := gin.Default()

	// Global Middleware
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	// Health Check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "service": "firegate"})
	})

	// Metrics Endpoint
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	// API V1 Routes
	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg, accounts))
	v1.Use(middleware.RateLimitMiddleware(accounts))
	{
		v1.POST("/fire", fireHandler.Fire)
		v1.POST("/telemetry", telemetryHandler.Push)
		v1.GET("/risk/:user_id", telemetryHandler.Verdict)
		v1.GET("/risk/:user_id/size", telemetryHandler.SuggestSize)
		v1.POST("/executions/:id/ack", controlHandler.Ack)
		v1.POST("/positions/:id/close", fireHandler.ClosePosition)
	}

	// Operator control surface
	admin := v1.Group("")
	admin.Use(middleware.AdminOnly(cfg))
	{
		admin.POST("/estop", controlHandler.ActivateStop)
		admin.DELETE("/estop", controlHandler.DeactivateStop)
		admin.GET("/estop", controlHandler.StopState)
		admin.PUT("/estop/killswitch", controlHandler.SetKillSwitch)
		admin.PUT("/endpoints/:id/status", controlHandler.SetEndpointStatus)
		admin.POST("/endpoints/:id/fail", controlHandler.FailEndpoint)
		admin.GET("/pool/stats", controlHandler.PoolStats)
		admin.POST("/pool/release", controlHandler.ReleaseAssignment)
	}

	// 6. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("🚀 FireGate started", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	close(sweepStop)
	kafkaCancel()
	if kafkaConsumer != nil {
		_ = kafkaConsumer.Close()
	}
	if bridgeStream != nil {
		bridgeStream.Stop()
	}

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	logger.Info("Server exiting")
}
