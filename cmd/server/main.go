// Package main runs the duocast API and signaling server with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/duocast/backend/config"
	"github.com/duocast/backend/internal/auth"
	"github.com/duocast/backend/internal/middleware"
	"github.com/duocast/backend/internal/realtime"
	"github.com/duocast/backend/internal/recordings"
	"github.com/duocast/backend/internal/uploads"
	"github.com/duocast/backend/pkg/database"
	"github.com/duocast/backend/pkg/queue"
	"github.com/duocast/backend/pkg/redis"
	"github.com/duocast/backend/pkg/response"
	"github.com/duocast/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.New(ctx, storage.Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		EndpointURL:          cfg.AWS.EndpointURL,
		Bucket:               cfg.AWS.ChunksBucket,
		PublicURLBase:        cfg.AWS.PublicURLBase,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	// Persistence and upload pipeline
	recordingRepo := recordings.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	coordinator := uploads.NewCoordinator(recordingRepo, s3Client, jobQueue, logger)
	recordingHandler := recordings.NewHandler(recordingRepo, coordinator, s3Client, logger)

	// Guest tokens and WebRTC credentials
	guestTokens := auth.NewGuestTokenService(cfg.Auth.GuestTokenSecret, cfg.Auth.GuestTokenExpireHours)
	authHandler := auth.NewHandler(guestTokens, recordingRepo, cfg.TURN, logger)

	// Signaling: registry, relay, liveness monitor
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	registry := realtime.NewRegistry(cfg.Signaling.RoomCapacity, redisPubSub, redisPubSub, logger)
	relay := realtime.NewRelay(registry, coordinator, logger)
	monitor := realtime.NewMonitor(registry, relay,
		time.Duration(cfg.Signaling.HeartbeatTimeoutSec)*time.Second,
		time.Duration(cfg.Signaling.HeartbeatIntervalSec)*time.Second,
		logger)
	realtimeHandler := realtime.NewHTTPHandler(registry)

	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	defer monitorCancel()
	go monitor.Run(monitorCtx)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	api := router.Group("/api")
	{
		recordingHandler.RegisterRoutes(api)
		authHandler.RegisterRoutes(api)
		realtimeHandler.RegisterRoutes(api)
	}

	// WebSocket signaling (guest invite token in query, optional for hosts)
	router.GET("/ws", realtime.ServeWS(relay, logger, guestTokens.Validate))

	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	monitorCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
