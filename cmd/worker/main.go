// Package main runs the background media assembly worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/duocast/backend/config"
	"github.com/duocast/backend/internal/assembler"
	"github.com/duocast/backend/internal/realtime"
	"github.com/duocast/backend/internal/recordings"
	"github.com/duocast/backend/internal/worker"
	"github.com/duocast/backend/pkg/database"
	"github.com/duocast/backend/pkg/queue"
	"github.com/duocast/backend/pkg/redis"
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

	recRepo := recordings.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	jobQueue.MaxRetries = cfg.Processing.MaxAttempts
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)

	tools := assembler.NewFFmpeg(
		cfg.Processing.ToolPath,
		cfg.Processing.ProbePath,
		time.Duration(cfg.Processing.ToolTimeoutSec)*time.Second,
		time.Duration(cfg.Processing.ToolWarnAfterSec)*time.Second,
		logger)
	asm := assembler.New(s3Client, recRepo, tools, cfg.Processing.WorkDir, logger)
	processor := worker.NewProcessor(recRepo, asm, jobQueue, redisPubSub, logger)
	processor.Backoff = time.Duration(cfg.Processing.RetryBackoffSec) * time.Second

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.Run(workerCtx)
	logger.Info("assembly worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
