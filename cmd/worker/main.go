// Package main runs the attendance housekeeping worker: it ends meetings past
// their scheduled end and prunes ledgers on an interval.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aura-webinar/attendance/config"
	"github.com/aura-webinar/attendance/internal/attendance"
	"github.com/aura-webinar/attendance/internal/meetings"
	"github.com/aura-webinar/attendance/internal/worker"
	"github.com/aura-webinar/attendance/pkg/database"
	"github.com/aura-webinar/attendance/pkg/queue"
	"github.com/aura-webinar/attendance/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	meetingRepo := meetings.NewRepository(pool)
	attendanceSvc := meetings.NewService(
		meetingRepo,
		meetings.NewRegistry(),
		attendance.Options{Observer: attendance.NewLogObserver(logger)},
		cfg.Attendance.LockTimeout,
		logger,
	)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewHousekeepingProcessor(attendanceSvc, jobQueue, logger)
	sweeper := worker.NewSweeper(meetingRepo, jobQueue, attendance.SystemClock,
		cfg.Attendance.SweepInterval, cfg.Attendance.PruneInterval, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	logger.Info("worker started",
		zap.Duration("sweep_interval", cfg.Attendance.SweepInterval),
		zap.Duration("prune_interval", cfg.Attendance.PruneInterval),
	)

	if err := g.Wait(); err != nil {
		logger.Error("worker exited", zap.Error(err))
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
