package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/aura-webinar/attendance/config"
	"github.com/aura-webinar/attendance/internal/attendance"
	"github.com/aura-webinar/attendance/internal/auth"
	"github.com/aura-webinar/attendance/internal/cli"
	"github.com/aura-webinar/attendance/internal/meetings"
	"github.com/aura-webinar/attendance/pkg/database"
	"github.com/aura-webinar/attendance/pkg/queue"
	"github.com/aura-webinar/attendance/pkg/redis"
)

func main() {
	if err := run(); err != nil {
		cli.NewFormatter(os.Stderr).Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Diagnostics go to stderr only when something is wrong.
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(zap.WarnLevel))
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		return fmt.Errorf("connecting redis: %w", err)
	}
	defer rdb.Close()

	observer := attendance.NewLogObserver(logger)
	repo := meetings.NewRepository(pool)
	deps := &cli.Dependencies{
		Service: meetings.NewService(repo, meetings.NewRegistry(),
			attendance.Options{Observer: observer}, cfg.Attendance.LockTimeout, logger),
		Meetings: repo,
		Tokens:   auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours),
		DLQ:      queue.NewQueue(rdb.Client, logger),
		Observer: observer,
		Out:      os.Stdout,
	}

	return cli.NewRootCmd(deps).ExecuteContext(ctx)
}
