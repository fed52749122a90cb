// Package main runs the attendance HTTP server with WebSocket presence and graceful shutdown.
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

	"github.com/aura-webinar/attendance/config"
	"github.com/aura-webinar/attendance/internal/analytics"
	"github.com/aura-webinar/attendance/internal/attendance"
	"github.com/aura-webinar/attendance/internal/auth"
	"github.com/aura-webinar/attendance/internal/meetings"
	"github.com/aura-webinar/attendance/internal/middleware"
	"github.com/aura-webinar/attendance/internal/realtime"
	"github.com/aura-webinar/attendance/pkg/database"
	"github.com/aura-webinar/attendance/pkg/redis"
	"github.com/aura-webinar/attendance/pkg/response"
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

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	// Attendance
	observer := attendance.NewLogObserver(logger)
	meetingRepo := meetings.NewRepository(pool)
	attendanceSvc := meetings.NewService(
		meetingRepo,
		meetings.NewRegistry(),
		attendance.Options{Observer: observer},
		cfg.Attendance.LockTimeout,
		logger,
	)
	attendanceSvc.SetActiveCountHandler(hub.BroadcastActiveCount)
	meetingHandler := meetings.NewHandler(attendanceSvc, logger)

	// Socket presence drives the ledger: first connection joins, last one leaves.
	hub.SetPresenceHandlers(
		func(ctx context.Context, meetingID, userID, userName string) error {
			_, err := attendanceSvc.Join(ctx, meetingID, userID, userName)
			return err
		},
		func(ctx context.Context, meetingID, userID, _ string) error {
			_, err := attendanceSvc.Leave(ctx, meetingID, userID)
			return err
		},
	)

	analyticsHandler := analytics.NewHandler(attendanceSvc, observer, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		if err := rdb.Healthy(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})

	// Protected API (JWT required)
	api := router.Group("/meetings/:id")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/attendance/join", meetingHandler.Join)
		api.POST("/attendance/leave", meetingHandler.Leave)
		api.GET("/attendance/active", meetingHandler.ActiveCount)
		api.GET("/attendance/users/:userId", middleware.RequireSelfOrRole("userId", "admin", "host"), meetingHandler.UserAttendance)

		api.POST("/attendance/sessions/:sessionId/end", middleware.RequireRole("admin", "host"), meetingHandler.EndSession)
		api.POST("/attendance/end-all", middleware.RequireRole("admin", "host"), meetingHandler.EndAll)
		api.POST("/attendance/prune", middleware.RequireRole("admin"), meetingHandler.Prune)
		api.POST("/participants", middleware.RequireRole("admin", "host"), meetingHandler.AddParticipants)

		api.GET("/analytics", middleware.RequireRole("admin", "host"), analyticsHandler.GetByMeeting)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, jwtService, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
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
