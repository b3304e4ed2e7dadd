package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/searchbroker/searchbroker/internal/admin"
	"github.com/searchbroker/searchbroker/internal/audit"
	"github.com/searchbroker/searchbroker/internal/auth"
	"github.com/searchbroker/searchbroker/internal/broadcast"
	"github.com/searchbroker/searchbroker/internal/config"
	"github.com/searchbroker/searchbroker/internal/db"
	"github.com/searchbroker/searchbroker/internal/jobs"
	"github.com/searchbroker/searchbroker/internal/logger"
	"github.com/searchbroker/searchbroker/internal/proxy"
	"github.com/searchbroker/searchbroker/internal/quota"
	"github.com/searchbroker/searchbroker/internal/registry"
	"github.com/searchbroker/searchbroker/internal/upstream"
)

// customRecovery recovers from panics and handles http.ErrAbortHandler
// gracefully: a client disconnect is not a server error.
func customRecovery(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					log.Warn("Client connection aborted", "path", c.Request.URL.Path)
					c.Abort()
					return
				}

				log.Error("Panic recovered",
					"error", recovered,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

func main() {
	cfg, warning, err := config.LoadConfig("config.yaml")
	if err != nil {
		slog.Error("Error loading configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Debug)
	log.Info("Logger initialized", "debug_mode", cfg.Debug)
	if warning != "" {
		log.Warn(warning)
	}

	tz, err := time.LoadLocation(cfg.Quota.ResetTimezone)
	if err != nil {
		log.Error("Invalid quota reset timezone", "error", err)
		os.Exit(1)
	}

	database, err := db.NewService(cfg.Database)
	if err != nil {
		log.Error("Error initializing database", "error", err)
		os.Exit(1)
	}
	log.Info("Database initialized", "type", cfg.Database.Type)

	reg, err := registry.New(database, log)
	if err != nil {
		log.Error("Error creating key registry", "error", err)
		os.Exit(1)
	}

	tracker := quota.NewTracker(database, tz, log)
	auditLog := audit.New(database, cfg.Audit.BodyLimitBytes, log)

	client, err := upstream.NewClient(cfg.Upstream, log)
	if err != nil {
		log.Error("Error creating upstream client", "error", err)
		os.Exit(1)
	}

	runner := jobs.NewRunner(database, cfg.Jobs.Workers, cfg.Jobs.MaxAttempts, cfg.Jobs.RetryBackoff.Std(), tz, log)
	jobs.NewHandlers(runner, database, reg, tracker, auditLog, client, cfg.Audit.RetentionDays, log)
	if err := runner.Start(); err != nil {
		log.Error("Error starting job runner", "error", err)
		os.Exit(1)
	}

	broadcaster := broadcast.New(func() (*broadcast.Snapshot, error) {
		summary, err := database.Summary()
		if err != nil {
			return nil, err
		}
		summary.AuditWriteFailures = auditLog.WriteFailures()
		recent, err := auditLog.Recent(20)
		if err != nil {
			return nil, err
		}
		return &broadcast.Snapshot{
			Summary:     summary,
			Keys:        reg.Snapshot(),
			RecentLogs:  recent,
			GeneratedAt: time.Now(),
		}, nil
	}, cfg.Broadcast.Interval.Std(), log)
	broadcaster.Start()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(customRecovery(log))
	if cfg.Debug {
		router.Use(gin.Logger())
	}

	proxyHandler := proxy.NewHandler(reg, tracker, auditLog, client, broadcaster, cfg.Upstream.KeyRetries, log)
	proxyHandler.Routes(router, auth.TokenAuthMiddleware(database))

	adminHandler := admin.NewHandler(database, reg, tracker, auditLog, runner, broadcaster, log)
	admin.SetupRoutes(router, adminHandler, cfg.Admin.Password)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		log.Info("Starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	broadcaster.Close()
	runner.Close()
	reg.Close()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("Server exiting")
}
