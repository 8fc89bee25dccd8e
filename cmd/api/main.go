package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaypoint/relaypoint/internal/app"
	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/relaypoint/relaypoint/internal/domain"
	"github.com/relaypoint/relaypoint/internal/handler"
	"github.com/relaypoint/relaypoint/pkg/database"
	pkglog "github.com/relaypoint/relaypoint/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "relaypoint-api",
	})
	logger := pkglog.L()

	// Wire all components
	reg, err := app.NewRegistry(cfg, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build registry")
	}

	// Auto-migrate
	if err := database.AutoMigrate(reg.DB,
		&domain.Room{},
		&domain.Participant{},
		&domain.Message{},
		&domain.ReadReceipt{},
		&domain.Reaction{},
	); err != nil {
		logger.Fatal().Err(err).Msg("failed to auto-migrate")
	}
	logger.Info().Msg("database migration completed")

	// Start periodic sweeps
	if err := reg.Janitor.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start janitor")
	}

	// Setup Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))

	httpHandler := handler.NewHandler(reg.Messages, reg.Auth, reg.SendLimiter)
	httpHandler.RegisterRoutes(r)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Str("driver", cfg.Database.Driver).Msg("relaypoint-api starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down relaypoint-api")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server forced to shutdown")
	}

	reg.Close(10 * time.Second)
	logger.Info().Msg("relaypoint-api stopped")
}
