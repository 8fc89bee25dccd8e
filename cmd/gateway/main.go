package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/relaypoint/relaypoint/internal/bus"
	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/relaypoint/relaypoint/internal/handler"
	"github.com/relaypoint/relaypoint/internal/hub"
	"github.com/relaypoint/relaypoint/internal/janitor"
	pkglog "github.com/relaypoint/relaypoint/pkg/log"
	"github.com/relaypoint/relaypoint/pkg/token"
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
		ServiceName: "relaypoint-gateway",
	})
	logger := pkglog.L()

	instance := cfg.Gateway.InstanceID
	if instance == "" {
		instance = "gateway-" + uuid.New().String()
	}

	// Connect to Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	pingCancel()
	defer rdb.Close()

	// Event bus, hub, and the bus->hub bridge
	eventBus := bus.New(rdb, instance)
	defer eventBus.Destroy()

	wsHub := hub.NewHub(cfg.WebSocket)
	go wsHub.Run()

	bridge := hub.NewBridge(wsHub, eventBus, instance)
	if err := bridge.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start bus bridge")
	}
	defer bridge.Stop()

	// Periodic sweeps
	jan := janitor.New(cfg.Janitor.SweepInterval)
	jan.Add("event-bus", janitor.Func(eventBus.SweepIdle))
	if err := jan.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start janitor")
	}
	defer jan.Stop()

	tokens := token.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	wsHandler := handler.NewWSHandler(wsHub, eventBus, tokens, cfg.WebSocket, instance)

	r := mux.NewRouter()
	wsHandler.RegisterRoutes(r)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Str("instance", instance).Msg("relaypoint-gateway starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down relaypoint-gateway")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("relaypoint-gateway stopped")
}
