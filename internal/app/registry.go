// Package app assembles the API worker's components into one explicit
// registry value built at process start. Everything a handler needs is
// reachable from here; nothing hangs off package globals.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relaypoint/relaypoint/internal/broadcast"
	"github.com/relaypoint/relaypoint/internal/bus"
	"github.com/relaypoint/relaypoint/internal/cache"
	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/relaypoint/relaypoint/internal/janitor"
	"github.com/relaypoint/relaypoint/internal/notify"
	"github.com/relaypoint/relaypoint/internal/ratelimit"
	"github.com/relaypoint/relaypoint/internal/repository"
	"github.com/relaypoint/relaypoint/internal/service"
	"github.com/relaypoint/relaypoint/internal/tasks"
	"github.com/relaypoint/relaypoint/pkg/database"
	"github.com/relaypoint/relaypoint/pkg/log"
	"github.com/relaypoint/relaypoint/pkg/middleware"
	"github.com/relaypoint/relaypoint/pkg/token"
	"gorm.io/gorm"
)

// Registry holds every long-lived component of an API worker.
type Registry struct {
	Config *config.Config

	DB    *gorm.DB
	Redis *redis.Client

	Store       cache.Store
	Bus         *bus.Bus
	Broadcaster *broadcast.Broadcaster
	Notifier    notify.Notifier
	Runner      *tasks.Runner
	SendLimiter ratelimit.Limiter
	Tokens      *token.Manager
	Auth        *middleware.AuthMiddleware
	Janitor     *janitor.Janitor

	Messages service.MessageService
}

// NewRegistry wires all API worker components. Sanitize may be nil.
func NewRegistry(cfg *config.Config, sanitize service.Sanitizer) (*Registry, error) {
	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	store := cache.NewRedisStore(rdb, cfg.Cache.Prefix)

	source := "api-" + uuid.New().String()
	eventBus := bus.New(rdb, source)

	tokens := token.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	broadcaster := broadcast.New(broadcast.Config{
		GatewayURL:     cfg.Broadcast.GatewayURL,
		ConnectTimeout: cfg.Broadcast.ConnectTimeout,
		ReadyGrace:     cfg.Broadcast.ReadyGrace,
		WriteTimeout:   cfg.Broadcast.WriteTimeout,
		SystemTokenTTL: cfg.Broadcast.SystemTokenTTL,
	}, tokens)

	notifier, err := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Partitions)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifier: %w", err)
	}

	runner := tasks.NewRunner(32, 10*time.Second)

	sendLimiter := ratelimit.New(rdb, ratelimit.Config{
		Name:          "send-message",
		Max:           cfg.RateLimit.Max,
		Window:        cfg.RateLimit.Window,
		BlockDuration: cfg.RateLimit.BlockDuration,
		StoreTimeout:  cfg.RateLimit.StoreTimeout,
	})

	messageRepo := repository.NewGormMessageRepository(db)
	roomRepo := repository.NewGormRoomRepository(db)

	messages := service.NewMessageService(
		messageRepo,
		roomRepo,
		store,
		cfg.Cache.MessageTTL,
		broadcaster,
		notifier,
		runner,
		sanitize,
	)

	jan := janitor.New(cfg.Janitor.SweepInterval)
	jan.Add("event-bus", janitor.Func(eventBus.SweepIdle))
	if sweeper, ok := sendLimiter.(janitor.Sweepable); ok {
		jan.Add("rate-limiter", sweeper)
	}

	return &Registry{
		Config:      cfg,
		DB:          db,
		Redis:       rdb,
		Store:       store,
		Bus:         eventBus,
		Broadcaster: broadcaster,
		Notifier:    notifier,
		Runner:      runner,
		SendLimiter: sendLimiter,
		Tokens:      tokens,
		Auth:        middleware.NewAuthMiddleware(tokens),
		Janitor:     jan,
		Messages:    messages,
	}, nil
}

// Close releases components in dependency order. In-flight background
// tasks get drainTimeout to settle before teardown proceeds.
func (r *Registry) Close(drainTimeout time.Duration) {
	r.Janitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := r.Runner.Drain(ctx); err != nil {
		log.L().Warn().Err(err).Msg("background tasks did not drain in time")
	}

	r.Broadcaster.Close()
	if err := r.Notifier.Close(); err != nil {
		log.L().Warn().Err(err).Msg("notifier close failed")
	}
	r.Bus.Destroy()
	r.Store.Close()

	if sqlDB, err := r.DB.DB(); err == nil {
		sqlDB.Close()
	}
}
