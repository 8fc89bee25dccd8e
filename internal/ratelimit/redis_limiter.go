package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaypoint/relaypoint/pkg/log"
)

// errNoWindow reports that no counter exists yet for an identifier.
var errNoWindow = errors.New("no rate limit window")

// counterStore is the handful of store operations the shared limiter
// needs, carved out so the windowing logic is testable without a
// broker.
type counterStore interface {
	// IncrWindow increments the key and arms its expiry on first use,
	// returning the new count.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	// Count returns the current count, or errNoWindow.
	Count(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, d time.Duration) error
	// TTL returns the key's remaining lifetime, or errNoWindow.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

type redisCounterStore struct {
	client *redis.Client
}

func (s redisCounterStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s redisCounterStore) Count(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, errNoWindow
	}
	return n, err
}

func (s redisCounterStore) Expire(ctx context.Context, key string, d time.Duration) error {
	return s.client.Expire(ctx, key, d).Err()
}

func (s redisCounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, errNoWindow
	}
	return ttl, nil
}

// RedisLimiter enforces a windowed counter in the coordination store so
// the budget holds cluster-wide. Every store call is bounded by a short
// timeout; on any store failure the call fails over to the in-memory
// fallback rather than failing open or closed.
type RedisLimiter struct {
	store    counterStore
	cfg      Config
	fallback *MemoryLimiter
}

// New creates a limiter against the coordination store. If the store is
// unreachable at construction time the in-memory fallback is returned
// instead.
func New(client *redis.Client, cfg Config) Limiter {
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.L().Warn().Err(err).Str("limiter", cfg.Name).
			Msg("coordination store unreachable, rate limiter degraded to per-process windows")
		return NewMemoryLimiter(cfg)
	}

	return newRedisLimiter(redisCounterStore{client: client}, cfg)
}

func newRedisLimiter(store counterStore, cfg Config) *RedisLimiter {
	return &RedisLimiter{
		store:    store,
		cfg:      cfg,
		fallback: NewMemoryLimiter(cfg),
	}
}

func (l *RedisLimiter) key(identifier string) string {
	return l.cfg.Name + ":" + identifier
}

// Allow consumes one point against the shared window counter.
func (l *RedisLimiter) Allow(ctx context.Context, identifier string) bool {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()

	key := l.key(identifier)

	count, err := l.store.IncrWindow(ctx, key, l.cfg.Window)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("limiter", l.cfg.Name).Msg("limiter store call failed, using in-memory window")
		return l.fallback.Allow(ctx, identifier)
	}

	if count <= int64(l.cfg.Max) {
		return true
	}

	// First call past the budget arms the block duration.
	if l.cfg.BlockDuration > l.cfg.Window && count == int64(l.cfg.Max)+1 {
		if err := l.store.Expire(ctx, key, l.cfg.BlockDuration); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("limiter", l.cfg.Name).Msg("failed to arm block duration")
		}
	}
	return false
}

// Remaining returns the points left for the identifier.
func (l *RedisLimiter) Remaining(ctx context.Context, identifier string) int {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()

	count, err := l.store.Count(ctx, l.key(identifier))
	if err != nil {
		if errors.Is(err, errNoWindow) {
			return l.cfg.Max
		}
		return l.fallback.Remaining(ctx, identifier)
	}

	remaining := l.cfg.Max - int(count)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ResetTime returns when the identifier's window expires.
func (l *RedisLimiter) ResetTime(ctx context.Context, identifier string) time.Time {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()

	ttl, err := l.store.TTL(ctx, l.key(identifier))
	if err != nil {
		return l.fallback.ResetTime(ctx, identifier)
	}
	return time.Now().Add(ttl)
}

// Limit returns the configured point budget.
func (l *RedisLimiter) Limit() int {
	return l.cfg.Max
}

// Sweep prunes the in-memory fallback's expired windows. The store-side
// keys expire on their own.
func (l *RedisLimiter) Sweep() {
	l.fallback.Sweep()
}
