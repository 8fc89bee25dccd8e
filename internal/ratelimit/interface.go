package ratelimit

import (
	"context"
	"time"
)

// Limiter is an admission controller. Allow consumes one point for the
// identifier; Remaining and ResetTime feed the 429 retry metadata.
type Limiter interface {
	Allow(ctx context.Context, identifier string) bool
	Remaining(ctx context.Context, identifier string) int
	ResetTime(ctx context.Context, identifier string) time.Time
	Limit() int
}

// Config holds limiter parameters. Keys in the coordination store are
// <name>:<identifier>.
type Config struct {
	Name          string        `mapstructure:"name"`
	Max           int           `mapstructure:"max"`
	Window        time.Duration `mapstructure:"window"`
	BlockDuration time.Duration `mapstructure:"block_duration"`
	// StoreTimeout bounds each coordination-store call so a degraded
	// broker cannot stall the request path.
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Name == "" {
		cfg.Name = "ratelimit"
	}
	if cfg.Max <= 0 {
		cfg.Max = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 250 * time.Millisecond
	}
	return cfg
}
