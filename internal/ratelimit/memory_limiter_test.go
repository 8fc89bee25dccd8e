package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterEnforcesBudget(t *testing.T) {
	l := NewMemoryLimiter(Config{Name: "test", Max: 20, Window: time.Minute})
	ctx := context.Background()

	allowed, denied := 0, 0
	for i := 0; i < 25; i++ {
		if l.Allow(ctx, "user-1") {
			allowed++
		} else {
			denied++
		}
	}

	if allowed != 20 {
		t.Fatalf("allowed = %d, want 20", allowed)
	}
	if denied != 5 {
		t.Fatalf("denied = %d, want 5", denied)
	}
	if got := l.Remaining(ctx, "user-1"); got != 0 {
		t.Fatalf("remaining = %d, want 0", got)
	}
	if reset := l.ResetTime(ctx, "user-1"); !reset.After(time.Now().Add(-time.Second)) {
		t.Fatalf("reset time %v should be in the future", reset)
	}
}

func TestMemoryLimiterIsolatesIdentifiers(t *testing.T) {
	l := NewMemoryLimiter(Config{Name: "test", Max: 1, Window: time.Minute})
	ctx := context.Background()

	if !l.Allow(ctx, "a") {
		t.Fatal("first call for a should pass")
	}
	if l.Allow(ctx, "a") {
		t.Fatal("second call for a should be denied")
	}
	if !l.Allow(ctx, "b") {
		t.Fatal("b should have its own budget")
	}
}

func TestMemoryLimiterWindowSlides(t *testing.T) {
	l := NewMemoryLimiter(Config{Name: "test", Max: 2, Window: time.Minute})
	ctx := context.Background()

	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow(ctx, "u")
	l.Allow(ctx, "u")
	if l.Allow(ctx, "u") {
		t.Fatal("budget exhausted, call should be denied")
	}

	now = now.Add(61 * time.Second)
	if !l.Allow(ctx, "u") {
		t.Fatal("window expired, call should pass again")
	}
}

func TestMemoryLimiterSweep(t *testing.T) {
	l := NewMemoryLimiter(Config{Name: "test", Max: 5, Window: time.Minute})
	ctx := context.Background()

	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow(ctx, "stale")
	l.Allow(ctx, "fresh")

	now = now.Add(2 * time.Minute)
	l.Allow(ctx, "fresh")
	l.Sweep()

	l.mu.Lock()
	_, staleKept := l.windows["stale"]
	_, freshKept := l.windows["fresh"]
	l.mu.Unlock()

	if staleKept {
		t.Fatal("stale identifier should be swept")
	}
	if !freshKept {
		t.Fatal("fresh identifier should survive the sweep")
	}
}

func TestConfigDefaults(t *testing.T) {
	base := Config{Name: "x"}
	cfg := base.withDefaults()
	if cfg.Max != 60 {
		t.Fatalf("default max = %d, want 60", cfg.Max)
	}
	if cfg.Window != time.Minute {
		t.Fatalf("default window = %v, want 1m", cfg.Window)
	}
	if cfg.StoreTimeout != 250*time.Millisecond {
		t.Fatalf("default store timeout = %v, want 250ms", cfg.StoreTimeout)
	}
}
