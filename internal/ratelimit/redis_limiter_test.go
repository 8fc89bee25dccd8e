package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeCounterStore is an in-memory counterStore with injectable
// failures.
type fakeCounterStore struct {
	mu     sync.Mutex
	counts map[string]int64
	ttls   map[string]time.Duration
	err    error
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{
		counts: make(map[string]int64),
		ttls:   make(map[string]time.Duration),
	}
}

func (f *fakeCounterStore) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.counts[key]++
	if _, ok := f.ttls[key]; !ok {
		f.ttls[key] = window
	}
	return f.counts[key], nil
}

func (f *fakeCounterStore) Count(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	n, ok := f.counts[key]
	if !ok {
		return 0, errNoWindow
	}
	return n, nil
}

func (f *fakeCounterStore) Expire(_ context.Context, key string, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ttls[key] = d
	return nil
}

func (f *fakeCounterStore) TTL(_ context.Context, key string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	d, ok := f.ttls[key]
	if !ok {
		return 0, errNoWindow
	}
	return d, nil
}

func TestRedisLimiterEnforcesSharedBudget(t *testing.T) {
	store := newFakeCounterStore()
	l := newRedisLimiter(store, Config{Name: "send", Max: 20, Window: time.Minute, StoreTimeout: time.Second})
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 25; i++ {
		if l.Allow(ctx, "u1") {
			allowed++
		}
	}
	if allowed != 20 {
		t.Fatalf("allowed = %d, want 20", allowed)
	}
	if got := l.Remaining(ctx, "u1"); got != 0 {
		t.Fatalf("remaining = %d, want 0", got)
	}
	if reset := l.ResetTime(ctx, "u1"); !reset.After(time.Now()) {
		t.Fatalf("reset time %v should be in the future", reset)
	}
}

func TestRedisLimiterIsolatesIdentifiers(t *testing.T) {
	store := newFakeCounterStore()
	l := newRedisLimiter(store, Config{Name: "send", Max: 1, Window: time.Minute, StoreTimeout: time.Second})
	ctx := context.Background()

	if !l.Allow(ctx, "a") {
		t.Fatal("first call for a should pass")
	}
	if l.Allow(ctx, "a") {
		t.Fatal("second call for a should be denied")
	}
	if !l.Allow(ctx, "b") {
		t.Fatal("b has its own window")
	}
}

func TestRedisLimiterFailsOverToMemoryWindow(t *testing.T) {
	store := newFakeCounterStore()
	store.err = errors.New("store down")
	l := newRedisLimiter(store, Config{Name: "send", Max: 2, Window: time.Minute, StoreTimeout: time.Second})
	ctx := context.Background()

	// Not fail-open and not fail-closed: the per-process window takes
	// over with the same budget.
	allowed := 0
	for i := 0; i < 3; i++ {
		if l.Allow(ctx, "u1") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("allowed = %d, want 2 from the in-memory fallback", allowed)
	}
	if got := l.Remaining(ctx, "u1"); got != 0 {
		t.Fatalf("remaining = %d, want 0 from the in-memory fallback", got)
	}
}

func TestRedisLimiterArmsBlockDuration(t *testing.T) {
	store := newFakeCounterStore()
	block := 5 * time.Minute
	l := newRedisLimiter(store, Config{Name: "send", Max: 1, Window: time.Minute, BlockDuration: block, StoreTimeout: time.Second})
	ctx := context.Background()

	l.Allow(ctx, "u1")
	l.Allow(ctx, "u1") // first denial arms the block

	store.mu.Lock()
	ttl := store.ttls["send:u1"]
	store.mu.Unlock()
	if ttl != block {
		t.Fatalf("ttl = %v, want %v after the block arms", ttl, block)
	}
}

func TestRedisLimiterRemainingWithoutWindow(t *testing.T) {
	store := newFakeCounterStore()
	l := newRedisLimiter(store, Config{Name: "send", Max: 7, Window: time.Minute, StoreTimeout: time.Second})

	if got := l.Remaining(context.Background(), "fresh"); got != 7 {
		t.Fatalf("remaining = %d, want the full budget before any call", got)
	}
}
