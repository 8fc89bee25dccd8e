package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func drain(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestRunnerCountsOutcomes(t *testing.T) {
	r := NewRunner(4, time.Second)

	r.Submit("ok", func(context.Context) error { return nil })
	r.Submit("bad", func(context.Context) error { return errors.New("boom") })
	r.Submit("panics", func(context.Context) error { panic("boom") })

	drain(t, r)

	stats := r.Snapshot()
	if stats.Succeeded != 1 {
		t.Fatalf("succeeded = %d, want 1", stats.Succeeded)
	}
	if stats.Failed != 2 {
		t.Fatalf("failed = %d, want 2", stats.Failed)
	}
	if stats.InFlight != 0 {
		t.Fatalf("in flight = %d, want 0", stats.InFlight)
	}
}

func TestRunnerBoundsConcurrency(t *testing.T) {
	r := NewRunner(2, time.Second)

	var running, peak atomic.Int64
	release := make(chan struct{})

	for i := 0; i < 6; i++ {
		r.Submit("work", func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		})
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	drain(t, r)

	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
}

func TestRunnerTaskTimeout(t *testing.T) {
	r := NewRunner(1, 30*time.Millisecond)

	done := make(chan error, 1)
	r.Submit("slow", func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	})

	select {
	case err := <-done:
		if err != context.DeadlineExceeded {
			t.Fatalf("ctx err = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task context never expired")
	}
	drain(t, r)
}

func TestDrainHonorsDeadline(t *testing.T) {
	r := NewRunner(1, 5*time.Second)

	release := make(chan struct{})
	r.Submit("stuck", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := r.Drain(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Drain err = %v, want deadline exceeded", err)
	}
	close(release)
}
