// Package tasks runs fire-and-forget side effects (broadcast fan-out,
// notification enqueue) off the request path while keeping their
// failures observable: every task is named, logged on failure, and
// counted in a snapshot.
package tasks

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaypoint/relaypoint/pkg/log"
)

// Stats is a point-in-time view of the runner's counters.
type Stats struct {
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	InFlight  int64  `json:"in_flight"`
}

// Runner executes background tasks with bounded concurrency. Submit
// never blocks the caller and never propagates task failures to it.
type Runner struct {
	sem        chan struct{}
	timeout    time.Duration
	wg         sync.WaitGroup
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	inFlight   atomic.Int64
}

// NewRunner creates a runner allowing up to maxConcurrent tasks, each
// bounded by timeout.
func NewRunner(maxConcurrent int, timeout time.Duration) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 8
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Runner{
		sem:     make(chan struct{}, maxConcurrent),
		timeout: timeout,
	}
}

// Submit schedules a named task. The task gets a fresh context: the
// request that spawned it has already been answered and must not
// cancel it.
func (r *Runner) Submit(name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	r.inFlight.Add(1)

	go func() {
		defer r.wg.Done()
		defer r.inFlight.Add(-1)

		r.sem <- struct{}{}
		defer func() { <-r.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		defer func() {
			if rec := recover(); rec != nil {
				r.failed.Add(1)
				log.L().Error().Interface("panic", rec).Str(log.FieldTask, name).Msg("background task panicked")
			}
		}()

		if err := fn(ctx); err != nil {
			r.failed.Add(1)
			log.L().Error().Err(err).Str(log.FieldTask, name).Msg("background task failed")
			return
		}
		r.succeeded.Add(1)
	}()
}

// Snapshot returns the current counters.
func (r *Runner) Snapshot() Stats {
	return Stats{
		Succeeded: r.succeeded.Load(),
		Failed:    r.failed.Load(),
		InFlight:  r.inFlight.Load(),
	}
}

// Drain waits for in-flight tasks to finish or ctx to expire.
func (r *Runner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
