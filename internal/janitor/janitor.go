// Package janitor runs periodic hygiene sweeps: idle bus subscriptions
// and expired in-memory limiter windows accumulate between requests and
// nothing on the hot path cleans them up.
package janitor

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaypoint/relaypoint/pkg/log"
)

// Sweepable is anything with periodic cleanup work.
type Sweepable interface {
	Sweep()
}

// Func adapts a plain function to Sweepable.
type Func func()

func (f Func) Sweep() { f() }

type Janitor struct {
	cron     *cron.Cron
	interval time.Duration
	targets  map[string]Sweepable
}

func New(interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Janitor{
		cron:     cron.New(),
		interval: interval,
		targets:  make(map[string]Sweepable),
	}
}

// Add registers a sweep target under a name used in logs.
func (j *Janitor) Add(name string, target Sweepable) {
	j.targets[name] = target
}

// Start schedules all registered sweeps and starts the scheduler.
func (j *Janitor) Start() error {
	spec := fmt.Sprintf("@every %s", j.interval)
	for name, target := range j.targets {
		name, target := name, target
		if _, err := j.cron.AddFunc(spec, func() {
			start := time.Now()
			target.Sweep()
			log.L().Debug().Str(log.FieldTask, name).Dur("took", time.Since(start)).Msg("sweep completed")
		}); err != nil {
			return fmt.Errorf("failed to schedule sweep %s: %w", name, err)
		}
	}
	j.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for running sweeps.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
