// Package persist runs the background durability loop on a schedule,
// grounded in the donor's internal/storage/scheduler.go (its
// github.com/robfig/cron/v3-based Scheduler/JobExecutor wiring), adapted
// from scheduling arbitrary user jobs to running exactly one fixed job:
// spec.md §5's persist sequence (flush counters, checkpoint, flush pages,
// confirm checkpoint).
package persist

import (
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/SimonWaldherr/tinystore/internal/storage/storelog"
)

// Target is anything that can run one full persist cycle. The root store
// type satisfies this without persist needing to import it.
type Target interface {
	Persist() error
}

// Runner drives Target.Persist on a cron schedule.
type Runner struct {
	cron   *cron.Cron
	target Target
	log    *storelog.Logger

	mu      sync.Mutex
	running bool
	lastErr error
}

// New builds a Runner that invokes target.Persist() per schedule, a
// 6-field cron expression whose first field is seconds, or a descriptor
// such as "@every 1h" (config.DefaultCheckpointSchedule is the usual
// choice).
func New(schedule string, target Target) (*Runner, error) {
	c := cron.New(cron.WithSeconds())
	r := &Runner{cron: c, target: target, log: storelog.Default("persist")}
	if _, err := c.AddFunc(schedule, r.runOnce); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runner) runOnce() {
	if err := r.target.Persist(); err != nil {
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
		r.log.Errorf("persist cycle failed: %v", err)
		return
	}
	r.log.Infof("persist cycle complete")
}

// Start begins running the schedule in the background.
func (r *Runner) Start() {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	r.cron.Start()
}

// Stop halts the schedule, waiting for any in-flight cycle to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// RunNow triggers one persist cycle synchronously, outside the schedule.
func (r *Runner) RunNow() error {
	if err := r.target.Persist(); err != nil {
		return err
	}
	return nil
}

// LastError returns the error from the most recent failed cycle, if any.
func (r *Runner) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}
