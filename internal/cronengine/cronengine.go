// Package cronengine maintains the set of registered background jobs and
// fires them on a minute-granularity schedule via robfig/cron/v3, with
// named-job bookkeeping and same-name overlap suppression on top.
package cronengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/coriolis/minion-manager/internal/logging"
	"github.com/coriolis/minion-manager/internal/metrics"
)

// DefaultRefreshPeriodMinutes is used whenever a configured period falls
// outside the accepted [1, 60] range.
const DefaultRefreshPeriodMinutes = 10

// ClampRefreshPeriod normalizes a configured refresh period to [1, 60],
// logging a warning when clamping occurs: values <= 0 clamp to 1, values >
// 60 fall back to the default of 10.
func ClampRefreshPeriod(minutes int) int {
	switch {
	case minutes <= 0:
		logging.Op().Warn("minion_pool_default_refresh_period_minutes <= 0, clamping to 1", "configured", minutes)
		return 1
	case minutes > 60:
		logging.Op().Warn("minion_pool_default_refresh_period_minutes > 60, falling back to default", "configured", minutes, "default", DefaultRefreshPeriodMinutes)
		return DefaultRefreshPeriodMinutes
	default:
		return minutes
	}
}

// RefreshMinuteOffsets returns {k*P | k in [0, ceil(60/P))} for the clamped
// period P, the set of minutes-of-the-hour a pool's refresh job fires at.
func RefreshMinuteOffsets(periodMinutes int) []int {
	p := ClampRefreshPeriod(periodMinutes)
	count := (60 + p - 1) / p
	offsets := make([]int, 0, count)
	for k := 0; k < count; k++ {
		offsets = append(offsets, (k*p)%60)
	}
	return offsets
}

// Job is a named, independently enabled/disabled unit of scheduled work.
type Job struct {
	Name        string
	Description string
	Enabled     bool
	fn          func(ctx context.Context)
}

// Engine wraps a cron.Cron scheduler with named-job bookkeeping and
// same-name overlap suppression.
type Engine struct {
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string][]cron.EntryID // job name -> registered cron entries
	running map[string]bool           // job name -> currently executing
}

// New creates an Engine. Call Start to begin firing registered jobs.
func New() *Engine {
	return &Engine{
		cron:    cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow))),
		entries: make(map[string][]cron.EntryID),
		running: make(map[string]bool),
	}
}

func (e *Engine) Start() { e.cron.Start() }
func (e *Engine) Stop()  { e.cron.Stop() }

// Register adds a job firing at minute M of every hour, for every M in
// minutes. Overlapping fires of the same job name are suppressed: if a
// previous fire of this job is still running when the next one comes due,
// the new fire is skipped and logged.
func (e *Engine) Register(job Job, minutes []int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.removeLocked(job.Name)

	if !job.Enabled {
		return nil
	}

	var ids []cron.EntryID
	for _, minute := range minutes {
		m := minute
		id, err := e.cron.AddFunc(fmt.Sprintf("%d * * * *", m), func() { e.fire(job) })
		if err != nil {
			return fmt.Errorf("register cron job %s at minute %d: %w", job.Name, m, err)
		}
		ids = append(ids, id)
	}
	e.entries[job.Name] = ids
	return nil
}

// Unregister removes every cron entry for the named job.
func (e *Engine) Unregister(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(name)
}

func (e *Engine) removeLocked(name string) {
	for _, id := range e.entries[name] {
		e.cron.Remove(id)
	}
	delete(e.entries, name)
}

func (e *Engine) fire(job Job) {
	e.mu.Lock()
	if e.running[job.Name] {
		e.mu.Unlock()
		metrics.RecordCronSkipped(job.Name)
		logging.Op().Debug("skipping cron fire, previous run still in flight", "job", job.Name)
		return
	}
	e.running[job.Name] = true
	e.mu.Unlock()

	metrics.RecordCronFire(job.Name)

	defer func() {
		e.mu.Lock()
		e.running[job.Name] = false
		e.mu.Unlock()
	}()

	job.fn(context.Background())
}

// NewJob constructs a Job with a pre-bound callable.
func NewJob(name, description string, fn func(ctx context.Context)) Job {
	return Job{Name: name, Description: description, Enabled: true, fn: fn}
}

// RefreshJobName is the canonical per-pool refresh job name, used both to
// register and to later unregister a pool's refresh schedule.
func RefreshJobName(poolID string) string {
	return "minion-pool-refresh:" + poolID
}
