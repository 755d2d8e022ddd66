package taskflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coriolis/minion-manager/internal/logging"
	"github.com/coriolis/minion-manager/internal/metrics"
	"github.com/coriolis/minion-manager/internal/observability"
	"github.com/coriolis/minion-manager/internal/store"
)

// DefaultMaxWorkers is the worker-pool cap applied when a Runner is
// constructed with maxWorkers <= 0.
const DefaultMaxWorkers = 25

// Runtime carries the shared state one flow execution needs: the Store,
// a semaphore bounding concurrent unordered/graph branches, and a
// result table tasks populate for deciders and revert callbacks to read
// back.
type Runtime struct {
	Store store.Store

	sem         chan struct{}
	taskTimeout time.Duration

	mu      sync.Mutex
	results map[string]any
}

func newRuntime(st store.Store, maxWorkers int, taskTimeout time.Duration) *Runtime {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Runtime{
		Store:       st,
		sem:         make(chan struct{}, maxWorkers),
		taskTimeout: taskTimeout,
		results:     make(map[string]any),
	}
}

func (rt *Runtime) acquire() { rt.sem <- struct{}{} }
func (rt *Runtime) release() { <-rt.sem }

func (rt *Runtime) setResult(name string, v any) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.results[name] = v
}

func (rt *Runtime) result(name string) (any, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	v, ok := rt.results[name]
	return v, ok
}

// Result looks up the recorded result of a named task, for use from
// deciders and from sibling task closures that need a peer's output
// (e.g. the reservation graph reading an allocated machine id).
func (rt *Runtime) Result(name string) (any, bool) { return rt.result(name) }

// Handle represents one in-flight or completed background flow run.
type Handle struct {
	done chan struct{}
	err  error
}

// Done returns a channel closed when the flow finishes, successfully or
// not.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the flow's outcome. Valid only after Done is closed.
func (h *Handle) Err() error { return h.err }

// Wait blocks until the flow finishes and returns its outcome.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Runner executes flows in the background with bounded parallelism.
type Runner struct {
	maxWorkers int

	// TaskTimeout bounds each individual task execution; when it elapses,
	// the task fails and compensation runs like for any other task error.
	// Zero means no per-task deadline.
	TaskTimeout time.Duration
}

// New builds a Runner. maxWorkers <= 0 falls back to DefaultMaxWorkers.
func New(maxWorkers int) *Runner {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Runner{maxWorkers: maxWorkers}
}

// RunFlowInBackground launches flow on its own goroutine against st and
// returns immediately with a Handle the caller may optionally wait on.
// This is the runner's sole entry point: callers never invoke a flow's
// Run method directly.
func (r *Runner) RunFlowInBackground(ctx context.Context, flow Node, st store.Store) *Handle {
	h := &Handle{done: make(chan struct{})}
	rt := newRuntime(st, r.maxWorkers, r.TaskTimeout)

	go func() {
		start := time.Now()
		ctx, span := observability.StartSpan(ctx, "taskflow.flow", observability.AttrFlowKind.String(flow.Name()))
		defer close(h.done)
		defer func() {
			if rec := recover(); rec != nil {
				logging.Op().Error("flow panicked", "flow", flow.Name(), "panic", rec)
				observability.SetSpanError(span, fmt.Errorf("flow panicked: %v", rec))
			}
			span.End()
		}()
		h.err = flow.Run(ctx, rt)
		outcome := "success"
		if h.err != nil {
			outcome = "failure"
			logging.Op().Error("flow failed", "flow", flow.Name(), "error", h.err)
			observability.SetSpanError(span, h.err)
		} else {
			observability.SetSpanOK(span)
		}
		elapsed := time.Since(start)
		span.SetAttributes(observability.AttrDurationMs.Int64(elapsed.Milliseconds()))
		metrics.RecordFlowDuration(flow.Name(), outcome, elapsed.Seconds())
	}()

	return h
}

// RunFlow runs flow synchronously, for call sites (tests, or request
// handlers that must know the immediate outcome of a cheap validation
// flow) that cannot return before the result is known.
func (r *Runner) RunFlow(ctx context.Context, flow Node, st store.Store) error {
	rt := newRuntime(st, r.maxWorkers, r.TaskTimeout)
	return flow.Run(ctx, rt)
}
