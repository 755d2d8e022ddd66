// Package metrics exposes the Minion Manager's Prometheus collectors:
// pool/machine population gauges, reservation counters, and flow-duration
// histograms, all registered on a private registry the daemon mounts at
// /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coriolis/minion-manager/internal/store"
)

var defaultFlowDurationBuckets = []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Collectors wraps every Prometheus collector the daemon registers.
type Collectors struct {
	registry *prometheus.Registry

	poolsByStatus    *prometheus.GaugeVec
	machinesByStatus *prometheus.GaugeVec

	reservationsTotal  *prometheus.CounterVec
	deallocationsTotal *prometheus.CounterVec
	allocationFailures *prometheus.CounterVec

	flowDuration *prometheus.HistogramVec

	cronFiresTotal   *prometheus.CounterVec
	cronSkippedTotal *prometheus.CounterVec

	lockWaitSeconds prometheus.Histogram
}

var active *Collectors

// Init builds the collector set, registers it along with the standard Go
// and process collectors, and stores it as the process-wide singleton every
// Record* helper writes through. namespace prefixes every metric name.
func Init(namespace string) *Collectors {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	c := &Collectors{
		registry: registry,

		poolsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pools_by_status",
			Help:      "Number of minion pools currently in each status.",
		}, []string{"status"}),

		machinesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "machines_by_status",
			Help:      "Number of minion machines currently in each status, labelled by owning pool.",
		}, []string{"pool_id", "status"}),

		reservationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Minion reservation attempts, labelled by action kind and outcome.",
		}, []string{"action_kind", "outcome"}),

		deallocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deallocations_total",
			Help:      "Minion machine deallocations, labelled by reason.",
		}, []string{"reason"}),

		allocationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_failures_total",
			Help:      "Reservation graph failures reported to the Conductor, labelled by action kind.",
		}, []string{"action_kind"}),

		flowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flow_duration_seconds",
			Help:      "Wall-clock duration of a completed task-graph run, labelled by flow kind and outcome.",
			Buckets:   defaultFlowDurationBuckets,
		}, []string{"flow", "outcome"}),

		cronFiresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cron_fires_total",
			Help:      "Scheduled job fires, labelled by job name.",
		}, []string{"job"}),

		cronSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cron_skipped_total",
			Help:      "Scheduled job fires skipped because the previous fire was still running, labelled by job name.",
		}, []string{"job"}),

		lockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_lock_wait_seconds",
			Help:      "Time spent waiting to acquire a pool's lock.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		c.poolsByStatus,
		c.machinesByStatus,
		c.reservationsTotal,
		c.deallocationsTotal,
		c.allocationFailures,
		c.flowDuration,
		c.cronFiresTotal,
		c.cronSkippedTotal,
		c.lockWaitSeconds,
	)

	active = c
	return c
}

// Handler returns the HTTP handler to mount at /metrics. Init must have run
// first.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordPoolStatusCounts replaces the pools_by_status gauge set with the
// given counts. Callers recompute the full distribution (rather than
// incrementing/decrementing per transition) to avoid drift across process
// restarts or missed transitions.
func RecordPoolStatusCounts(counts map[store.PoolStatus]int) {
	if active == nil {
		return
	}
	active.poolsByStatus.Reset()
	for status, n := range counts {
		active.poolsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

// RecordMachineStatusCounts replaces the machines_by_status gauge set for
// one pool. Callers sweeping every pool should call ResetMachineStatusCounts
// once before the first RecordMachineStatusCounts of the sweep, so a pool
// that was deleted (or emptied) since the last sweep doesn't leave a stale
// series behind.
func RecordMachineStatusCounts(poolID string, counts map[store.MachineStatus]int) {
	if active == nil {
		return
	}
	for status, n := range counts {
		active.machinesByStatus.WithLabelValues(poolID, string(status)).Set(float64(n))
	}
}

// ResetMachineStatusCounts clears every machines_by_status series. Call once
// at the start of a full sweep across pools, before the per-pool
// RecordMachineStatusCounts calls that follow.
func ResetMachineStatusCounts() {
	if active == nil {
		return
	}
	active.machinesByStatus.Reset()
}

// RecordReservation records a reservation attempt's outcome ("launched" or
// "failure") for an action kind ("replica" or "migration").
func RecordReservation(actionKind, outcome string) {
	if active == nil {
		return
	}
	active.reservationsTotal.WithLabelValues(actionKind, outcome).Inc()
}

// RecordDeallocation records a machine deallocation, labelled by reason
// ("teardown", "action_complete", "manual").
func RecordDeallocation(reason string) {
	if active == nil {
		return
	}
	active.deallocationsTotal.WithLabelValues(reason).Inc()
}

// RecordAllocationFailure records a reservation graph failure reported to
// the Conductor.
func RecordAllocationFailure(actionKind string) {
	if active == nil {
		return
	}
	active.allocationFailures.WithLabelValues(actionKind).Inc()
}

// RecordFlowDuration records how long a task-graph run took.
func RecordFlowDuration(flow, outcome string, seconds float64) {
	if active == nil {
		return
	}
	active.flowDuration.WithLabelValues(flow, outcome).Observe(seconds)
}

// RecordCronFire records a scheduled job fire.
func RecordCronFire(job string) {
	if active == nil {
		return
	}
	active.cronFiresTotal.WithLabelValues(job).Inc()
}

// RecordCronSkipped records a scheduled job fire skipped due to overlap
// suppression.
func RecordCronSkipped(job string) {
	if active == nil {
		return
	}
	active.cronSkippedTotal.WithLabelValues(job).Inc()
}

// RecordLockWait records time spent waiting on a pool lock.
func RecordLockWait(seconds float64) {
	if active == nil {
		return
	}
	active.lockWaitSeconds.Observe(seconds)
}
