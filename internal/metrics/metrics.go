// Package metrics wires the controller runtime core's internal counters
// and gauges to Prometheus, mirroring the adapter shape of
// sigs.k8s.io/controller-runtime's pkg/internal/metrics and
// pkg/controller/metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// WatchRestartsTotal counts watch restarts: each relist after a watch
	// stream error (a desync while watching, or any error during a streamed
	// bootstrap) and each reopen of a watch connection that reached its
	// Timeout. The periodic ResyncPeriod relist is not counted.
	WatchRestartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "controllerkit_watch_restarts_total",
		Help: "Number of times a watcher has relisted after a watch error or reopened a stalled watch connection.",
	}, []string{"kind"})

	// WatchListDuration observes the duration of each List call (one per
	// page) of the paginated bootstrap, per kind. The streamed (InitPage)
	// bootstrap is not observed.
	WatchListDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "controllerkit_watch_list_duration_seconds",
		Help:    "Duration of a single list call during a watcher's bootstrap.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// SchedulerQueueDepth is the number of pending scheduled requests.
	SchedulerQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "controllerkit_scheduler_queue_depth",
		Help: "Number of pending scheduled reconcile requests.",
	}, []string{"controller"})

	// SchedulerLatency observes the delay between a request becoming due
	// and being popped by poll_due.
	SchedulerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "controllerkit_scheduler_latency_seconds",
		Help:    "Delay between a scheduled request's due time and its release.",
		Buckets: prometheus.DefBuckets,
	}, []string{"controller"})

	// RunnerInFlight is the current count of reconciles in flight.
	RunnerInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "controllerkit_runner_in_flight",
		Help: "Number of reconcile tasks currently running.",
	}, []string{"controller"})

	// RunnerReconcileDuration observes reconcile function wall time.
	RunnerReconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "controllerkit_runner_reconcile_duration_seconds",
		Help:    "Duration of a single reconcile invocation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"controller"})

	// RunnerReconcileTotal counts completed reconciles by outcome.
	RunnerReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "controllerkit_runner_reconcile_total",
		Help: "Total reconcile attempts, partitioned by outcome.",
	}, []string{"controller", "result"})
)

// MustRegister registers all of the above metrics against reg. Callers
// that don't want controllerkit metrics in their process simply never
// call this — no metric is registered against the default registry
// implicitly.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		WatchRestartsTotal,
		WatchListDuration,
		SchedulerQueueDepth,
		SchedulerLatency,
		RunnerInFlight,
		RunnerReconcileDuration,
		RunnerReconcileTotal,
	)
}
