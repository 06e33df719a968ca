package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Broker-wide gauges
	ConnectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgerun_connected_clients",
			Help: "Number of currently connected clients",
		},
	)

	ConnectedWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgerun_connected_workers",
			Help: "Number of currently connected workers",
		},
	)

	RunQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgerun_run_queue_depth",
			Help: "Number of jobs waiting in the run queue",
		},
	)

	WorkerSlotsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgerun_worker_slots_total",
			Help: "Sum of slots across all connected workers",
		},
	)

	WorkerPendingTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgerun_worker_pending_total",
			Help: "Sum of pending jobs across all connected workers",
		},
	)

	// Scheduler event/dispatch metrics
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgerun_scheduler_events_total",
			Help: "Total number of scheduler events handled, by kind",
		},
		[]string{"kind"},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forgerun_dispatch_latency_seconds",
			Help:    "Time taken to process one scheduler event, including any dispatch it triggers",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forgerun_jobs_dispatched_total",
			Help: "Total number of jobs sent to a worker",
		},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgerun_jobs_completed_total",
			Help: "Total number of job results received, by outcome kind",
		},
		[]string{"outcome"},
	)

	WorkerDisconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forgerun_worker_disconnects_total",
			Help: "Total number of worker disconnections handled",
		},
	)

	ClientDisconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forgerun_client_disconnects_total",
			Help: "Total number of client disconnections handled",
		},
	)

	// Cache metrics
	CacheEntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgerun_cache_entries_total",
			Help: "Total number of artifact cache entries",
		},
	)

	CacheBytesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgerun_cache_bytes_total",
			Help: "Total size in bytes of all cached artifacts",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forgerun_cache_evictions_total",
			Help: "Total number of artifact cache evictions",
		},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forgerun_cache_hits_total",
			Help: "Total number of cache lookups resolved as Have",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forgerun_cache_misses_total",
			Help: "Total number of cache lookups resolved as Need",
		},
	)

	// Executor metrics
	ExecutorDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forgerun_executor_duration_seconds",
			Help:    "Wall-clock time from clone3 to reaped exit",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExecutorStartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forgerun_executor_starts_total",
			Help: "Total number of job executions started",
		},
	)

	ExecutorFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgerun_executor_failures_total",
			Help: "Total number of job executions failing, by failure kind",
		},
		[]string{"kind"},
	)

	OutputTruncationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgerun_output_truncations_total",
			Help: "Total number of output streams that exceeded inline_limit",
		},
		[]string{"stream"},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectedClients,
		ConnectedWorkers,
		RunQueueDepth,
		WorkerSlotsTotal,
		WorkerPendingTotal,
		EventsTotal,
		DispatchLatency,
		JobsDispatchedTotal,
		JobsCompletedTotal,
		WorkerDisconnectsTotal,
		ClientDisconnectsTotal,
		CacheEntriesTotal,
		CacheBytesTotal,
		CacheEvictionsTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		ExecutorDuration,
		ExecutorStartsTotal,
		ExecutorFailuresTotal,
		OutputTruncationsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
