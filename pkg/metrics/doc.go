/*
Package metrics provides Prometheus metrics collection and exposition for
the broker and worker processes.

Metrics are package-level prometheus vars, registered once in init(), and
exposed over HTTP via Handler() for scraping. A Timer helper wraps
time.Since bookkeeping around histogram observations, following the same
pattern used for child-logger construction in pkg/log.

# Metric Groups

Broker state gauges: ConnectedClients, ConnectedWorkers, RunQueueDepth,
WorkerSlotsTotal, WorkerPendingTotal — sampled after every scheduler event.

Scheduler counters/histograms: EventsTotal (by event kind),
DispatchLatency, JobsDispatchedTotal, JobsCompletedTotal (by outcome kind),
WorkerDisconnectsTotal, ClientDisconnectsTotal.

Cache gauges/counters: CacheEntriesTotal, CacheBytesTotal,
CacheEvictionsTotal, CacheHitsTotal, CacheMissesTotal.

Executor metrics: ExecutorDuration, ExecutorStartsTotal,
ExecutorFailuresTotal (by failure kind), OutputTruncationsTotal (by
stream).

# Health

This package also exposes a component health registry (RegisterComponent,
UpdateComponent, GetHealth, GetReadiness) independent of Prometheus,
served over HTTP by this package's own HealthHandler, ReadyHandler and
LivenessHandler. Readiness requires the components named by
SetCriticalComponents (scheduler, cache and executor until a caller sets
its own list); liveness reports overall health regardless.

# Usage

	timer := metrics.NewTimer()
	// ... process one try_dispatch pass ...
	timer.ObserveDuration(metrics.DispatchLatency)
	metrics.JobsDispatchedTotal.Inc()
*/
package metrics
