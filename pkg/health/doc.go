/*
Package health provides health-check mechanisms for monitoring broker and
worker process liveness, independent of job-level success/failure.

This package implements three checker types behind a common Checker
interface: HTTPChecker and TCPChecker poll another process from the
outside, while TickTracker is driven from the inside by a control loop
calling Tick once per iteration. The broker and worker binaries each
mount a TickTracker at their own /healthz endpoint for an external
monitor (systemd, a load balancer, an orchestrator) to poll — this is
about the process being alive and its control loop ticking, not about
any individual job's outcome, which is reported through the normal wire
protocol instead. HTTPChecker and TCPChecker remain available for an
operator that wants to watch one forgerun process's liveness from
another, the same Checker interface either way.

# Architecture

	┌──────────────── Checker interface ────────────────┐
	│  Check(ctx) Result                                 │
	│  Type() CheckType                                  │
	└──────────┬────────────────┬────────────────┬───────┘
	           ▼                ▼                ▼
	     HTTPChecker       TCPChecker       TickTracker
	    GET /healthz      dial address    Tick() per loop iter

# Usage

	checker := health.NewHTTPChecker("http://localhost:8080/healthz")
	status := health.NewStatus()
	result := checker.Check(ctx)
	status.Update(result, health.DefaultConfig())
	if !status.Healthy {
		// alert / restart
	}
*/
package health
