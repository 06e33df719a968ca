/*
Package log provides structured logging for forgerun using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Context Loggers                     │          │
	│  │  - WithComponent("scheduler")               │          │
	│  │  - WithWorkerID("worker-7")                 │          │
	│  │  - WithClientID("client-2")                 │          │
	│  │  - WithJobID("2.14")                        │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	schedulerLog := log.WithComponent("scheduler")
	schedulerLog.Debug().Str("job_id", jobID.String()).Msg("dispatched")

	jobLog := log.WithJobID(jobID.String())
	jobLog.Error().Err(err).Msg("execution failed")

# Log Levels

  - Debug: per-event scheduler/executor tracing
  - Info: connection lifecycle, startup/shutdown
  - Warn: recoverable conditions (cache cap exceeded, retry)
  - Error: operation failures surfaced as SystemError/ExecutionError
  - Fatal: unrecoverable startup failure, process exits

# Security

Never log job stdout/stderr bytes verbatim at Info level or above — they
are user-controlled content and belong in the bounded Outcome payload
returned to the client, not the broker/worker's own log stream.
*/
package log
