/*
Package scheduler implements the broker's job-placement event loop.

Every occurrence the broker cares about — a client or worker connecting
or disconnecting, a job submission, a worker result, an artifact
landing in the cache, a statistics request — is translated into an
Event and handed to Scheduler.Receive. Receive runs each event to
completion before the next one starts, so Scheduler itself needs no
locks: there is never more than one event in flight.

# Dispatch

A submitted job enters the run queue only once every layer digest in its
JobSpec has been acquired from the artifact cache (see Cache and
CacheResult). tryDispatch then assigns queued jobs to the
least-loaded worker, where load is pending jobs per slot, compared
without floating point via pkg/heap's multiplicative comparator. A
worker stops receiving new jobs once its pending count reaches twice
its slot count — enough to keep a slot immediately refillable when a
job finishes, without queueing unbounded work on one worker.

# Disconnects

A worker disconnecting returns its pending jobs to the front of the
run queue, sorted by client then by client-local job id, so the next
tryDispatch pass reassigns them in a deterministic order. A client
disconnecting cancels its jobs on every worker that is running one,
drops its queued-but-undispatched jobs, and releases the cache
refcounts it was holding — jobs belonging to other clients are left
alone.

# Invariants

Connecting a client or worker id that is already connected, or
disconnecting/addressing one that was never connected, is a
programmer error in the caller (the broker's connection accept loop)
and panics rather than returning an error. A worker result for a job
no longer in that worker's pending set is not an error — the job's
client disconnected and the job was already canceled — and is
silently ignored.
*/
package scheduler
