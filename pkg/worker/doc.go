/*
Package worker implements the node that dials a broker, accepts Enqueue
messages, and runs the jobs they describe.

A worker is a single TCP connection plus four kinds of goroutine around
it: one reads frames off the connection, one per in-flight job resolves
that job's layers and waits for it to finish, the reaper owns a single
OS thread dedicated to reaping terminated children, and the control
loop goroutine handles every event. Only the control loop touches the
slot counters; the maps of running jobs, reaper channels and in-flight
fetches are shared with the job goroutines and the reaper under a
mutex.

# Control flow

	┌──────────────── worker process ─────────────────────────┐
	│                                                            │
	│  readLoop ──events──▶ control loop ◀──events── reaperLoop │
	│  (conn reads)         (Worker.handle)          (wait4)    │
	│       │                     │                              │
	│       │              go runJob(job)                       │
	│       │                     │                              │
	│       │         ┌───────────┴────────────┐                │
	│       │   resolveLayers            buildRootfs            │
	│       │   (FetchArtifact round-     (overlayfs mount)      │
	│       │    trip if not cached)            │                │
	│       │                              executor.Start         │
	│       │                                    │                │
	│       │                         termCh + Stdout + Stderr   │
	│       │                                    │                │
	│       └──────────────────────────── jobDoneEvent ◀─────────┘
	└────────────────────────────────────────────────────────────┘

Enqueue and Cancel arrive as events and are handled synchronously by the
control loop; everything a job needs that might block — an artifact
fetch round trip to the broker, the job's own runtime, waiting for its
exit status — happens on that job's own goroutine (runJob), so one slow
job never stalls the connection's read side or another job's progress.

# Layer resolution

Each job names its root filesystem as an ordered list of layer digests.
The worker keeps its own on-disk copy of layers it has already pulled
(localArtifacts); anything missing is fetched from the broker with a
FetchArtifact/ArtifactReply round trip, the reply's bytes following the
envelope as one raw length-prefixed frame. Concurrent jobs waiting on
the same missing digest share a single in-flight request.

# Job execution

Once every layer is local, buildRootfs stacks them into a single
overlayfs mount and pkg/executor.Executor.Start clones the job into
fresh namespaces and execs its program inside that mount. The reaper
goroutine is the only thing that ever calls wait4; it is parked on its
own locked OS thread for the life of the worker, with a permanently
blocked dummy child keeping the wait call from ever seeing "no
children" while real jobs start and stop around it.

# Cancellation

Cancel carries no timeout information of its own — the broker's timer
wheel has already decided a job is overdue and completed it from the
scheduler's perspective before Cancel is sent. The worker's only job is
to kill the process; whatever Result eventually follows is treated as
stale by the broker and discarded.

# Heartbeats

The worker sends a Heartbeat with its current pending-job count every
five seconds. It carries no scheduling authority — it exists purely so
an operator watching broker metrics can tell a worker is alive between
job completions.
*/
package worker
