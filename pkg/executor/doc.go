/*
Package executor starts one job's process in fresh Linux namespaces and
reports how it terminated.

# Startup

Start clones a process with CLONE_NEWUSER|CLONE_NEWNS|CLONE_NEWPID|
CLONE_NEWIPC|CLONE_NEWCGROUP (plus CLONE_NEWNET unless the job asked for
loopback networking) by re-executing the running binary under
syscall.SysProcAttr.Cloneflags with a hidden argv[1] sentinel; the
uid/gid maps are set through SysProcAttr as part of that clone. The
re-executed process reads its job configuration from an inherited pipe,
pivot_roots into the job's layer root, applies the mount list, drops to
the job's gid/uid, and replaces itself with the target program via
syscall.Exec — the Go equivalent of clone3 followed by execve. Any
failure before that final Exec is written to a second inherited pipe
("the exec-result pipe") and read back by the parent, exactly as
described for the startup protocol: an empty read means the child is
on its way to becoming the target program, a non-empty read is an error
message.

# Output capture

Stdout and stderr are each read up to a configured inline limit; bytes
beyond that are counted and discarded rather than buffered, so a job
that produces gigabytes of log output cannot exhaust broker or worker
memory. See output.go.

# Reaping

A dedicated reaper goroutine, pinned to its own OS thread because
wait4 blocks the calling thread, drains terminated children in a loop
and maps each one back to the job that owns it. See reaper.go.

# Timeout

Neither this package nor the worker times a job out. The broker's timer
wheel decides a job is overdue, completes it as timed out and sends the
worker a Cancel; the worker control loop then kills the returned pid.
The executor package itself only starts and reaps processes.
*/
package executor
