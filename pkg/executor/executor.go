package executor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/forgerun/forgerun/pkg/metrics"
	"github.com/forgerun/forgerun/pkg/types"
	"golang.org/x/sys/unix"
)

// StartError is returned by Start when the job never reached a runnable
// child process (SystemError, the executor's own fault) or reached a
// child that failed before exec-ing the target program (ExecutionError,
// the job's fault). Either way the caller still owes the scheduler a
// Result — these map directly onto the matching types.OutcomeKind.
type StartError struct {
	Kind types.OutcomeKind
	Err  error
}

func (e *StartError) Error() string { return e.Err.Error() }

func systemError(format string, args ...any) *StartError {
	metrics.ExecutorFailuresTotal.WithLabelValues("system_error").Inc()
	return &StartError{Kind: types.OutcomeSystemError, Err: fmt.Errorf(format, args...)}
}

func executionError(format string, args ...any) *StartError {
	metrics.ExecutorFailuresTotal.WithLabelValues("execution_error").Inc()
	return &StartError{Kind: types.OutcomeExecution, Err: fmt.Errorf(format, args...)}
}

// Handle is what Start hands back for a successfully launched job. Stdout
// and Stderr each receive exactly one OutputResult once that stream's
// write end closes, which in practice means once the child has exited.
// The caller (pkg/worker) waits on the reaper for the pid's termination
// status and on these two channels for the captured output, then
// combines all three into a types.Outcome.
type Handle struct {
	Pid       int
	StartedAt time.Time
	Stdout    <-chan types.OutputResult
	Stderr    <-chan types.OutputResult
}

// Executor launches job processes. Its uid/gid are the ones the
// executor's own process runs as — new jobs are cloned into a fresh user
// namespace where that uid/gid map to root, matching the Rust
// implementation's Default impl.
type Executor struct {
	uid, gid int
	// InlineLimit bounds how many bytes of stdout/stderr are buffered in
	// memory per job; anything beyond is counted but discarded.
	InlineLimit int64
}

// New creates an Executor running as the calling process's own uid/gid.
func New(inlineLimit int64) *Executor {
	return &Executor{uid: os.Getuid(), gid: os.Getgid(), InlineLimit: inlineLimit}
}

// Start launches spec's program inside rootfs in fresh namespaces. On
// success it returns a Handle the caller uses to wait for output and
// (via the reaper) termination; on failure it returns a StartError
// classifying whose fault it was.
func (e *Executor) Start(spec types.JobSpec, rootfs string) (*Handle, *StartError) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, systemError("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return nil, systemError("creating stderr pipe: %w", err)
	}
	configR, configW, err := os.Pipe()
	if err != nil {
		return nil, systemError("creating init-config pipe: %w", err)
	}
	resultR, resultW, err := os.Pipe()
	if err != nil {
		return nil, systemError("creating exec-result pipe: %w", err)
	}

	env := make([]string, len(spec.Environment))
	for i, kv := range spec.Environment {
		env[i] = kv.Name + "=" + kv.Value
	}
	mounts := make([]initMount, len(spec.Mounts))
	for i, m := range spec.Mounts {
		mounts[i] = initMount{Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly}
	}
	body, err := encodeInitConfig(initConfig{
		Rootfs:           rootfs,
		WritableRootfs:   spec.WritableRootfs,
		Program:          spec.Program,
		Arguments:        spec.Arguments,
		Environment:      env,
		Mounts:           mounts,
		WorkingDirectory: spec.WorkingDirectory,
		UID:              spec.UID,
		GID:              spec.GID,
	})
	if err != nil {
		return nil, systemError("encoding init config: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, systemError("resolving executable path: %w", err)
	}

	cmd := exec.Command(exe, initSentinel)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.ExtraFiles = []*os.File{configR, resultW}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: cloneFlags(spec.Loopback),
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: e.uid, Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: e.gid, Size: 1},
		},
	}

	metrics.ExecutorStartsTotal.Inc()
	startErr := cmd.Start()

	// These ends belong to the child now; cmd.Start has already dup'd
	// them into its fd table.
	stdoutW.Close()
	stderrW.Close()
	resultW.Close()
	configR.Close()

	if startErr != nil {
		configW.Close()
		stdoutR.Close()
		stderrR.Close()
		resultR.Close()
		return nil, systemError("clone: %w", startErr)
	}

	go func() {
		_, _ = configW.Write(body)
		configW.Close()
	}()

	// The exec-result pipe's write end is close-on-exec in the child, so
	// a successful exec closes it for us and this read returns an
	// immediate EOF. A non-empty read means the child wrote an error
	// before reaching exec.
	execErr, err := io.ReadAll(resultR)
	resultR.Close()
	if err != nil {
		return nil, systemError("reading exec-result pipe: %w", err)
	}
	if len(execErr) > 0 {
		stdoutR.Close()
		stderrR.Close()
		return nil, executionError("exec-ing job's process: %s", string(execErr))
	}

	stdout := make(chan types.OutputResult, 1)
	stderr := make(chan types.OutputResult, 1)
	go func() {
		defer stdoutR.Close()
		result, err := readBounded(stdoutR, e.InlineLimit, "stdout")
		if err != nil {
			result = types.OutputResult{Kind: types.OutputNone}
		}
		stdout <- result
	}()
	go func() {
		defer stderrR.Close()
		result, err := readBounded(stderrR, e.InlineLimit, "stderr")
		if err != nil {
			result = types.OutputResult{Kind: types.OutputNone}
		}
		stderr <- result
	}()

	return &Handle{
		Pid:       cmd.Process.Pid,
		StartedAt: time.Now(),
		Stdout:    stdout,
		Stderr:    stderr,
	}, nil
}

// cloneFlags builds the namespace set for a job: everything the startup
// protocol requires, plus a fresh network namespace unless the job asked
// to share the host's loopback-only network instead.
func cloneFlags(loopback bool) uintptr {
	flags := uintptr(unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID |
		unix.CLONE_NEWIPC | unix.CLONE_NEWCGROUP)
	if !loopback {
		flags |= unix.CLONE_NEWNET
	}
	return flags
}
