package executor

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// dummySentinel marks a re-exec as the reaper's dummy child: a process
// that never does anything but never exits on its own either, so the
// reaper always has at least one child to wait on and waitid/wait4 never
// returns ECHILD while real jobs come and go.
const dummySentinel = "--forgerun-dummy-child"

func maybeRunDummyChild() {
	if len(os.Args) < 2 || os.Args[1] != dummySentinel {
		return
	}
	select {}
}

// CloneDummyChild starts the reaper's dummy child and returns its pid.
func CloneDummyChild() (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolving executable path: %w", err)
	}
	cmd := exec.Command(exe, dummySentinel)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting dummy child: %w", err)
	}
	return cmd.Process.Pid, nil
}

// ReaperInstruction tells Run whether to keep reaping or stop.
type ReaperInstruction int

const (
	ReaperContinue ReaperInstruction = iota
	ReaperStop
)

// ChildStatus is a reaped child's termination status, already narrowed to
// the exited-vs-signaled distinction the job outcome taxonomy needs.
type ChildStatus struct {
	Signaled bool
	Code     uint8
}

// ReaperDeps decouples the wait4 loop in Run from what the caller does
// with each termination, the same separation the worker control loop
// keeps between events and their handling.
type ReaperDeps interface {
	OnWaitError(err error) ReaperInstruction
	OnDummyChildTermination() ReaperInstruction
	OnUnexpectedWaitStatus(pid int) ReaperInstruction
	OnChildTermination(pid int, status ChildStatus) ReaperInstruction
}

func clipToU8(v int) uint8 {
	if v < 0 || v > 255 {
		return 255
	}
	return uint8(v)
}

// Run drains terminated children in a loop until deps signals Stop or an
// unrecoverable wait error occurs. It must run on its own, permanently
// locked OS thread: wait4 blocks the calling thread, and an async runtime
// cannot multiplex a blocking syscall the way it multiplexes blocking I/O
// on a file descriptor.
func Run(deps ReaperDeps, dummyPid int) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if err != nil {
			if deps.OnWaitError(err) == ReaperStop {
				return
			}
			continue
		}

		var instruction ReaperInstruction
		switch {
		case pid == dummyPid:
			instruction = deps.OnDummyChildTermination()
		case ws.Exited():
			instruction = deps.OnChildTermination(pid, ChildStatus{
				Signaled: false,
				Code:     clipToU8(ws.ExitStatus()),
			})
		case ws.Signaled():
			instruction = deps.OnChildTermination(pid, ChildStatus{
				Signaled: true,
				Code:     clipToU8(int(ws.Signal())),
			})
		default:
			instruction = deps.OnUnexpectedWaitStatus(pid)
		}

		if instruction == ReaperStop {
			return
		}
	}
}
