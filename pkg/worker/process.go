package worker

import "golang.org/x/sys/unix"

// killProcess sends SIGKILL to pid. Jobs run as their own PID namespace's
// init, so killing pid itself is enough to tear down every descendant.
func killProcess(pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}
