package executor

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sys/unix"
)

// initSentinel is the argv[1] that marks a re-exec of this binary as the
// namespace-setup shim rather than a normal invocation. cmd/ binaries must
// call MaybeRunInit as the first thing in main, before flag parsing or
// anything else that might allocate unexpectedly.
const initSentinel = "--forgerun-exec-init"

// initConfigFd and execResultFd are the well-known file descriptor numbers
// the parent arranges via ExtraFiles: 3 is the read end of the config
// pipe, 4 is the write end of the exec-result pipe.
const (
	initConfigFd = 3
	execResultFd = 4
)

// initConfig is what the parent sends the child over initConfigFd. It is
// msgpack-encoded because every other wire payload in this module is, and
// there's no reason to reach for a second serialization format for an
// internal pipe.
type initConfig struct {
	Rootfs           string
	WritableRootfs   bool
	Program          string
	Arguments        []string
	Environment      []string
	Mounts           []initMount
	WorkingDirectory string
	UID              uint32
	GID              uint32
}

type initMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// MaybeRunInit checks whether this process invocation is the namespace
// setup shim and, if so, never returns: it either syscall.Execs into the
// job's program or os.Exits after reporting an error. Callers invoke this
// unconditionally at the top of main.
func MaybeRunInit() {
	maybeRunDummyChild()
	if len(os.Args) < 2 || os.Args[1] != initSentinel {
		return
	}
	runInit()
}

func runInit() {
	resultW := os.NewFile(execResultFd, "exec-result")

	// ExtraFiles clears FD_CLOEXEC only for the exec that starts this
	// process; it is not inherited automatically by the syscall.Exec below
	// that replaces it with the job's program. Set it explicitly so a
	// successful exec closes the descriptor for us and the parent sees EOF.
	unix.CloseOnExec(execResultFd)

	fail := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		_, _ = resultW.WriteString(msg)
		_ = resultW.Close()
		os.Exit(1)
	}

	configR := os.NewFile(initConfigFd, "init-config")
	raw, err := io.ReadAll(configR)
	configR.Close()
	if err != nil {
		fail("reading init config: %v", err)
	}
	var cfg initConfig
	if err := msgpack.Unmarshal(raw, &cfg); err != nil {
		fail("decoding init config: %v", err)
	}

	if err := mountRootfs(&cfg); err != nil {
		fail("mounting rootfs: %v", err)
	}

	if cfg.WorkingDirectory != "" {
		if err := os.Chdir(cfg.WorkingDirectory); err != nil {
			fail("chdir %s: %v", cfg.WorkingDirectory, err)
		}
	}

	if err := unix.Setgid(int(cfg.GID)); err != nil {
		fail("setgid %d: %v", cfg.GID, err)
	}
	if err := unix.Setuid(int(cfg.UID)); err != nil {
		fail("setuid %d: %v", cfg.UID, err)
	}

	argv := append([]string{cfg.Program}, cfg.Arguments...)
	if err := syscall.Exec(cfg.Program, argv, cfg.Environment); err != nil {
		fail("exec %s: %v", cfg.Program, err)
	}
}

// mountRootfs pivots into the job's assembled layer root and applies its
// mount list. It runs after the namespace clone but before privileges are
// dropped, matching the startup protocol's ordering.
func mountRootfs(cfg *initConfig) error {
	flags := uintptr(unix.MS_BIND | unix.MS_REC)
	if err := unix.Mount(cfg.Rootfs, cfg.Rootfs, "", flags, ""); err != nil {
		return fmt.Errorf("bind-mounting rootfs onto itself: %w", err)
	}

	oldroot := cfg.Rootfs + "/.forgerun-oldroot"
	if err := os.MkdirAll(oldroot, 0700); err != nil {
		return fmt.Errorf("creating pivot_root staging directory: %w", err)
	}
	if err := unix.PivotRoot(cfg.Rootfs, oldroot); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to new root: %w", err)
	}

	for _, m := range cfg.Mounts {
		mflags := uintptr(unix.MS_BIND)
		if m.ReadOnly {
			mflags |= unix.MS_RDONLY
		}
		if err := unix.Mount(m.Source, m.Target, "", mflags, ""); err != nil {
			return fmt.Errorf("mounting %s at %s: %w", m.Source, m.Target, err)
		}
	}

	if err := unix.Unmount("/.forgerun-oldroot", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detaching old root: %w", err)
	}

	if !cfg.WritableRootfs {
		if err := unix.Mount("", "/", "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("remounting root read-only: %w", err)
		}
	}

	return nil
}

// encodeInitConfig msgpack-encodes cfg for the one-shot config pipe: the
// parent writes the whole thing and closes its end, the child reads until
// EOF, so no length prefix or framing is needed here.
func encodeInitConfig(cfg initConfig) ([]byte, error) {
	return msgpack.Marshal(cfg)
}
