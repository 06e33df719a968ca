package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// rootfs is one job's assembled filesystem view: an overlayfs stack of
// its layer paths, bottom layer first as named in JobSpec.Layers, mounted
// at a throwaway directory and torn down once the job completes.
type rootfs struct {
	mountpoint string
	upper      string
	work       string
	writable   bool
}

// buildRootfs overlays layerPaths (ordered bottom-first, matching
// JobSpec.Layers) into a single mountpoint. A writable job gets an
// upperdir/workdir pair so changes don't leak back into the shared,
// content-addressed layer cache; a read-only job skips them entirely.
func buildRootfs(baseDir string, layerPaths []string, writable bool) (*rootfs, error) {
	if len(layerPaths) == 0 {
		return nil, fmt.Errorf("rootfs: job spec has no layers")
	}

	dir, err := os.MkdirTemp(baseDir, "job-")
	if err != nil {
		return nil, fmt.Errorf("rootfs: creating scratch directory: %w", err)
	}

	mountpoint := filepath.Join(dir, "merged")
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return nil, fmt.Errorf("rootfs: creating mountpoint: %w", err)
	}

	// overlayfs wants lowerdir entries ordered top-first.
	lowers := make([]string, len(layerPaths))
	for i, p := range layerPaths {
		lowers[len(layerPaths)-1-i] = p
	}

	rf := &rootfs{mountpoint: mountpoint, writable: writable}
	opts := "lowerdir=" + strings.Join(lowers, ":")

	if writable {
		rf.upper = filepath.Join(dir, "upper")
		rf.work = filepath.Join(dir, "work")
		if err := os.MkdirAll(rf.upper, 0755); err != nil {
			return nil, fmt.Errorf("rootfs: creating upperdir: %w", err)
		}
		if err := os.MkdirAll(rf.work, 0755); err != nil {
			return nil, fmt.Errorf("rootfs: creating workdir: %w", err)
		}
		opts += ",upperdir=" + rf.upper + ",workdir=" + rf.work
	}

	if err := unix.Mount("overlay", mountpoint, "overlay", 0, opts); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("rootfs: mounting overlay: %w", err)
	}

	return rf, nil
}

// Close unmounts and removes the scratch directory backing rf. Jobs that
// never got far enough to mount leave nothing to clean up.
func (rf *rootfs) Close() error {
	if rf == nil || rf.mountpoint == "" {
		return nil
	}
	if err := unix.Unmount(rf.mountpoint, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("rootfs: unmounting %s: %w", rf.mountpoint, err)
	}
	return os.RemoveAll(filepath.Dir(rf.mountpoint))
}
