package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/forgerun/forgerun/pkg/types"
)

// localArtifacts is the worker's on-disk copy of layer blobs it has
// already pulled from the broker. Unlike the broker's cache
// (pkg/cache), it does no refcounting or eviction: a worker's disk is
// expected to be scratch space sized for its working set, and the
// broker remains the single place layer lifetime is actually governed.
type localArtifacts struct {
	mu   sync.Mutex
	root string
	path map[types.Digest]string
}

func newLocalArtifacts(root string) (*localArtifacts, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating artifact directory %s: %w", root, err)
	}
	return &localArtifacts{root: root, path: make(map[types.Digest]string)}, nil
}

// Lookup returns the local path for digest, if already pulled.
func (a *localArtifacts) Lookup(digest types.Digest) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.path[digest]
	return p, ok
}

// Store writes data under digest's content hash and records its path.
// The write lands via a temp-file-then-rename so a crash mid-write never
// leaves a torn blob at the path a later Lookup would hand out.
func (a *localArtifacts) Store(digest types.Digest, data []byte) (string, error) {
	hex := digest.String()
	dir := filepath.Join(a.root, hex[:2])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating artifact shard directory: %w", err)
	}
	p := filepath.Join(dir, hex)

	tmpPath := p + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("writing artifact %s: %w", digest, err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("renaming artifact %s into place: %w", digest, err)
	}

	a.mu.Lock()
	a.path[digest] = p
	a.mu.Unlock()

	return p, nil
}
