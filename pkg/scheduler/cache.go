package scheduler

import "github.com/forgerun/forgerun/pkg/types"

// CacheResult is the tri-state answer to a layer lookup against the
// artifact cache.
type CacheResult int

const (
	// CacheHave means the artifact is already on disk and its refcount
	// has been incremented on the caller's behalf.
	CacheHave CacheResult = iota
	// CachePending means some other job already triggered a fetch for
	// this digest; the caller will be notified via GotArtifact once it
	// lands.
	CachePending
	// CacheNeed means no one has asked for this digest yet; the caller
	// must request it from the owning client via TransferArtifact.
	CacheNeed
)

// Cache is the scheduler's view of the broker's artifact cache
// (implemented by pkg/cache.Cache). It is called synchronously and
// in-process — the cache and the scheduler share a single event loop
// goroutine — unlike Sender, whose sends cross a real connection.
type Cache interface {
	GetArtifact(job types.JobID, digest types.Digest) CacheResult
	GotArtifact(digest types.Digest, path string, bytes int64) []types.JobID
	DecrementRefcount(digest types.Digest)
	ClientDisconnected(id types.ClientID)
	GetArtifactForWorker(digest types.Digest) (path string, ok bool)
}
