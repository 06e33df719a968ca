package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"

	"github.com/forgerun/forgerun/pkg/log"
	"github.com/forgerun/forgerun/pkg/metrics"
	"github.com/forgerun/forgerun/pkg/scheduler"
	"github.com/forgerun/forgerun/pkg/storage"
	"github.com/forgerun/forgerun/pkg/types"
)

// entry is the cache's in-memory record for one digest. Unlike
// storage.ArtifactRecord, which exists purely for crash recovery, entry
// is the live source of truth while the broker is running.
type entry struct {
	path     string
	bytes    int64
	refcount int
}

// Cache is the broker's artifact cache. It implements scheduler.Cache
// and is called synchronously from the scheduler's event loop, so its
// own locking exists only to guard root/Close against the cache's
// background nothing — in practice every call arrives from the single
// scheduler goroutine, but the mutex keeps the type safe to reuse from
// a second caller (the worker-facing byte-serving path) without
// reasoning about the event loop's threading guarantee.
type Cache struct {
	mu sync.Mutex

	root      string
	byteLimit int64

	store  storage.Store
	logger zerolog.Logger

	entries map[types.Digest]*entry
	waiters map[types.Digest][]types.JobID
	// zero holds the LRU order of refcount-0 entries; entries with a
	// positive refcount are absent from it.
	zero *lru.LRU[types.Digest, struct{}]

	usedBytes int64
}

// New creates a Cache rooted at dir, persisting its sidecar index to
// store and evicting refcount-0 entries once usedBytes exceeds
// byteLimit.
func New(dir string, byteLimit int64, store storage.Store) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
	}

	c := &Cache{
		root:      dir,
		byteLimit: byteLimit,
		store:     store,
		logger:    log.WithComponent("cache"),
		entries:   make(map[types.Digest]*entry),
		waiters:   make(map[types.Digest][]types.JobID),
	}

	// zero tracks recency order only; Cache evicts by byte budget in
	// evictLocked, not by simplelru's own capacity, so it is sized large
	// enough that Add never triggers an internal eviction of its own.
	zero, err := lru.NewLRU[types.Digest, struct{}](1<<30, nil)
	if err != nil {
		return nil, err
	}
	c.zero = zero

	if err := c.recover(); err != nil {
		return nil, fmt.Errorf("recovering cache index: %w", err)
	}

	return c, nil
}

func (c *Cache) recover() error {
	records, err := c.store.ListArtifacts()
	if err != nil {
		return err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].LastReleased < records[j].LastReleased
	})
	for _, rec := range records {
		if _, err := os.Stat(rec.Path); err != nil {
			// The sidecar record outlived the blob (broker killed mid-write);
			// drop it rather than serve a digest with no bytes behind it.
			_ = c.store.DeleteArtifact(rec.Digest)
			continue
		}
		digest, err := types.ParseDigest(rec.Digest)
		if err != nil {
			continue
		}
		c.entries[digest] = &entry{path: rec.Path, bytes: rec.Bytes}
		c.zero.Add(digest, struct{}{})
		c.usedBytes += rec.Bytes
	}
	metrics.CacheEntriesTotal.Set(float64(len(c.entries)))
	metrics.CacheBytesTotal.Set(float64(c.usedBytes))
	return nil
}

func (c *Cache) pathFor(digest types.Digest) string {
	hex := digest.String()
	return filepath.Join(c.root, hex[:2], hex)
}

// GetArtifact implements scheduler.Cache.
func (c *Cache) GetArtifact(job types.JobID, digest types.Digest) scheduler.CacheResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[digest]; ok {
		if e.refcount == 0 {
			c.zero.Remove(digest)
		}
		e.refcount++
		metrics.CacheHitsTotal.Inc()
		return scheduler.CacheHave
	}

	if _, pending := c.waiters[digest]; pending {
		c.waiters[digest] = append(c.waiters[digest], job)
		return scheduler.CachePending
	}

	c.waiters[digest] = []types.JobID{job}
	metrics.CacheMissesTotal.Inc()
	return scheduler.CacheNeed
}

// GotArtifact implements scheduler.Cache: a fetch triggered by a prior
// Need has landed at path. It returns the jobs waiting on digest so the
// scheduler can move them from missing to acquired.
func (c *Cache) GotArtifact(digest types.Digest, path string, bytes int64) []types.JobID {
	c.mu.Lock()
	defer c.mu.Unlock()

	waiters := c.waiters[digest]
	delete(c.waiters, digest)

	c.entries[digest] = &entry{path: path, bytes: bytes, refcount: len(waiters)}
	c.usedBytes += bytes
	if len(waiters) == 0 {
		c.zero.Add(digest, struct{}{})
	}

	if err := c.store.PutArtifact(&storage.ArtifactRecord{
		Digest: digest.String(),
		Path:   path,
		Bytes:  bytes,
	}); err != nil {
		c.logger.Warn().Err(err).Str("digest", digest.String()).Msg("failed to persist artifact record")
	}

	metrics.CacheEntriesTotal.Set(float64(len(c.entries)))
	metrics.CacheBytesTotal.Set(float64(c.usedBytes))

	c.evictLocked()

	return waiters
}

// DecrementRefcount implements scheduler.Cache. Once an entry's
// refcount reaches zero it becomes eligible for eviction, ordered
// least-recently-released first.
func (c *Cache) DecrementRefcount(digest types.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[digest]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount < 0 {
		panic(fmt.Sprintf("cache: refcount underflow for digest %s", digest))
	}
	if e.refcount == 0 {
		c.zero.Add(digest, struct{}{})
		if err := c.store.PutArtifact(&storage.ArtifactRecord{
			Digest:       digest.String(),
			Path:         e.path,
			Bytes:        e.bytes,
			LastReleased: time.Now().UnixNano(),
		}); err != nil {
			c.logger.Warn().Err(err).Str("digest", digest.String()).Msg("failed to persist artifact record")
		}
		c.evictLocked()
	}
}

// ClientDisconnected implements scheduler.Cache. The scheduler is
// responsible for decrementing refcounts for every layer the
// disconnecting client's jobs had acquired; this hook drops the client's
// jobs from every pending digest's waiter list, and forgets a digest no
// job waits on any more, so a later GotArtifact never returns them.
func (c *Cache) ClientDisconnected(id types.ClientID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for digest, jobs := range c.waiters {
		kept := jobs[:0]
		for _, j := range jobs {
			if j.Client != id {
				kept = append(kept, j)
			}
		}
		c.waiters[digest] = kept
		if len(kept) == 0 {
			delete(c.waiters, digest)
		}
	}
}

// GetArtifactForWorker implements scheduler.Cache: resolve the on-disk
// path of an already-cached digest for a worker's FetchArtifact.
func (c *Cache) GetArtifactForWorker(digest types.Digest) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[digest]
	if !ok {
		return "", false
	}
	return e.path, true
}

// Store writes a freshly uploaded artifact's bytes to the cache root
// and returns the path it was written to, for the caller to pass to
// GotArtifact. The write lands at its final path via a temp-file-then-
// rename so a crash or error mid-write never leaves a torn blob at a
// path a later GetArtifactForWorker could hand out as complete.
func (c *Cache) Store(digest types.Digest, data []byte) (string, error) {
	path := c.pathFor(digest)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating cache shard directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("writing artifact %s: %w", digest, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("renaming artifact %s into place: %w", digest, err)
	}
	return path, nil
}

// evictLocked removes refcount-0 entries, oldest-released first, until
// usedBytes is back under byteLimit. Called with c.mu held.
func (c *Cache) evictLocked() {
	for c.byteLimit > 0 && c.usedBytes > c.byteLimit {
		digest, _, ok := c.zero.RemoveOldest()
		if !ok {
			c.logger.Warn().Int64("used_bytes", c.usedBytes).Int64("byte_limit", c.byteLimit).
				Msg("cache exceeds its byte limit with no refcount-0 entry left to evict")
			return
		}
		e := c.entries[digest]
		delete(c.entries, digest)
		c.usedBytes -= e.bytes

		if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn().Err(err).Str("digest", digest.String()).Msg("failed to remove evicted artifact from disk")
		}
		if err := c.store.DeleteArtifact(digest.String()); err != nil {
			c.logger.Warn().Err(err).Str("digest", digest.String()).Msg("failed to remove evicted artifact record")
		}

		metrics.CacheEvictionsTotal.Inc()
		metrics.CacheEntriesTotal.Set(float64(len(c.entries)))
		metrics.CacheBytesTotal.Set(float64(c.usedBytes))
	}
}

// TotalBytes reports the cache's current on-disk footprint.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBytes
}
