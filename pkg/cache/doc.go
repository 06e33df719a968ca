/*
Package cache implements the broker's content-addressed artifact cache.

Each job's JobSpec names a set of layer digests it needs mounted as its
root filesystem. The cache tracks, per digest, how many in-flight jobs
currently hold a reference to it; a digest is only eligible for
eviction once its refcount drops to zero. Bytes already on disk are
recorded in pkg/storage so a restarted broker can rebuild its index
without re-fetching every layer from a client.

# Lookup tri-state

GetArtifact answers one of three ways, matching scheduler.CacheResult:

  - Have: the digest is on disk; its refcount is incremented before
    returning.
  - Pending: another job already triggered a fetch for this digest;
    the caller is queued to be notified via the slice GotArtifact
    returns once the fetch lands.
  - Need: no one has asked for this digest before; the caller (the
    scheduler) is responsible for requesting it from the owning
    client.

# Eviction

Zero-refcount entries are tracked in an LRU (hashicorp/golang-lru's
simplelru, used without its built-in capacity eviction so the cache
can instead evict by byte budget rather than entry count) and evicted
oldest-first once the cache's configured byte budget is exceeded by a
newly landed artifact. An entry with a positive refcount is never
evicted even if it is the oldest.
*/
package cache
