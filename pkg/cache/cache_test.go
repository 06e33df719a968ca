package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/forgerun/forgerun/pkg/scheduler"
	"github.com/forgerun/forgerun/pkg/storage"
	"github.com/forgerun/forgerun/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, byteLimit int64) (*Cache, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c, err := New(t.TempDir(), byteLimit, store)
	require.NoError(t, err)
	return c, store
}

func digest(n byte) types.Digest {
	var d types.Digest
	d[0] = n
	return d
}

func TestGetArtifactNeedThenPending(t *testing.T) {
	c, _ := newTestCache(t, 0)
	d := digest(1)

	job1 := types.JobID{Client: 1, Job: 1}
	job2 := types.JobID{Client: 1, Job: 2}

	assert.Equal(t, scheduler.CacheNeed, c.GetArtifact(job1, d))
	assert.Equal(t, scheduler.CachePending, c.GetArtifact(job2, d))
}

func TestGotArtifactNotifiesWaiters(t *testing.T) {
	c, _ := newTestCache(t, 0)
	d := digest(1)

	job1 := types.JobID{Client: 1, Job: 1}
	job2 := types.JobID{Client: 1, Job: 2}
	c.GetArtifact(job1, d)
	c.GetArtifact(job2, d)

	path, err := c.Store(d, []byte("layer bytes"))
	require.NoError(t, err)

	waiters := c.GotArtifact(d, path, 11)
	assert.ElementsMatch(t, []types.JobID{job1, job2}, waiters)

	// Subsequent lookups are now a Have and increment refcount further.
	assert.Equal(t, scheduler.CacheHave, c.GetArtifact(types.JobID{Client: 2, Job: 1}, d))
}

func TestGetArtifactForWorker(t *testing.T) {
	c, _ := newTestCache(t, 0)
	d := digest(1)

	_, ok := c.GetArtifactForWorker(d)
	assert.False(t, ok)

	path, err := c.Store(d, []byte("bytes"))
	require.NoError(t, err)
	c.GotArtifact(d, path, 5)

	got, ok := c.GetArtifactForWorker(d)
	assert.True(t, ok)
	assert.Equal(t, path, got)
}

func TestDecrementRefcountToZeroMakesEvictionEligible(t *testing.T) {
	c, _ := newTestCache(t, 1) // byte budget tiny: any landed artifact triggers eviction once refcount 0
	d1 := digest(1)
	d2 := digest(2)

	job1 := types.JobID{Client: 1, Job: 1}
	c.GetArtifact(job1, d1)
	path1, err := c.Store(d1, []byte("x"))
	require.NoError(t, err)
	c.GotArtifact(d1, path1, 100)

	// refcount is 1 (from job1's GetArtifact, folded into the entry's
	// initial refcount by GotArtifact); dropping it to 0 puts d1 over
	// budget immediately and evicts it on the spot.
	c.DecrementRefcount(d1)

	job2 := types.JobID{Client: 2, Job: 1}
	c.GetArtifact(job2, d2)
	path2, err := c.Store(d2, []byte("y"))
	require.NoError(t, err)
	c.GotArtifact(d2, path2, 100)

	_, ok := c.GetArtifactForWorker(d1)
	assert.False(t, ok, "d1 should have been evicted to stay under the byte budget")

	_, err = os.Stat(path1)
	assert.True(t, os.IsNotExist(err), "evicted artifact's file should be removed from disk")
}

func TestRecoverRebuildsIndexFromStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache-root")
	storeDir := t.TempDir()
	store, err := storage.NewBoltStore(storeDir)
	require.NoError(t, err)

	c, err := New(dir, 0, store)
	require.NoError(t, err)

	d := digest(5)
	path, err := c.Store(d, []byte("persisted"))
	require.NoError(t, err)
	c.GotArtifact(d, path, 9)
	require.NoError(t, store.Close())

	store2, err := storage.NewBoltStore(storeDir)
	require.NoError(t, err)
	defer store2.Close()

	c2, err := New(dir, 0, store2)
	require.NoError(t, err)

	got, ok := c2.GetArtifactForWorker(d)
	assert.True(t, ok)
	assert.Equal(t, path, got)
}

func TestDecrementRefcountUnderflowPanics(t *testing.T) {
	c, _ := newTestCache(t, 0)
	d := digest(1)
	path, err := c.Store(d, []byte("x"))
	require.NoError(t, err)
	c.GotArtifact(d, path, 1) // lands with refcount 0 (no waiters)

	assert.Panics(t, func() {
		c.DecrementRefcount(d)
	})
}
