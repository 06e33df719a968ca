package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactRoundtrip(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	rec := &ArtifactRecord{
		Digest:   "abc123",
		Path:     "/var/cache/ab/abc123",
		Bytes:    4096,
		RefCount: 2,
	}
	require.NoError(t, store.PutArtifact(rec))

	got, err := store.GetArtifact("abc123")
	require.NoError(t, err)
	assert.Equal(t, rec.Digest, got.Digest)
	assert.Equal(t, rec.Path, got.Path)
	assert.Equal(t, rec.Bytes, got.Bytes)
}

func TestGetArtifactMissing(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.GetArtifact("nope")
	assert.Error(t, err)
}

func TestListArtifacts(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.PutArtifact(&ArtifactRecord{Digest: "a", Bytes: 1}))
	require.NoError(t, store.PutArtifact(&ArtifactRecord{Digest: "b", Bytes: 2}))

	recs, err := store.ListArtifacts()
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestDeleteArtifact(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.PutArtifact(&ArtifactRecord{Digest: "a", Bytes: 1}))
	require.NoError(t, store.DeleteArtifact("a"))

	_, err = store.GetArtifact("a")
	assert.Error(t, err)
}

func TestCARoundtrip(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	data := []byte("root cert and encrypted key bytes")
	require.NoError(t, store.SaveCA(data))

	got, err := store.GetCA()
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestGetCAMissing(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.GetCA()
	assert.Error(t, err)
}
