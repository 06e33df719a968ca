/*
Package storage provides bbolt-backed sidecar persistence for the
broker's artifact cache and certificate authority.

Job and scheduler state is never persisted here — it lives entirely in
the scheduler's in-memory event loop and is rebuilt from client
resubmission and worker reconnection after a restart. This package
only persists what cannot be cheaply reconstructed: which artifact
blobs are already on disk (so a restarted broker doesn't have to
re-fetch every layer from a worker) and the broker's certificate
authority material.

# Buckets

  - artifacts: digest (hex) → ArtifactRecord (path, size, refcount,
    last-released timestamp)
  - ca: fixed key "ca" → CAData (root cert + encrypted root key)

# Usage

	store, err := storage.NewBoltStore("/var/lib/forgerun/broker")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	records, err := store.ListArtifacts() // rebuild cache index on startup

	err = store.PutArtifact(&storage.ArtifactRecord{
		Digest: digest.String(),
		Path:   path,
		Bytes:  size,
	})

# Transaction model

Reads use db.View (concurrent, MVCC snapshot); writes use db.Update
(serialized, fsync'd on commit). The cache's in-memory refcount is
authoritative while the broker is running; PutArtifact/DeleteArtifact
calls only need to keep the sidecar consistent enough to recover from,
not to mirror every refcount change synchronously.
*/
package storage
