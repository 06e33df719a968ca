package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketArtifacts = []byte("artifacts")
	bucketCA        = []byte("ca")
)

// BoltStore implements Store using a bbolt file as the cache sidecar
// database. It is opened once per broker process and lives alongside
// the artifact cache directory on disk.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the sidecar database under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cache.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketArtifacts, bucketCA} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutArtifact upserts an artifact's bookkeeping record.
func (s *BoltStore) PutArtifact(rec *ArtifactRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Digest), data)
	})
}

// GetArtifact retrieves an artifact's bookkeeping record by digest.
func (s *BoltStore) GetArtifact(digest string) (*ArtifactRecord, error) {
	var rec ArtifactRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		data := b.Get([]byte(digest))
		if data == nil {
			return fmt.Errorf("artifact not found: %s", digest)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListArtifacts returns every bookkeeping record, used to rebuild the
// in-memory cache index and eviction order on broker startup.
func (s *BoltStore) ListArtifacts() ([]*ArtifactRecord, error) {
	var recs []*ArtifactRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		return b.ForEach(func(k, v []byte) error {
			var rec ArtifactRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// DeleteArtifact removes a bookkeeping record, called after the cache
// evicts the corresponding file from disk.
func (s *BoltStore) DeleteArtifact(digest string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		return b.Delete([]byte(digest))
	})
}

// SaveCA persists the encrypted CA bundle (root cert + encrypted root
// key, see pkg/security.CAData).
func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		return b.Put([]byte("ca"), data)
	})
}

// GetCA retrieves the encrypted CA bundle saved by SaveCA.
func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		v := b.Get([]byte("ca"))
		if v == nil {
			return fmt.Errorf("CA not found")
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, err
}
