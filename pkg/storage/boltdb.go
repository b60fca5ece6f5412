package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketIndexes    = []byte("committed_indexes")
	bucketMtimeCache = []byte("mtime_caches")
)

// BoltCheckpoints implements Checkpoints using BoltDB
type BoltCheckpoints struct {
	db *bolt.DB
}

// NewBoltCheckpoints creates a new BoltDB-backed checkpoint store
func NewBoltCheckpoints(dataDir string) (*BoltCheckpoints, error) {
	dbPath := filepath.Join(dataDir, "tidemark-agent.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketIndexes, bucketMtimeCache} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltCheckpoints{db: db}, nil
}

// SaveCommittedIndex persists the last committed event index for a pipeline
func (s *BoltCheckpoints) SaveCommittedIndex(pipelineID string, index int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(index))
		return tx.Bucket(bucketIndexes).Put([]byte(pipelineID), buf)
	})
}

// GetCommittedIndex returns the last committed event index for a pipeline,
// or 0 if none was recorded
func (s *BoltCheckpoints) GetCommittedIndex(pipelineID string) (int64, error) {
	var index int64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIndexes).Get([]byte(pipelineID))
		if data == nil {
			return nil
		}
		if len(data) != 8 {
			return fmt.Errorf("corrupt index entry for pipeline %s", pipelineID)
		}
		index = int64(binary.BigEndian.Uint64(data))
		return nil
	})
	return index, err
}

// SaveMtimeCache persists the audit mtime cache for a pipeline
func (s *BoltCheckpoints) SaveMtimeCache(pipelineID string, cache map[string]float64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cache)
		if err != nil {
			return fmt.Errorf("failed to marshal mtime cache: %w", err)
		}
		return tx.Bucket(bucketMtimeCache).Put([]byte(pipelineID), data)
	})
}

// GetMtimeCache returns the audit mtime cache for a pipeline. A missing
// entry returns an empty, non-nil map
func (s *BoltCheckpoints) GetMtimeCache(pipelineID string) (map[string]float64, error) {
	cache := make(map[string]float64)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMtimeCache).Get([]byte(pipelineID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &cache)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load mtime cache: %w", err)
	}
	return cache, nil
}

// DeletePipeline removes all checkpoint state for a pipeline
func (s *BoltCheckpoints) DeletePipeline(pipelineID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketIndexes).Delete([]byte(pipelineID)); err != nil {
			return err
		}
		return tx.Bucket(bucketMtimeCache).Delete([]byte(pipelineID))
	})
}

// Close closes the underlying database
func (s *BoltCheckpoints) Close() error {
	return s.db.Close()
}
