package storage

import (
	"fmt"
	"path/filepath"

	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/orbit/pkg/types"
)

var (
	bucketHashes = []byte("hashes")
	bucketRuns   = []byte("runs")
)

// BoltStore implements Store using a local bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database under
// dataDir and ensures its buckets exist.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "orbit.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketHashes, bucketRuns} {
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

// hashRecord is the on-disk shape for a graph's node hash cache; map
// keys are node ids, values are hex-free raw 32-byte hashes encoded as
// a JSON array of numbers (NodeHash has no custom (Un)MarshalJSON, so
// this falls out of encoding [32]byte as-is).
type hashRecord struct {
	Hashes map[types.NodeID]types.NodeHash `json:"hashes"`
}

func (s *BoltStore) SaveHashes(graphID string, hashes map[types.NodeID]types.NodeHash) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHashes)
		data, err := json.Marshal(hashRecord{Hashes: hashes})
		if err != nil {
			return err
		}
		return b.Put([]byte(graphID), data)
	})
}

func (s *BoltStore) LoadHashes(graphID string) (map[types.NodeID]types.NodeHash, error) {
	var rec hashRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHashes)
		data := b.Get([]byte(graphID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return rec.Hashes, nil
}

func (s *BoltStore) SaveRun(run *types.RunStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put([]byte(run.RunID), data)
	})
}

func (s *BoltStore) GetRun(runID string) (*types.RunStatus, error) {
	var run types.RunStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get([]byte(runID))
		if data == nil {
			return fmt.Errorf("run not found: %s", runID)
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *BoltStore) ListRuns() ([]*types.RunStatus, error) {
	var runs []*types.RunStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.ForEach(func(k, v []byte) error {
			var run types.RunStatus
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, &run)
			return nil
		})
	})
	return runs, err
}

func (s *BoltStore) DeleteRun(runID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.Delete([]byte(runID))
	})
}
