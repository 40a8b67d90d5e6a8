package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/x3haloed/realm/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs     = []byte("jobs")
	bucketVolumes  = []byte("volumes")
	bucketReplicas = []byte("replicas")
)

// BoltStore implements Store using an embedded BoltDB file under the
// node's data directory (index.db — distinct from the spec-named
// artifacts/index.json, which pkg/cas owns directly).
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the node's indexed-state database.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "index.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketVolumes, bucketReplicas} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
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

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Jobs

func (s *BoltStore) PutJob(record *types.JobRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put([]byte(record.Spec.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.JobRecord, error) {
	var record types.JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *BoltStore) ListJobs() ([]*types.JobRecord, error) {
	var records []*types.JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var record types.JobRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

// Volumes

func (s *BoltStore) PutVolume(vol *types.Volume) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(vol)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketVolumes).Put([]byte(vol.Name), data)
	})
}

func (s *BoltStore) GetVolume(name string) (*types.Volume, error) {
	var vol types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVolumes).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("volume not found: %s", name)
		}
		return json.Unmarshal(data, &vol)
	})
	if err != nil {
		return nil, err
	}
	return &vol, nil
}

func (s *BoltStore) ListVolumes() ([]*types.Volume, error) {
	var vols []*types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(k, v []byte) error {
			var vol types.Volume
			if err := json.Unmarshal(v, &vol); err != nil {
				return err
			}
			vols = append(vols, &vol)
			return nil
		})
	})
	return vols, err
}

func (s *BoltStore) DeleteVolume(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).Delete([]byte(name))
	})
}

// Replica state

func (s *BoltStore) PutReplicaState(rs *types.ReplicaState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rs)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketReplicas).Put([]byte(rs.ReplicaID), data)
	})
}

func (s *BoltStore) GetReplicaState(replicaID string) (*types.ReplicaState, error) {
	var rs types.ReplicaState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReplicas).Get([]byte(replicaID))
		if data == nil {
			return fmt.Errorf("replica state not found: %s", replicaID)
		}
		return json.Unmarshal(data, &rs)
	})
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

func (s *BoltStore) ListReplicaStates() ([]*types.ReplicaState, error) {
	var states []*types.ReplicaState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReplicas).ForEach(func(k, v []byte) error {
			var rs types.ReplicaState
			if err := json.Unmarshal(v, &rs); err != nil {
				return err
			}
			states = append(states, &rs)
			return nil
		})
	})
	return states, err
}

func (s *BoltStore) DeleteReplicaState(replicaID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReplicas).Delete([]byte(replicaID))
	})
}
