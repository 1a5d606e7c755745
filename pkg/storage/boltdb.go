package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/tiktrue/platform/pkg/types"
)

var (
	// Bucket names
	bucketNetworks         = []byte("networks")
	bucketJoinedNetworks   = []byte("joined_networks")
	bucketWorkers          = []byte("workers")
	bucketBlockAssignments = []byte("block_assignments")
	bucketBackupWorkers    = []byte("backup_workers")
	bucketConfigItems      = []byte("config_items")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "tiktrue.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNetworks,
			bucketJoinedNetworks,
			bucketWorkers,
			bucketBlockAssignments,
			bucketBackupWorkers,
			bucketConfigItems,
		}

		for _, bucket := range buckets {
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

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Network operations
func (s *BoltStore) CreateNetwork(network *types.NetworkInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		data, err := json.Marshal(network)
		if err != nil {
			return err
		}
		return b.Put([]byte(network.NetworkID), data)
	})
}

func (s *BoltStore) GetNetwork(id string) (*types.NetworkInfo, error) {
	var network types.NetworkInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("network not found: %s", id)
		}
		return json.Unmarshal(data, &network)
	})
	if err != nil {
		return nil, err
	}
	return &network, nil
}

func (s *BoltStore) ListNetworks() ([]*types.NetworkInfo, error) {
	var networks []*types.NetworkInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		return b.ForEach(func(k, v []byte) error {
			var network types.NetworkInfo
			if err := json.Unmarshal(v, &network); err != nil {
				return err
			}
			networks = append(networks, &network)
			return nil
		})
	})
	return networks, err
}

func (s *BoltStore) UpdateNetwork(network *types.NetworkInfo) error {
	return s.CreateNetwork(network) // Same as create (upsert)
}

func (s *BoltStore) DeleteNetwork(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		return b.Delete([]byte(id))
	})
}

// Joined network operations
func (s *BoltStore) SaveJoinedNetwork(config *types.NetworkConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJoinedNetworks)
		data, err := json.Marshal(config)
		if err != nil {
			return err
		}
		return b.Put([]byte(config.NetworkID), data)
	})
}

func (s *BoltStore) GetJoinedNetwork(id string) (*types.NetworkConfig, error) {
	var config types.NetworkConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJoinedNetworks)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("joined network not found: %s", id)
		}
		return json.Unmarshal(data, &config)
	})
	if err != nil {
		return nil, err
	}
	return &config, nil
}

func (s *BoltStore) ListJoinedNetworks() ([]*types.NetworkConfig, error) {
	var configs []*types.NetworkConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJoinedNetworks)
		return b.ForEach(func(k, v []byte) error {
			var config types.NetworkConfig
			if err := json.Unmarshal(v, &config); err != nil {
				return err
			}
			configs = append(configs, &config)
			return nil
		})
	})
	return configs, err
}

func (s *BoltStore) DeleteJoinedNetwork(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJoinedNetworks)
		return b.Delete([]byte(id))
	})
}

// Worker operations
func (s *BoltStore) SaveWorker(worker *types.WorkerInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data, err := json.Marshal(worker)
		if err != nil {
			return err
		}
		return b.Put([]byte(worker.NodeID), data)
	})
}

func (s *BoltStore) GetWorker(nodeID string) (*types.WorkerInfo, error) {
	var worker types.WorkerInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(nodeID))
		if data == nil {
			return fmt.Errorf("worker not found: %s", nodeID)
		}
		return json.Unmarshal(data, &worker)
	})
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

func (s *BoltStore) ListWorkers() ([]*types.WorkerInfo, error) {
	var workers []*types.WorkerInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var worker types.WorkerInfo
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			workers = append(workers, &worker)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) ListWorkersByNetwork(networkID string) ([]*types.WorkerInfo, error) {
	workers, err := s.ListWorkers()
	if err != nil {
		return nil, err
	}

	var filtered []*types.WorkerInfo
	for _, worker := range workers {
		if worker.NetworkID == networkID {
			filtered = append(filtered, worker)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteWorker(nodeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.Delete([]byte(nodeID))
	})
}

// Block assignment operations
func (s *BoltStore) SaveBlockAssignment(a *types.BlockAssignment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlockAssignments)
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put([]byte(a.BlockID), data)
	})
}

func (s *BoltStore) GetBlockAssignment(blockID string) (*types.BlockAssignment, error) {
	var assignment types.BlockAssignment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlockAssignments)
		data := b.Get([]byte(blockID))
		if data == nil {
			return fmt.Errorf("block assignment not found: %s", blockID)
		}
		return json.Unmarshal(data, &assignment)
	})
	if err != nil {
		return nil, err
	}
	return &assignment, nil
}

func (s *BoltStore) ListBlockAssignments(networkID string) ([]*types.BlockAssignment, error) {
	var assignments []*types.BlockAssignment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlockAssignments)
		return b.ForEach(func(k, v []byte) error {
			var a types.BlockAssignment
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if networkID == "" || a.NetworkID == networkID {
				assignments = append(assignments, &a)
			}
			return nil
		})
	})
	return assignments, err
}

func (s *BoltStore) ListBlockAssignmentsByWorker(networkID, workerID string) ([]*types.BlockAssignment, error) {
	assignments, err := s.ListBlockAssignments(networkID)
	if err != nil {
		return nil, err
	}

	var filtered []*types.BlockAssignment
	for _, a := range assignments {
		if a.WorkerID == workerID {
			filtered = append(filtered, a)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteBlockAssignment(blockID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlockAssignments)
		return b.Delete([]byte(blockID))
	})
}

// Backup worker operations
func (s *BoltStore) SaveBackupWorker(bw *types.BackupWorker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackupWorkers)
		data, err := json.Marshal(bw)
		if err != nil {
			return err
		}
		return b.Put([]byte(bw.NodeID), data)
	})
}

func (s *BoltStore) ListBackupWorkers(networkID string) ([]*types.BackupWorker, error) {
	var backups []*types.BackupWorker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackupWorkers)
		return b.ForEach(func(k, v []byte) error {
			var bw types.BackupWorker
			if err := json.Unmarshal(v, &bw); err != nil {
				return err
			}
			if networkID == "" || bw.NetworkID == networkID {
				backups = append(backups, &bw)
			}
			return nil
		})
	})
	return backups, err
}

func (s *BoltStore) DeleteBackupWorker(nodeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackupWorkers)
		return b.Delete([]byte(nodeID))
	})
}

// Config item operations. Values are opaque JSON documents owned by the
// config-sync layer.
func (s *BoltStore) SaveConfigItem(key string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigItems)
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) GetConfigItem(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigItems)
		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("config item not found: %s", key)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *BoltStore) ListConfigItems() (map[string][]byte, error) {
	items := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigItems)
		return b.ForEach(func(k, v []byte) error {
			items[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return items, err
}

func (s *BoltStore) DeleteConfigItem(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigItems)
		return b.Delete([]byte(key))
	})
}
