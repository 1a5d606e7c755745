package storage

import (
	"github.com/tiktrue/platform/pkg/types"
)

// Store defines the interface for control-plane state storage
// This is implemented by BoltDB-backed storage
type Store interface {
	// Managed networks (this node is admin)
	CreateNetwork(network *types.NetworkInfo) error
	GetNetwork(id string) (*types.NetworkInfo, error)
	ListNetworks() ([]*types.NetworkInfo, error)
	UpdateNetwork(network *types.NetworkInfo) error
	DeleteNetwork(id string) error

	// Joined networks (this node is a client/worker)
	SaveJoinedNetwork(config *types.NetworkConfig) error
	GetJoinedNetwork(id string) (*types.NetworkConfig, error)
	ListJoinedNetworks() ([]*types.NetworkConfig, error)
	DeleteJoinedNetwork(id string) error

	// Workers
	SaveWorker(worker *types.WorkerInfo) error
	GetWorker(nodeID string) (*types.WorkerInfo, error)
	ListWorkers() ([]*types.WorkerInfo, error)
	ListWorkersByNetwork(networkID string) ([]*types.WorkerInfo, error)
	DeleteWorker(nodeID string) error

	// Block assignments
	SaveBlockAssignment(a *types.BlockAssignment) error
	GetBlockAssignment(blockID string) (*types.BlockAssignment, error)
	ListBlockAssignments(networkID string) ([]*types.BlockAssignment, error)
	ListBlockAssignmentsByWorker(networkID, workerID string) ([]*types.BlockAssignment, error)
	DeleteBlockAssignment(blockID string) error

	// Backup workers
	SaveBackupWorker(b *types.BackupWorker) error
	ListBackupWorkers(networkID string) ([]*types.BackupWorker, error)
	DeleteBackupWorker(nodeID string) error

	// Config items (raw JSON documents keyed by config key)
	SaveConfigItem(key string, data []byte) error
	GetConfigItem(key string) ([]byte, error)
	ListConfigItems() (map[string][]byte, error)
	DeleteConfigItem(key string) error

	// Utility
	Close() error
}
