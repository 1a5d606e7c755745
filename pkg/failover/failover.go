// Package failover reacts to worker and network failures: activating
// standby backups, stepping down the graceful-degradation ladder and
// redistributing encrypted model blocks across surviving workers.
package failover

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tiktrue/platform/pkg/errdefs"
	"github.com/tiktrue/platform/pkg/events"
	"github.com/tiktrue/platform/pkg/health"
	"github.com/tiktrue/platform/pkg/license"
	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/metrics"
	"github.com/tiktrue/platform/pkg/storage"
	"github.com/tiktrue/platform/pkg/types"
)

// Strategy selects how a failover is executed
type Strategy string

const (
	StrategyImmediate   Strategy = "immediate"
	StrategyGraceful    Strategy = "graceful"
	StrategyLoadBalance Strategy = "load_balance"
	StrategyHybrid      Strategy = "hybrid"
)

// Config holds the failover policy knobs
type Config struct {
	FailoverTimeout        time.Duration
	MaxConcurrentFailovers int
	Strategy               Strategy
}

// DefaultConfig returns the standard policy
func DefaultConfig() Config {
	return Config{
		FailoverTimeout:        60 * time.Second,
		MaxConcurrentFailovers: 3,
		Strategy:               StrategyHybrid,
	}
}

// TransferExecutor moves blocks between workers. It is the fallible
// transport primitive below the failover logic.
type TransferExecutor interface {
	Transfer(ctx context.Context, networkID, sourceID, targetID string, blockIDs []string) error
}

// Runner restarts a failed network's serving loop
type Runner interface {
	RestartNetwork(networkID string) error
}

// Record documents one failover from trigger to completion
type Record struct {
	FailoverID  string    `json:"failover_id"`
	NetworkID   string    `json:"network_id"`
	WorkerID    string    `json:"worker_id"`
	BackupID    string    `json:"backup_id,omitempty"`
	Strategy    Strategy  `json:"strategy"`
	Succeeded   bool      `json:"succeeded"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Manager coordinates failovers for the networks this node administers
type Manager struct {
	cfg      Config
	enforcer *license.Enforcer
	store    storage.Store
	executor TransferExecutor
	runner   Runner
	monitor  *health.Monitor
	broker   *events.Broker
	logger   zerolog.Logger

	mu              sync.Mutex
	active          map[string]*Record // keyed by worker id
	history         []Record
	redistributions []RedistributionResult

	degradation        DegradationLevel
	degradationHistory []DegradationTransition
}

// NewManager wires the failover manager. executor and runner may be nil
// in tests; monitor and broker receive notifications when present.
func NewManager(cfg Config, enforcer *license.Enforcer, store storage.Store, executor TransferExecutor, runner Runner, monitor *health.Monitor, broker *events.Broker) *Manager {
	return &Manager{
		cfg:      cfg,
		enforcer: enforcer,
		store:    store,
		executor: executor,
		runner:   runner,
		monitor:  monitor,
		broker:   broker,
		logger:   log.WithComponent("failover"),
		active:   make(map[string]*Record),
	}
}

// RegisterBackup adds a standby worker to the catalog
func (m *Manager) RegisterBackup(backup *types.BackupWorker) error {
	if backup.Status == "" {
		backup.Status = types.BackupStatusStandby
	}
	if backup.RegisteredAt.IsZero() {
		backup.RegisteredAt = time.Now().UTC()
	}
	return m.store.SaveBackupWorker(backup)
}

// HandleWorkerFailure is the health-monitor callback target for a
// worker gone critical. It activates the best standby backup; when no
// backup can take over, the node degrades to reduced capacity.
func (m *Manager) HandleWorkerFailure(workerID, networkID string) error {
	m.mu.Lock()
	if len(m.active) >= m.cfg.MaxConcurrentFailovers {
		m.mu.Unlock()
		m.logger.Warn().
			Str("worker_id", workerID).
			Int("active", m.cfg.MaxConcurrentFailovers).
			Msg("Failover limit reached, dropping request")
		metrics.FailoversTotal.WithLabelValues("dropped").Inc()
		return errdefs.Wrapf(errdefs.ErrResource, "max concurrent failovers reached")
	}
	if _, running := m.active[workerID]; running {
		m.mu.Unlock()
		return nil
	}

	record := &Record{
		FailoverID: uuid.New().String(),
		NetworkID:  networkID,
		WorkerID:   workerID,
		Strategy:   m.cfg.Strategy,
		StartedAt:  time.Now().UTC(),
	}
	m.active[workerID] = record
	m.mu.Unlock()

	timer := metrics.NewTimer()
	err := m.runFailover(record)
	timer.ObserveDuration(metrics.FailoverDuration)

	m.mu.Lock()
	delete(m.active, workerID)
	record.CompletedAt = time.Now().UTC()
	record.Succeeded = err == nil
	if err != nil {
		record.Error = err.Error()
	}
	m.history = append(m.history, *record)
	m.mu.Unlock()

	if err != nil {
		metrics.FailoversTotal.WithLabelValues("failed").Inc()
		m.GracefulDegradation(DegradationReducedCapacity,
			fmt.Sprintf("failover for worker %s failed: %v", workerID, err))
		return err
	}

	metrics.FailoversTotal.WithLabelValues("succeeded").Inc()
	return nil
}

func (m *Manager) runFailover(record *Record) error {
	// Backup workers are a PRO feature.
	if err := m.enforcer.RequireTier(types.TierPro); err != nil {
		return fmt.Errorf("backup workers not licensed: %w", err)
	}

	backup, err := m.pickBackup(record.NetworkID)
	if err != nil {
		return err
	}
	record.BackupID = backup.NodeID

	// Mark the backup starting, hand it the failed worker's blocks and
	// promote it once the transfer plan executes.
	backup.Status = types.BackupStatusStarting
	backup.ForWorkerID = record.WorkerID
	if err := m.store.SaveBackupWorker(backup); err != nil {
		return fmt.Errorf("failed to persist backup state: %w", err)
	}

	result, err := m.RedistributeBlocks(record.WorkerID, record.NetworkID)
	if err != nil {
		backup.Status = types.BackupStatusFailed
		m.store.SaveBackupWorker(backup)
		return err
	}

	backup.Status = types.BackupStatusActive
	backup.ActivatedAt = time.Now().UTC()
	if err := m.store.SaveBackupWorker(backup); err != nil {
		return fmt.Errorf("failed to persist backup activation: %w", err)
	}

	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:      events.EventBackupActivated,
			NetworkID: record.NetworkID,
			NodeID:    backup.NodeID,
			Message:   fmt.Sprintf("backup %s activated for failed worker %s", backup.NodeID, record.WorkerID),
			Metadata: map[string]string{
				"blocks_moved": fmt.Sprintf("%d", result.BlocksMoved),
			},
		})
	}

	m.logger.Info().
		Str("worker_id", record.WorkerID).
		Str("backup_id", backup.NodeID).
		Int("blocks_moved", result.BlocksMoved).
		Msg("Failover completed")
	return nil
}

// pickBackup returns the highest-priority standby backup for a network
// (lowest priority number wins; ties broken by node id, the order the
// store lists backups in).
func (m *Manager) pickBackup(networkID string) (*types.BackupWorker, error) {
	backups, err := m.store.ListBackupWorkers(networkID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var standby []*types.BackupWorker
	for _, b := range backups {
		if b.Status == types.BackupStatusStandby {
			standby = append(standby, b)
		}
	}
	if len(standby) == 0 {
		return nil, errdefs.Wrapf(errdefs.ErrResource, "no standby backup for network %s", networkID)
	}

	sort.SliceStable(standby, func(i, j int) bool {
		return standby[i].Priority < standby[j].Priority
	})
	return standby[0], nil
}

// HandleNetworkFailure attempts a restart via the runner; a failed
// restart degrades the node to reduced capacity.
func (m *Manager) HandleNetworkFailure(networkID string) error {
	if m.runner == nil {
		m.GracefulDegradation(DegradationReducedCapacity,
			fmt.Sprintf("network %s failed and no runner is available", networkID))
		return fmt.Errorf("no runner available to restart network %s", networkID)
	}

	if err := m.runner.RestartNetwork(networkID); err != nil {
		m.GracefulDegradation(DegradationReducedCapacity,
			fmt.Sprintf("restart of network %s failed: %v", networkID, err))
		return fmt.Errorf("failed to restart network %s: %w", networkID, err)
	}

	m.logger.Info().Str("network_id", networkID).Msg("Network restarted")
	return nil
}

// ActiveFailovers returns a snapshot of in-flight failovers
func (m *Manager) ActiveFailovers() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.active))
	for _, r := range m.active {
		out = append(out, *r)
	}
	return out
}

// History returns completed failovers, newest last
func (m *Manager) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.history...)
}
