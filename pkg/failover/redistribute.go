package failover

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tiktrue/platform/pkg/errdefs"
	"github.com/tiktrue/platform/pkg/events"
	"github.com/tiktrue/platform/pkg/health"
	"github.com/tiktrue/platform/pkg/metrics"
	"github.com/tiktrue/platform/pkg/types"
)

// RedistributionResult summarizes one redistribution run
type RedistributionResult struct {
	RedistributionID  string            `json:"redistribution_id"`
	NetworkID         string            `json:"network_id"`
	FailedWorkerID    string            `json:"failed_worker_id"`
	Plan              map[string]string `json:"plan"` // block id -> new worker id
	BlocksMoved       int               `json:"blocks_moved"`
	ConflictsResolved int               `json:"conflicts_resolved"`
	Succeeded         bool              `json:"succeeded"`
	StartedAt         time.Time         `json:"started_at"`
	CompletedAt       time.Time         `json:"completed_at"`
}

// RedistributeBlocks reassigns a failed worker's blocks across the
// surviving workers of a network in a balanced round-robin: each
// survivor receives floor(B/W) blocks, the first B mod W get one extra.
func (m *Manager) RedistributeBlocks(failedWorkerID, networkID string) (*RedistributionResult, error) {
	result := &RedistributionResult{
		RedistributionID: uuid.New().String(),
		NetworkID:        networkID,
		FailedWorkerID:   failedWorkerID,
		Plan:             make(map[string]string),
		StartedAt:        time.Now().UTC(),
	}

	assignments, err := m.store.ListBlockAssignmentsByWorker(networkID, failedWorkerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list block assignments: %w", err)
	}
	if len(assignments) == 0 {
		result.Succeeded = true
		result.CompletedAt = time.Now().UTC()
		return result, nil
	}

	targets, err := m.availableWorkers(networkID, failedWorkerID)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, errdefs.Wrapf(errdefs.ErrResource,
			"no available workers in network %s to take over blocks", networkID)
	}

	// Deterministic plan: blocks in id order, targets in id order.
	sort.Slice(assignments, func(i, j int) bool { return assignments[i].BlockID < assignments[j].BlockID })
	sort.Strings(targets)

	perWorker := len(assignments) / len(targets)
	extra := len(assignments) % len(targets)

	idx := 0
	for t, target := range targets {
		count := perWorker
		if t < extra {
			count++
		}
		for i := 0; i < count && idx < len(assignments); i++ {
			result.Plan[assignments[idx].BlockID] = target
			idx++
		}
	}

	// Resolve conflicts: a block already assigned to a live worker
	// elsewhere moves to the planned target and counts as resolved.
	for blockID := range result.Plan {
		existing, err := m.store.GetBlockAssignment(blockID)
		if err == nil && existing.WorkerID != failedWorkerID && existing.WorkerID != result.Plan[blockID] {
			result.ConflictsResolved++
		}
	}

	if err := m.executePlan(result, assignments); err != nil {
		result.CompletedAt = time.Now().UTC()
		m.recordRedistribution(result)
		return result, err
	}

	result.Succeeded = true
	result.CompletedAt = time.Now().UTC()
	m.recordRedistribution(result)

	metrics.BlocksRedistributed.Add(float64(result.BlocksMoved))
	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:      events.EventBlocksReassigned,
			NetworkID: networkID,
			NodeID:    failedWorkerID,
			Message:   fmt.Sprintf("%d blocks reassigned from %s", result.BlocksMoved, failedWorkerID),
		})
	}
	return result, nil
}

// availableWorkers returns the ids of workers able to take over blocks:
// active workers other than the failed one, plus standby, starting and
// active backups.
func (m *Manager) availableWorkers(networkID, failedWorkerID string) ([]string, error) {
	workers, err := m.store.ListWorkersByNetwork(networkID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	now := time.Now()
	seen := make(map[string]bool)
	var out []string
	for _, w := range workers {
		if w.NodeID == failedWorkerID || !w.IsActive(now) {
			continue
		}
		if m.monitor != nil {
			if info, ok := m.monitor.Target(w.NodeID); ok && info.Status == health.StatusCritical {
				continue
			}
		}
		if !seen[w.NodeID] {
			seen[w.NodeID] = true
			out = append(out, w.NodeID)
		}
	}

	backups, err := m.store.ListBackupWorkers(networkID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	for _, b := range backups {
		if b.NodeID == failedWorkerID {
			continue
		}
		if b.Status != types.BackupStatusStandby && b.Status != types.BackupStatusActive &&
			b.Status != types.BackupStatusStarting {
			continue
		}
		if !seen[b.NodeID] {
			seen[b.NodeID] = true
			out = append(out, b.NodeID)
		}
	}

	return out, nil
}

// executePlan groups the plan by target worker, runs the transfers
// concurrently bounded by the failover timeout and persists the new
// assignments as each transfer lands. Success requires every transfer
// to succeed.
func (m *Manager) executePlan(result *RedistributionResult, assignments []*types.BlockAssignment) error {
	byTarget := make(map[string][]string)
	for blockID, target := range result.Plan {
		byTarget[target] = append(byTarget[target], blockID)
	}
	for _, blocks := range byTarget {
		sort.Strings(blocks)
	}

	byID := make(map[string]*types.BlockAssignment, len(assignments))
	for _, a := range assignments {
		byID[a.BlockID] = a
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FailoverTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	for target, blocks := range byTarget {
		target, blocks := target, blocks
		g.Go(func() error {
			if m.executor != nil {
				if err := m.executor.Transfer(ctx, result.NetworkID, result.FailedWorkerID, target, blocks); err != nil {
					return fmt.Errorf("transfer to %s failed: %w", target, err)
				}
			}

			now := time.Now().UTC()
			for _, blockID := range blocks {
				a, ok := byID[blockID]
				if !ok {
					continue
				}
				updated := *a
				updated.WorkerID = target
				updated.AssignedAt = now
				if err := m.store.SaveBlockAssignment(&updated); err != nil {
					return fmt.Errorf("failed to persist assignment of %s: %w", blockID, err)
				}
				mu.Lock()
				result.BlocksMoved++
				mu.Unlock()
			}
			return nil
		})
	}

	return g.Wait()
}

// TransferWorkload is the standalone transport-level primitive: it
// moves the named blocks and records the outcome on the transfer
// record.
func (m *Manager) TransferWorkload(networkID, sourceID, targetID string, blockIDs []string) *types.WorkloadTransfer {
	transfer := &types.WorkloadTransfer{
		TransferID: uuid.New().String(),
		NetworkID:  networkID,
		SourceID:   sourceID,
		TargetID:   targetID,
		BlockIDs:   blockIDs,
		Status:     types.TransferStatusRunning,
		StartedAt:  time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FailoverTimeout)
	defer cancel()

	var err error
	if m.executor != nil {
		err = m.executor.Transfer(ctx, networkID, sourceID, targetID, blockIDs)
	}

	transfer.FinishedAt = time.Now().UTC()
	if err != nil {
		transfer.Status = types.TransferStatusFailed
		transfer.Error = err.Error()
		m.logger.Error().Err(err).
			Str("source", sourceID).
			Str("target", targetID).
			Msg("Workload transfer failed")
	} else {
		transfer.Status = types.TransferStatusCompleted
	}
	return transfer
}

func (m *Manager) recordRedistribution(result *RedistributionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redistributions = append(m.redistributions, *result)
}

// Redistributions returns completed redistribution records
func (m *Manager) Redistributions() []RedistributionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RedistributionResult(nil), m.redistributions...)
}
