package failover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiktrue/platform/pkg/errdefs"
	"github.com/tiktrue/platform/pkg/license"
	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/storage"
	"github.com/tiktrue/platform/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type fakeExecutor struct {
	mu        sync.Mutex
	transfers map[string][]string // target -> blocks
	fail      bool
}

func (f *fakeExecutor) Transfer(ctx context.Context, networkID, sourceID, targetID string, blockIDs []string) error {
	if f.fail {
		return errors.New("transfer failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transfers == nil {
		f.transfers = make(map[string][]string)
	}
	f.transfers[targetID] = append(f.transfers[targetID], blockIDs...)
	return nil
}

func newEnforcer(t *testing.T, tier types.Tier) *license.Enforcer {
	t.Helper()
	lstore, err := license.NewStorage(t.TempDir(), "hw")
	require.NoError(t, err)
	enforcer, err := license.NewEnforcer(lstore, "hw")
	require.NoError(t, err)
	l, err := license.NewFromKey(fmt.Sprintf("TIKT-%s-12M-FOV001", tier), time.Now())
	require.NoError(t, err)
	require.NoError(t, enforcer.Install(l))
	return enforcer
}

// seedNetwork populates netA with four active workers owning three
// blocks each.
func seedNetwork(t *testing.T, store storage.Store) {
	t.Helper()
	now := time.Now()
	block := 1
	for w := 1; w <= 4; w++ {
		workerID := fmt.Sprintf("w%d", w)
		require.NoError(t, store.SaveWorker(&types.WorkerInfo{
			NodeID:        workerID,
			NetworkID:     "netA",
			Capacity:      10,
			LastHeartbeat: now,
			LicenseTier:   types.TierPro,
		}))
		for i := 0; i < 3; i++ {
			require.NoError(t, store.SaveBlockAssignment(&types.BlockAssignment{
				BlockID:   fmt.Sprintf("b%02d", block),
				ModelID:   "llama-7b",
				NetworkID: "netA",
				WorkerID:  workerID,
			}))
			block++
		}
	}
}

func newTestManager(t *testing.T, tier types.Tier, executor TransferExecutor) (*Manager, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewManager(DefaultConfig(), newEnforcer(t, tier), store, executor, nil, nil, nil), store
}

func TestRedistributeBlocksBalanced(t *testing.T) {
	executor := &fakeExecutor{}
	m, store := newTestManager(t, types.TierPro, executor)
	seedNetwork(t, store)

	result, err := m.RedistributeBlocks("w1", "netA")
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
	assert.Equal(t, 3, result.BlocksMoved)

	// w1's three blocks spread one per survivor.
	counts := make(map[string]int)
	for blockID, target := range result.Plan {
		assert.Contains(t, []string{"b01", "b02", "b03"}, blockID)
		assert.NotEqual(t, "w1", target)
		counts[target]++
	}
	assert.Equal(t, map[string]int{"w2": 1, "w3": 1, "w4": 1}, counts)

	// Conservation: the full assignment set is still b01..b12 with no
	// duplicates and nothing on w1.
	assignments, err := store.ListBlockAssignments("netA")
	require.NoError(t, err)
	seen := make(map[string]string)
	for _, a := range assignments {
		_, dup := seen[a.BlockID]
		assert.False(t, dup, "block %s assigned twice", a.BlockID)
		seen[a.BlockID] = a.WorkerID
		assert.NotEqual(t, "w1", a.WorkerID)
	}
	assert.Len(t, seen, 12)
}

func TestRedistributeUnevenSplit(t *testing.T) {
	executor := &fakeExecutor{}
	m, store := newTestManager(t, types.TierPro, executor)
	seedNetwork(t, store)

	// Fail w1 and w2's blocks one after the other: second run spreads
	// over two survivors only.
	_, err := m.RedistributeBlocks("w1", "netA")
	require.NoError(t, err)
	require.NoError(t, store.DeleteWorker("w1"))

	// w2 now owns 3 (own) + 1 (inherited) = 4 blocks.
	require.NoError(t, store.DeleteWorker("w2"))
	ownedByW2, err := store.ListBlockAssignmentsByWorker("netA", "w2")
	require.NoError(t, err)
	require.Len(t, ownedByW2, 4)

	result, err := m.RedistributeBlocks("w2", "netA")
	require.NoError(t, err)
	assert.Equal(t, 4, result.BlocksMoved)

	counts := make(map[string]int)
	for _, target := range result.Plan {
		counts[target]++
	}
	assert.Equal(t, map[string]int{"w3": 2, "w4": 2}, counts)
}

func TestRedistributeNoSurvivors(t *testing.T) {
	m, store := newTestManager(t, types.TierPro, nil)
	require.NoError(t, store.SaveWorker(&types.WorkerInfo{
		NodeID: "w1", NetworkID: "netA", LastHeartbeat: time.Now(),
	}))
	require.NoError(t, store.SaveBlockAssignment(&types.BlockAssignment{
		BlockID: "b1", NetworkID: "netA", WorkerID: "w1",
	}))

	_, err := m.RedistributeBlocks("w1", "netA")
	assert.ErrorIs(t, err, errdefs.ErrResource)
}

func TestRedistributeTransferFailure(t *testing.T) {
	executor := &fakeExecutor{fail: true}
	m, store := newTestManager(t, types.TierPro, executor)
	seedNetwork(t, store)

	result, err := m.RedistributeBlocks("w1", "netA")
	assert.Error(t, err)
	assert.False(t, result.Succeeded)
}

func TestHandleWorkerFailureActivatesBackup(t *testing.T) {
	executor := &fakeExecutor{}
	m, store := newTestManager(t, types.TierPro, executor)
	seedNetwork(t, store)

	require.NoError(t, m.RegisterBackup(&types.BackupWorker{
		NodeID: "backup-2", NetworkID: "netA", Priority: 2,
	}))
	require.NoError(t, m.RegisterBackup(&types.BackupWorker{
		NodeID: "backup-1", NetworkID: "netA", Priority: 1,
	}))

	require.NoError(t, m.HandleWorkerFailure("w1", "netA"))

	// Lowest priority number wins.
	backups, err := store.ListBackupWorkers("netA")
	require.NoError(t, err)
	byID := make(map[string]*types.BackupWorker)
	for _, b := range backups {
		byID[b.NodeID] = b
	}
	assert.Equal(t, types.BackupStatusActive, byID["backup-1"].Status)
	assert.Equal(t, types.BackupStatusStandby, byID["backup-2"].Status)

	history := m.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Succeeded)
	assert.Equal(t, "backup-1", history[0].BackupID)
}

func TestWorkerFailureRequiresProTier(t *testing.T) {
	m, store := newTestManager(t, types.TierFree, nil)
	seedNetwork(t, store)

	err := m.HandleWorkerFailure("w1", "netA")
	assert.Error(t, err)

	// Failed failover degrades the node.
	assert.Equal(t, DegradationReducedCapacity, m.DegradationLevelNow())
}

func TestWorkerFailureWithoutBackupDegrades(t *testing.T) {
	m, store := newTestManager(t, types.TierPro, nil)
	seedNetwork(t, store)

	err := m.HandleWorkerFailure("w1", "netA")
	assert.Error(t, err)
	assert.Equal(t, DegradationReducedCapacity, m.DegradationLevelNow())

	history := m.DegradationHistory()
	require.Len(t, history, 1)
	assert.Equal(t, DegradationNone, history[0].From)
}

func TestGracefulDegradationIdempotent(t *testing.T) {
	m, _ := newTestManager(t, types.TierPro, nil)

	m.GracefulDegradation(DegradationReducedQuality, "load spike")
	m.GracefulDegradation(DegradationReducedQuality, "load spike again")
	assert.Len(t, m.DegradationHistory(), 1)

	m.GracefulDegradation(DegradationMaintenanceMode, "operator request")
	assert.Equal(t, DegradationMaintenanceMode, m.DegradationLevelNow())
	assert.Len(t, m.DegradationHistory(), 2)
}

func TestTransferWorkloadRecordsOutcome(t *testing.T) {
	okExec := &fakeExecutor{}
	m, _ := newTestManager(t, types.TierPro, okExec)

	transfer := m.TransferWorkload("netA", "w1", "w2", []string{"b1", "b2"})
	assert.Equal(t, types.TransferStatusCompleted, transfer.Status)

	failExec := &fakeExecutor{fail: true}
	m2, _ := newTestManager(t, types.TierPro, failExec)
	transfer = m2.TransferWorkload("netA", "w1", "w2", []string{"b1"})
	assert.Equal(t, types.TransferStatusFailed, transfer.Status)
	assert.NotEmpty(t, transfer.Error)
}
