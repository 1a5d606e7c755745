package service

import (
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiktrue/platform/pkg/errdefs"
	"github.com/tiktrue/platform/pkg/license"
	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestService(t *testing.T, tier types.Tier) *Service {
	t.Helper()

	s, err := New(Config{
		NodeID:            "test-node",
		Address:           "127.0.0.1",
		DataDir:           t.TempDir(),
		DisableNetworking: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Monitoring.Close()
		s.Store.Close()
	})

	l, err := license.NewFromKey(fmt.Sprintf("TIKT-%s-12M-SVC001", tier), time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Enforcer.Install(l))
	return s
}

func TestCreateAndDeleteNetwork(t *testing.T) {
	s := newTestService(t, types.TierPro)

	network, err := s.CreateNetwork("main", types.NetworkTypePublic, "llama-7b", 5, 5)
	require.NoError(t, err)

	// Allocation bound to the real network id.
	allocs := s.Ledger.Snapshot()
	require.Contains(t, allocs, network.NetworkID)
	assert.Equal(t, "llama-7b", allocs[network.NetworkID].ModelID)

	// Health target registered.
	_, monitored := s.Health.Target(network.NetworkID)
	assert.True(t, monitored)

	require.NoError(t, s.DeleteNetwork(network.NetworkID))
	assert.Empty(t, s.Ledger.Snapshot())
	assert.Empty(t, s.Networks.ManagedNetworks())
}

func TestNetworkQuotaReleasedOnFailure(t *testing.T) {
	s := newTestService(t, types.TierFree)

	// FREE: one network allowed.
	_, err := s.CreateNetwork("one", types.NetworkTypePublic, "llama-7b", 2, 5)
	require.NoError(t, err)

	_, err = s.CreateNetwork("two", types.NetworkTypePublic, "llama-7b", 2, 5)
	require.Error(t, err)

	// The failed creation returned its quota; after deleting the first
	// network a new one fits again.
	networks := s.Networks.ManagedNetworks()
	require.Len(t, networks, 1)
	require.NoError(t, s.DeleteNetwork(networks[0].NetworkID))

	_, err = s.CreateNetwork("three", types.NetworkTypePublic, "llama-7b", 2, 5)
	assert.NoError(t, err)
}

func TestRegisterWorker(t *testing.T) {
	s := newTestService(t, types.TierPro)

	network, err := s.CreateNetwork("net", types.NetworkTypePublic, "llama-7b", 5, 5)
	require.NoError(t, err)

	worker := &types.WorkerInfo{
		NodeID:    "w1",
		NetworkID: network.NetworkID,
		Address:   "10.0.0.5:9000",
		Capacity:  10,
	}
	require.NoError(t, s.RegisterWorker(worker))

	stored, err := s.Store.GetWorker("w1")
	require.NoError(t, err)
	assert.True(t, stored.IsActive(time.Now()))

	_, monitored := s.Health.Target("w1")
	assert.True(t, monitored)

	// Unmanaged network is rejected.
	err = s.RegisterWorker(&types.WorkerInfo{NodeID: "w2", NetworkID: "nope"})
	assert.Error(t, err)
}

func TestLedgerOvercommit(t *testing.T) {
	ledger := NewLedger(2, 4096)

	_, err := ledger.Allocate("n1", "llama-7b", 2, 5)
	require.NoError(t, err)

	// llama (33 blocks) needs 33*128 + clients*64 = 4352 MB; budget is
	// 4096*1.2 = 4915 MB, so a second one does not fit.
	_, err = ledger.Allocate("n2", "llama-7b", 2, 5)
	assert.ErrorIs(t, err, errdefs.ErrResource)

	ledger.Release("n1")
	_, err = ledger.Allocate("n2", "llama-7b", 2, 5)
	assert.NoError(t, err)
}

func TestDashboardSnapshot(t *testing.T) {
	s := newTestService(t, types.TierPro)

	_, err := s.CreateNetwork("dash", types.NetworkTypePublic, "llama-7b", 3, 5)
	require.NoError(t, err)

	snap := s.Dashboard()
	assert.Equal(t, "test-node", snap.NodeID)
	assert.Equal(t, types.TierPro, snap.Tier)
	assert.Len(t, snap.Managed, 1)
	assert.Len(t, snap.Allocations, 1)
	assert.Equal(t, "none", snap.DegradationMode)
	assert.Contains(t, snap.QuotaUsage, "networks")
}

func TestDiscoverySourceWired(t *testing.T) {
	// Full composition with networking enabled: the network manager
	// must be wired as the discovery service's source, so networks this
	// node creates are advertised to peers.
	s, err := New(Config{
		NodeID:        "net-node",
		Address:       "127.0.0.1",
		DataDir:       t.TempDir(),
		DiscoveryPort: 28700,
		HeartbeatPort: 28701,
		JoinBind:      "127.0.0.1:0",
	})
	require.NoError(t, err)

	l, err := license.NewFromKey("TIKT-PRO-12M-SVC002", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Enforcer.Install(l))

	require.NotNil(t, s.Discovery)
	require.NoError(t, s.Start())
	defer s.Stop()

	network, err := s.CreateNetwork("advertised", types.NetworkTypePublic, "llama-7b", 3, 5)
	require.NoError(t, err)

	// The discovery service sees the managed network through its
	// source; announce/respond/heartbeat all feed from this view.
	local := s.Discovery.LocalNetworks()
	require.Len(t, local, 1)
	assert.Equal(t, network.NetworkID, local[0].NetworkID)
}

func TestDoctor(t *testing.T) {
	s := newTestService(t, types.TierPro)

	results := s.Doctor()
	byName := make(map[string]DoctorResult)
	for _, r := range results {
		byName[r.Subsystem] = r
	}

	assert.True(t, byName["license"].OK)
	assert.True(t, byName["storage"].OK)
	assert.True(t, byName["monitoring"].OK)
	assert.False(t, byName["discovery"].OK) // networking disabled in tests
}
