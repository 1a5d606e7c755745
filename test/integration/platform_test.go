package integration

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiktrue/platform/pkg/license"
	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/netmgr"
	"github.com/tiktrue/platform/pkg/service"
	"github.com/tiktrue/platform/pkg/types"
)

func newNode(t *testing.T, nodeID string, tier types.Tier) *service.Service {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})

	svc, err := service.New(service.Config{
		NodeID:            nodeID,
		Address:           "127.0.0.1",
		DataDir:           t.TempDir(),
		DisableNetworking: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		svc.Monitoring.Close()
		svc.Store.Close()
	})

	l, err := license.NewFromKey("TIKT-"+string(tier)+"-12M-INT001", time.Now())
	require.NoError(t, err)
	require.NoError(t, svc.Enforcer.Install(l))
	return svc
}

// TestAdminJoinWorkflow runs the full admin-side membership flow:
// create network → inbound join request → approve → client counted.
func TestAdminJoinWorkflow(t *testing.T) {
	admin := newNode(t, "admin", types.TierPro)

	network, err := admin.CreateNetwork("shared", types.NetworkTypePublic, "llama-7b", 5, 5)
	require.NoError(t, err)

	decision, err := admin.Networks.SubmitJoinRequest(&types.JoinRequest{
		RequestID:   "req-1",
		NodeID:      "client-1",
		NodeAddress: "127.0.0.2",
		NetworkID:   network.NetworkID,
		LicenseTier: types.TierPro,
		RequestedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, admin.Networks.Approve("req-1", "welcome"))

	response := <-decision
	require.True(t, response.Approved)
	require.NotNil(t, response.NetworkConfig)
	assert.Len(t, response.NetworkConfig.ModelChainOrder, 33)

	updated, ok := admin.Networks.ManagedNetwork(network.NetworkID)
	require.True(t, ok)
	assert.Equal(t, 1, updated.CurrentClients)
}

// TestJoinOverTCP exercises the real join transport on a loopback
// listener: client side blocks on the admin's decision.
func TestJoinOverTCP(t *testing.T) {
	admin := newNode(t, "admin-tcp", types.TierPro)

	network, err := admin.CreateNetwork("tcp-net", types.NetworkTypePublic, "llama-7b", 5, 5)
	require.NoError(t, err)

	server, err := netmgr.NewJoinServer(admin.Networks, "127.0.0.1:0")
	require.NoError(t, err)
	server.Start()
	defer server.Stop()

	// Admin approves whatever arrives.
	go func() {
		for i := 0; i < 100; i++ {
			for _, r := range admin.Networks.PendingRequests() {
				admin.Networks.Approve(r.RequestID, "auto")
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	client := netmgr.NewTCPJoinClient(nil)
	response, err := client.SendJoinRequest(server.Addr(), &types.JoinRequest{
		RequestID:   "tcp-req",
		NodeID:      "client-tcp",
		NetworkID:   network.NetworkID,
		LicenseTier: types.TierPro,
		RequestedAt: time.Now(),
	}, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, response.Approved)
	assert.Equal(t, network.NetworkID, response.NetworkConfig.NetworkID)
}

// TestWorkerFailureEndToEnd registers workers and a backup, fails a
// worker through the health callback path and checks block
// conservation afterwards.
func TestWorkerFailureEndToEnd(t *testing.T) {
	admin := newNode(t, "admin-fo", types.TierPro)

	network, err := admin.CreateNetwork("fo-net", types.NetworkTypePublic, "llama-7b", 5, 5)
	require.NoError(t, err)

	for _, id := range []string{"w1", "w2", "w3"} {
		require.NoError(t, admin.RegisterWorker(&types.WorkerInfo{
			NodeID:    id,
			NetworkID: network.NetworkID,
			Address:   "127.0.0.1:9000",
			Capacity:  10,
		}))
	}
	require.NoError(t, admin.Failover.RegisterBackup(&types.BackupWorker{
		NodeID:    "backup-1",
		NetworkID: network.NetworkID,
		Priority:  1,
	}))

	blockIDs := []string{"b1", "b2", "b3", "b4", "b5", "b6"}
	for i, blockID := range blockIDs {
		require.NoError(t, admin.Store.SaveBlockAssignment(&types.BlockAssignment{
			BlockID:   blockID,
			ModelID:   "llama-7b",
			NetworkID: network.NetworkID,
			WorkerID:  []string{"w1", "w1", "w1", "w2", "w2", "w3"}[i],
		}))
	}

	require.NoError(t, admin.Failover.HandleWorkerFailure("w1", network.NetworkID))

	assignments, err := admin.Store.ListBlockAssignments(network.NetworkID)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, a := range assignments {
		assert.False(t, seen[a.BlockID], "block %s duplicated", a.BlockID)
		seen[a.BlockID] = true
		assert.NotEqual(t, "w1", a.WorkerID)
	}
	assert.Len(t, seen, len(blockIDs))

	history := admin.Failover.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Succeeded)
}
