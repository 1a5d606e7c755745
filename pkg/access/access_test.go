package access

import (
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiktrue/platform/pkg/license"
	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newManager(t *testing.T, tier types.Tier) *Manager {
	t.Helper()

	lstore, err := license.NewStorage(t.TempDir(), "hw")
	require.NoError(t, err)
	enforcer, err := license.NewEnforcer(lstore, "hw")
	require.NoError(t, err)
	l, err := license.NewFromKey(fmt.Sprintf("TIKT-%s-12M-ACC001", tier), time.Now())
	require.NoError(t, err)
	require.NoError(t, enforcer.Install(l))

	m, err := NewManager(enforcer, t.TempDir(), nil)
	require.NoError(t, err)
	return m
}

func developer() *types.User {
	return &types.User{
		UserID:      "u-dev",
		Username:    "dev",
		Roles:       []types.Role{types.RoleDeveloper},
		Permissions: []string{PermNetworkView},
		IsActive:    true,
	}
}

func operator() *types.User {
	return &types.User{
		UserID:      "u-op",
		Username:    "op",
		Roles:       []types.Role{types.RoleOperator},
		Permissions: []string{PermNetworkView, PermNetworkModify, PermWorkerView, PermWorkerManage},
		IsActive:    true,
	}
}

func TestDenyByRole(t *testing.T) {
	m := newManager(t, types.TierPro)

	result := m.Check(developer(), ResourceNetwork, "net1", LevelWrite, "", "")
	assert.False(t, result.Granted)
	assert.Contains(t, result.Reason, "insufficient role permissions")
	assert.Equal(t, LevelRead, result.EffectiveLevel)
}

func TestAllowByRoleAndFeature(t *testing.T) {
	m := newManager(t, types.TierPro)

	result := m.Check(operator(), ResourceNetwork, "net1", LevelWrite, "", "")
	assert.True(t, result.Granted)
	assert.Equal(t, LevelWrite, result.EffectiveLevel)
}

func TestDenyByFeature(t *testing.T) {
	// FREE lacks multi_network, so even an operator cannot write.
	m := newManager(t, types.TierFree)

	result := m.Check(operator(), ResourceNetwork, "net1", LevelWrite, "", "")
	assert.False(t, result.Granted)
	assert.Contains(t, result.Reason, "multi_network")
}

func TestDenyInactiveAccount(t *testing.T) {
	m := newManager(t, types.TierPro)

	user := operator()
	user.IsActive = false
	result := m.Check(user, ResourceNetwork, "net1", LevelRead, "", "")
	assert.False(t, result.Granted)
	assert.Equal(t, "account inactive", result.Reason)
}

func TestDenyByMissingPermission(t *testing.T) {
	m := newManager(t, types.TierPro)

	user := operator()
	user.Permissions = []string{PermNetworkView} // no network_modify
	result := m.Check(user, ResourceNetwork, "net1", LevelWrite, "", "")
	assert.False(t, result.Granted)
	assert.Contains(t, result.Reason, PermNetworkModify)
}

func TestAccessMonotonicity(t *testing.T) {
	// Lowering the requested level never turns a grant into a denial.
	m := newManager(t, types.TierPro)
	levels := []AccessLevel{LevelOwner, LevelAdmin, LevelExecute, LevelWrite, LevelRead, LevelNone}

	for _, user := range []*types.User{developer(), operator()} {
		granted := false
		for _, level := range levels {
			result := m.Check(user, ResourceNetwork, "net-mono", level, "", "")
			if granted {
				assert.True(t, result.Granted,
					"user %s denied %s after being granted a higher level", user.UserID, level)
			}
			granted = granted || result.Granted
		}
	}
}

func TestPositiveDecisionCached(t *testing.T) {
	m := newManager(t, types.TierPro)

	r1 := m.Check(operator(), ResourceNetwork, "net1", LevelRead, "", "")
	require.True(t, r1.Granted)
	assert.False(t, r1.ExpiresAt.IsZero())

	r2 := m.Check(operator(), ResourceNetwork, "net1", LevelRead, "", "")
	assert.Equal(t, r1.ExpiresAt, r2.ExpiresAt) // served from cache

	m.ClearCache()
	r3 := m.Check(operator(), ResourceNetwork, "net1", LevelRead, "", "")
	assert.True(t, r3.Granted)
}

func TestQuotaConsumeAndRelease(t *testing.T) {
	m := newManager(t, types.TierFree)

	// FREE allows 3 workers.
	for i := 0; i < 3; i++ {
		assert.True(t, m.ConsumeQuota(ResourceWorker, 1, 0), "consume %d", i)
	}
	assert.False(t, m.ConsumeQuota(ResourceWorker, 1, 0))

	assert.True(t, m.ReleaseQuota(ResourceWorker, 1, 0))
	assert.True(t, m.ConsumeQuota(ResourceWorker, 1, 0))

	// Release clamps at zero.
	for i := 0; i < 10; i++ {
		m.ReleaseQuota(ResourceWorker, 1, 0)
	}
	quotas := m.Quotas()
	assert.Equal(t, 0, quotas["workers"].CurrentCount)
}

func TestQuotaWindowReset(t *testing.T) {
	m := newManager(t, types.TierFree)

	// Exhaust the api_calls quota.
	assert.True(t, m.ConsumeQuota(ResourceAPIEndpoint, 1000, 0))
	assert.False(t, m.ConsumeQuota(ResourceAPIEndpoint, 1, 0))

	// Age the window past 24h; the next consume resets and succeeds.
	m.quotas.mu.Lock()
	m.quotas.quotas["api_calls"].LastReset = time.Now().Add(-25 * time.Hour)
	m.quotas.mu.Unlock()

	assert.True(t, m.ConsumeQuota(ResourceAPIEndpoint, 1, 0))
	quotas := m.Quotas()
	assert.Equal(t, 1, quotas["api_calls"].CurrentCount)
}

func TestQuotaSizeLimit(t *testing.T) {
	m := newManager(t, types.TierFree)

	// FREE models: 3 count, 2048 MB.
	assert.True(t, m.ConsumeQuota(ResourceModel, 1, 2000))
	assert.False(t, m.ConsumeQuota(ResourceModel, 1, 100))
	assert.True(t, m.ConsumeQuota(ResourceModel, 1, 48))
}

func TestUnlimitedQuota(t *testing.T) {
	m := newManager(t, types.TierEnt)

	for i := 0; i < 100; i++ {
		assert.True(t, m.ConsumeQuota(ResourceNetwork, 1, 0))
	}
}

func TestFeatures(t *testing.T) {
	free := newManager(t, types.TierFree)
	assert.True(t, free.HasFeature("basic_inference"))
	assert.False(t, free.HasFeature("multi_network"))

	ent := newManager(t, types.TierEnt)
	assert.True(t, ent.HasFeature("advanced_analytics"))
	assert.Contains(t, ent.AvailableFeatures(), "backup_restore")
}

func TestAuditLog(t *testing.T) {
	m := newManager(t, types.TierPro)

	m.Check(developer(), ResourceNetwork, "net1", LevelWrite, "10.0.0.1", "cli")
	m.Check(operator(), ResourceNetwork, "net1", LevelRead, "", "")

	entries := m.AccessLog(10, "")
	require.Len(t, entries, 2)
	assert.Equal(t, "u-op", entries[0].UserID) // newest first

	devOnly := m.AccessLog(10, "u-dev")
	require.Len(t, devOnly, 1)
	assert.False(t, devOnly[0].Granted)
	assert.Equal(t, "10.0.0.1", devOnly[0].ClientIP)
}

func TestUserAccessSummary(t *testing.T) {
	m := newManager(t, types.TierPro)

	summary := m.UserAccessSummary(operator())
	net := summary[ResourceNetwork]
	assert.Equal(t, LevelWrite, net["effective_level"])
	assert.Equal(t, true, net["can_read"])
	assert.Equal(t, true, net["can_write"])

	backup := summary[ResourceBackup]
	assert.Equal(t, LevelExecute, backup["effective_level"])
}
