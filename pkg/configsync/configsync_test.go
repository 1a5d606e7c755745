package configsync

import (
	"encoding/json"
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
	"github.com/tiktrue/platform/pkg/storage"
	"github.com/tiktrue/platform/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func TestValueCanonicalization(t *testing.T) {
	a := ObjectValue(map[string]Value{
		"b": NumberValue(2),
		"a": StringValue("x"),
	})
	b := ObjectValue(map[string]Value{
		"a": StringValue("x"),
		"b": NumberValue(2),
	})

	assert.Equal(t, a.Canonical(), b.Canonical())
	assert.Equal(t, `{"a":"x","b":2}`, a.Canonical())
	assert.True(t, a.Equal(b))

	nested := ArrayValue(Null(), BoolValue(true), NumberValue(1.5))
	assert.Equal(t, `[null,true,1.5]`, nested.Canonical())
}

func TestValueJSONRoundTrip(t *testing.T) {
	original := ObjectValue(map[string]Value{
		"name":    StringValue("netA"),
		"count":   NumberValue(3),
		"enabled": BoolValue(true),
		"tags":    ArrayValue(StringValue("a"), StringValue("b")),
		"extra":   Null(),
	})

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Value
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, original.Equal(decoded))
}

func TestItemChecksum(t *testing.T) {
	item := Item{
		Key:     "max_workers",
		Value:   NumberValue(10),
		Scope:   ScopeNetwork,
		Version: 3,
	}
	item.Seal()
	assert.True(t, item.Verify())
	assert.Equal(t, ItemChecksum("max_workers", NumberValue(10), 3), item.Checksum)

	item.Version = 4
	assert.False(t, item.Verify())
}

func changeWith(node string, version int64, value Value, ts time.Time, tier string) Change {
	item := Item{
		Key:       "max_workers",
		Value:     value,
		Scope:     ScopeNetwork,
		Version:   version,
		Timestamp: ts,
		Author:    node,
	}
	item.Seal()
	return Change{
		ChangeID:   node + "-" + fmt.Sprint(version),
		Type:       ChangeUpdate,
		Item:       item,
		NodeID:     node,
		AuthorTier: tier,
		Timestamp:  ts,
	}
}

func TestResolveStrategies(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	older := changeWith("node-a", 5, NumberValue(10), base, "PRO")
	newer := changeWith("node-b", 4, NumberValue(20), base.Add(time.Second), "FREE")

	t.Run("timestamp wins", func(t *testing.T) {
		winner := Resolve(&Conflict{Key: "max_workers", Strategy: TimestampWins, Changes: []Change{older, newer}})
		require.NotNil(t, winner)
		assert.Equal(t, float64(20), winner.Item.Value.Number)
	})

	t.Run("version wins", func(t *testing.T) {
		winner := Resolve(&Conflict{Key: "max_workers", Strategy: VersionWins, Changes: []Change{older, newer}})
		require.NotNil(t, winner)
		assert.Equal(t, float64(10), winner.Item.Value.Number)
	})

	t.Run("license priority", func(t *testing.T) {
		winner := Resolve(&Conflict{Key: "max_workers", Strategy: LicensePriority, Changes: []Change{older, newer}})
		require.NotNil(t, winner)
		assert.Equal(t, "node-a", winner.NodeID) // PRO beats FREE

		// Equal tiers fall back to timestamp.
		tie := changeWith("node-c", 1, NumberValue(30), base.Add(2*time.Second), "PRO")
		winner = Resolve(&Conflict{Key: "max_workers", Strategy: LicensePriority, Changes: []Change{older, tie}})
		assert.Equal(t, "node-c", winner.NodeID)
	})

	t.Run("consensus vote", func(t *testing.T) {
		v1 := changeWith("node-a", 1, NumberValue(10), base, "PRO")
		v2 := changeWith("node-b", 1, NumberValue(20), base.Add(time.Second), "PRO")
		v3 := changeWith("node-c", 1, NumberValue(20), base.Add(2*time.Second), "PRO")

		winner := Resolve(&Conflict{Key: "max_workers", Strategy: ConsensusVote, Changes: []Change{v1, v2, v3}})
		require.NotNil(t, winner)
		assert.Equal(t, float64(20), winner.Item.Value.Number)
		assert.Equal(t, "node-c", winner.NodeID) // most recent in winning bucket
	})

	t.Run("manual resolution defers", func(t *testing.T) {
		winner := Resolve(&Conflict{Key: "max_workers", Strategy: ManualResolution, Changes: []Change{older, newer}})
		assert.Nil(t, winner)
	})
}

// memTransport routes payloads between synchronizers in memory
type memTransport struct {
	nodes map[string]*Synchronizer
}

func (mt *memTransport) SendConfigChange(nodeID string, payload []byte) error {
	peer, ok := mt.nodes[nodeID]
	if !ok {
		return fmt.Errorf("unknown peer %s", nodeID)
	}
	return peer.Receive(payload)
}

func newSync(t *testing.T, nodeID string, tier types.Tier, mt *memTransport, strategy Strategy) *Synchronizer {
	t.Helper()

	lstore, err := license.NewStorage(t.TempDir(), "hw")
	require.NoError(t, err)
	enforcer, err := license.NewEnforcer(lstore, "hw")
	require.NoError(t, err)
	l, err := license.NewFromKey(fmt.Sprintf("TIKT-%s-12M-CFG001", tier), time.Now())
	require.NoError(t, err)
	require.NoError(t, enforcer.Install(l))

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	s, err := NewSynchronizer(nodeID, enforcer, store, mt, strategy, nil)
	require.NoError(t, err)
	mt.nodes[nodeID] = s
	return s
}

func TestMeshPropagation(t *testing.T) {
	mt := &memTransport{nodes: make(map[string]*Synchronizer)}
	a := newSync(t, "node-a", types.TierPro, mt, TimestampWins)
	b := newSync(t, "node-b", types.TierPro, mt, TimestampWins)
	a.SetPeers([]string{"node-b"})
	b.SetPeers([]string{"node-a"})

	_, err := a.Set("heartbeat_interval", NumberValue(30), ScopeNetwork, nil)
	require.NoError(t, err)

	got, ok := b.Get("heartbeat_interval")
	require.True(t, ok)
	assert.Equal(t, float64(30), got.Value.Number)
	assert.Equal(t, a.Version(), b.Version())
}

func TestConflictConvergenceTimestampWins(t *testing.T) {
	mt := &memTransport{nodes: make(map[string]*Synchronizer)}
	a := newSync(t, "node-a", types.TierPro, mt, TimestampWins)
	b := newSync(t, "node-b", types.TierPro, mt, TimestampWins)

	// Both nodes author version 1 for the same key independently (no
	// peers yet), with b's change a few milliseconds later.
	_, err := a.Set("max_workers", NumberValue(10), ScopeNetwork, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	bChange, err := b.Set("max_workers", NumberValue(20), ScopeNetwork, nil)
	require.NoError(t, err)

	// Now connect the mesh and exchange.
	a.SetPeers([]string{"node-b"})
	b.SetPeers([]string{"node-a"})

	payload, err := json.Marshal(bChange)
	require.NoError(t, err)
	require.NoError(t, a.Receive(payload))

	// a resolved the conflict toward b's newer change and re-broadcast;
	// both nodes converge on max_workers = 20.
	gotA, _ := a.Get("max_workers")
	gotB, _ := b.Get("max_workers")
	assert.Equal(t, float64(20), gotA.Value.Number)
	assert.Equal(t, float64(20), gotB.Value.Number)
	assert.Equal(t, gotA.Checksum, gotB.Checksum)
	assert.Equal(t, 1, a.Stats().ConflictsResolved)
}

func TestGlobalScopeRequiresPro(t *testing.T) {
	mt := &memTransport{nodes: make(map[string]*Synchronizer)}
	free := newSync(t, "node-free", types.TierFree, mt, TimestampWins)

	_, err := free.Set("cluster_name", StringValue("x"), ScopeGlobal, nil)
	assert.ErrorIs(t, err, errdefs.ErrTierTooLow)

	// Network scope is fine on FREE.
	_, err = free.Set("cluster_name", StringValue("x"), ScopeNetwork, nil)
	assert.NoError(t, err)
}

func TestLicenseRequirementGating(t *testing.T) {
	mt := &memTransport{nodes: make(map[string]*Synchronizer)}
	free := newSync(t, "node-free2", types.TierFree, mt, TimestampWins)

	_, err := free.Set("analytics", BoolValue(true), ScopeWorker, []string{"advanced_analytics"})
	assert.ErrorIs(t, err, errdefs.ErrFeatureDisallowed)
}

func TestDeletePropagates(t *testing.T) {
	mt := &memTransport{nodes: make(map[string]*Synchronizer)}
	a := newSync(t, "node-a2", types.TierPro, mt, TimestampWins)
	b := newSync(t, "node-b2", types.TierPro, mt, TimestampWins)
	a.SetPeers([]string{"node-b2"})
	b.SetPeers([]string{"node-a2"})

	_, err := a.Set("temp_key", NumberValue(1), ScopeNetwork, nil)
	require.NoError(t, err)
	_, ok := b.Get("temp_key")
	require.True(t, ok)

	_, err = a.Delete("temp_key")
	require.NoError(t, err)
	_, ok = b.Get("temp_key")
	assert.False(t, ok)
}

func TestPersistenceAcrossRestart(t *testing.T) {
	lstore, err := license.NewStorage(t.TempDir(), "hw")
	require.NoError(t, err)
	enforcer, err := license.NewEnforcer(lstore, "hw")
	require.NoError(t, err)
	l, err := license.NewFromKey("TIKT-PRO-12M-CFG002", time.Now())
	require.NoError(t, err)
	require.NoError(t, enforcer.Install(l))

	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)

	s1, err := NewSynchronizer("node-p", enforcer, store, nil, TimestampWins, nil)
	require.NoError(t, err)
	_, err = s1.Set("persisted", StringValue("yes"), ScopeNetwork, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store2, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	defer store2.Close()

	s2, err := NewSynchronizer("node-p", enforcer, store2, nil, TimestampWins, nil)
	require.NoError(t, err)
	got, ok := s2.Get("persisted")
	require.True(t, ok)
	assert.Equal(t, "yes", got.Value.Str)
}
