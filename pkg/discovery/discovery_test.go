package discovery

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func testNetworks() []types.NetworkInfo {
	return []types.NetworkInfo{
		{NetworkID: "n1", NetworkName: "free-net", NetworkType: types.NetworkTypePublic, ModelID: "llama-7b", RequiredTier: types.TierFree},
		{NetworkID: "n2", NetworkName: "pro-net", NetworkType: types.NetworkTypePrivate, ModelID: "llama-7b", RequiredTier: types.TierPro},
		{NetworkID: "n3", NetworkName: "ent-net", NetworkType: types.NetworkTypeEnterprise, ModelID: "mistral-7b", RequiredTier: types.TierEnt},
	}
}

func idsOf(networks []types.NetworkInfo) []string {
	var ids []string
	for _, n := range networks {
		ids = append(ids, n.NetworkID)
	}
	return ids
}

func TestFilterNetworksByTier(t *testing.T) {
	networks := testNetworks()

	tests := []struct {
		name     string
		tier     types.Tier
		expected []string
	}{
		{"free sees only free", types.TierFree, []string{"n1"}},
		{"pro sees free and pro", types.TierPro, []string{"n1", "n2"}},
		{"ent sees everything", types.TierEnt, []string{"n1", "n2", "n3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterNetworks(networks, tt.tier, nil, nil)
			assert.Equal(t, tt.expected, idsOf(got))
		})
	}
}

func TestFilterNetworksByModelAndType(t *testing.T) {
	networks := testNetworks()

	got := FilterNetworks(networks, types.TierEnt, []string{"mistral-7b"}, nil)
	assert.Equal(t, []string{"n3"}, idsOf(got))

	got = FilterNetworks(networks, types.TierEnt, nil, []types.NetworkType{types.NetworkTypePublic})
	assert.Equal(t, []string{"n1"}, idsOf(got))

	got = FilterNetworks(networks, types.TierEnt, []string{"other-model"}, nil)
	assert.Empty(t, got)
}

func TestObserveAndPrune(t *testing.T) {
	s := NewService(Config{NodeID: "node-1", Tier: types.TierPro}, nil)

	s.Observe(types.NetworkInfo{NetworkID: "n1", NetworkName: "a"})
	s.Observe(types.NetworkInfo{NetworkID: "n2", NetworkName: "b"})
	assert.Len(t, s.Discovered(), 2)

	n, ok := s.Lookup("n1")
	assert.True(t, ok)
	assert.Equal(t, "a", n.NetworkName)

	// Age n1 beyond the prune window, refresh n2 via heartbeat.
	s.mu.Lock()
	s.discovered["n1"].LastSeen = time.Now().Add(-2 * pruneAfter)
	s.mu.Unlock()
	s.refresh([]string{"n2"})

	s.prune()
	assert.Len(t, s.Discovered(), 1)
	_, ok = s.Lookup("n1")
	assert.False(t, ok)
}

// staticSource is a fixed NetworkSource for tests
type staticSource struct {
	networks []types.NetworkInfo
}

func (s *staticSource) ManagedNetworks() []types.NetworkInfo {
	return s.networks
}

func TestSetSourceWiresLocalNetworks(t *testing.T) {
	s := NewService(Config{NodeID: "node-1", Tier: types.TierPro}, nil)

	// Without a source the service has nothing to advertise.
	assert.Nil(t, s.LocalNetworks())

	source := &staticSource{networks: testNetworks()}
	s.SetSource(source)

	local := s.LocalNetworks()
	assert.Len(t, local, 3)

	// respond() serves requesters from the wired source (filtered);
	// a nil destination keeps the reply off the wire in tests.
	s.respond(&Message{
		Type:          TypeDiscoveryRequest,
		SenderID:      "peer",
		RequesterTier: types.TierFree,
	}, nil)
}

func TestShutdownMessageRemovesNetworks(t *testing.T) {
	s := NewService(Config{NodeID: "node-1"}, nil)
	s.Observe(types.NetworkInfo{NetworkID: "n1"})

	s.handle(&Message{Type: TypeNetworkShutdown, SenderID: "node-2", NetworkIDs: []string{"n1"}}, nil)
	assert.Empty(t, s.Discovered())
}
