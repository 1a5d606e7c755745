package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTierOrdering(t *testing.T) {
	assert.True(t, TierEnt.AtLeast(TierPro))
	assert.True(t, TierPro.AtLeast(TierFree))
	assert.True(t, TierFree.AtLeast(TierFree))
	assert.False(t, TierFree.AtLeast(TierPro))
	assert.False(t, TierPro.AtLeast(TierEnt))

	assert.Equal(t, -1, TierFree.Compare(TierEnt))
	assert.Equal(t, 1, TierEnt.Compare(TierPro))
	assert.Equal(t, 0, TierPro.Compare(TierPro))

	assert.True(t, TierPro.Valid())
	assert.False(t, Tier("GOLD").Valid())
}

func TestModelChainOrder(t *testing.T) {
	assert.Equal(t, 33, ModelChainOrder("llama-7b"))
	assert.Equal(t, 33, ModelChainOrder("Meta-LLaMA-3"))
	assert.Equal(t, 32, ModelChainOrder("mistral-7b-instruct"))
	assert.Equal(t, 24, ModelChainOrder("qwen-2.5"))
}

func TestWorkerActivity(t *testing.T) {
	now := time.Now()
	w := &WorkerInfo{LastHeartbeat: now.Add(-60 * time.Second)}
	assert.True(t, w.IsActive(now))

	w.LastHeartbeat = now.Add(-121 * time.Second)
	assert.False(t, w.IsActive(now))
}

func TestWorkerUtilization(t *testing.T) {
	w := &WorkerInfo{Capacity: 10, CurrentLoad: 5}
	assert.Equal(t, 0.5, w.Utilization())

	w.CurrentLoad = 15
	assert.Equal(t, 1.0, w.Utilization())

	w.Capacity = 0
	assert.Equal(t, 0.0, w.Utilization())
}

func TestNetworkCapacity(t *testing.T) {
	n := &NetworkInfo{MaxClients: 2, CurrentClients: 1}
	assert.True(t, n.HasCapacity())

	n.CurrentClients = 2
	assert.False(t, n.HasCapacity())

	n.MaxClients = -1
	assert.True(t, n.HasCapacity())
}

func TestLicenseAllowsModel(t *testing.T) {
	l := &License{}
	assert.True(t, l.AllowsModel("anything"))

	l.AllowedModels = []string{"llama-7b"}
	assert.True(t, l.AllowsModel("llama-7b"))
	assert.False(t, l.AllowsModel("mistral-7b"))
}
