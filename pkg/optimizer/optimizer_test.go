package optimizer

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiktrue/platform/pkg/errdefs"
	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func samplesFromLoads(loads []float64) []Sample {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Sample, len(loads))
	for i, l := range loads {
		out[i] = Sample{Timestamp: base.Add(time.Duration(i) * time.Minute), Load: l}
	}
	return out
}

func TestAnalyzeRequiresTenSamples(t *testing.T) {
	_, err := AnalyzeWorkload(samplesFromLoads([]float64{1, 2, 3}))
	assert.ErrorIs(t, err, errdefs.ErrResource)
}

func TestAnalyzeSteady(t *testing.T) {
	loads := []float64{50, 51, 49, 50, 50, 51, 49, 50, 51, 50, 49, 50}
	a, err := AnalyzeWorkload(samplesFromLoads(loads))
	require.NoError(t, err)

	assert.Equal(t, PatternSteady, a.Pattern)
	assert.InDelta(t, 0.9, a.Confidence, 0.001)
	assert.Equal(t, "stable", a.Trend)
	assert.InDelta(t, 50, a.Mean, 0.2)
	assert.Less(t, a.CV, 0.2)
}

func TestAnalyzeGrowing(t *testing.T) {
	loads := []float64{10, 12, 14, 16, 18, 40, 44, 48, 52, 56}
	a, err := AnalyzeWorkload(samplesFromLoads(loads))
	require.NoError(t, err)

	assert.Equal(t, PatternGrowing, a.Pattern)
	assert.InDelta(t, 0.8, a.Confidence, 0.001)
	assert.Equal(t, "increasing", a.Trend)
	assert.Greater(t, a.Correlation, 0.3)
}

func TestAnalyzeDeclining(t *testing.T) {
	loads := []float64{60, 55, 50, 48, 45, 20, 18, 15, 12, 10}
	a, err := AnalyzeWorkload(samplesFromLoads(loads))
	require.NoError(t, err)

	assert.Equal(t, PatternDeclining, a.Pattern)
	assert.Equal(t, "decreasing", a.Trend)
}

func TestAnalyzeBursty(t *testing.T) {
	loads := []float64{5, 100, 4, 4, 90, 5, 6, 95, 5, 5, 110, 4}
	a, err := AnalyzeWorkload(samplesFromLoads(loads))
	require.NoError(t, err)

	assert.Equal(t, PatternBursty, a.Pattern)
	assert.Greater(t, a.CV, 0.8)
}

func TestPeakHours(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var samples []Sample
	// Hours 0-22 at load 10; hour 23 at load 100.
	for h := 0; h < 24; h++ {
		load := 10.0
		if h == 23 {
			load = 100
		}
		samples = append(samples, Sample{Timestamp: base.Add(time.Duration(h) * time.Hour), Load: load})
	}

	a, err := AnalyzeWorkload(samples)
	require.NoError(t, err)
	assert.Equal(t, []int{23}, a.PeakHours)
}

func testWorkers() []*types.WorkerInfo {
	now := time.Now()
	return []*types.WorkerInfo{
		{NodeID: "hot", Capacity: 100, CurrentLoad: 90, LastHeartbeat: now, LicenseTier: types.TierPro, PerformanceScore: 0.5},
		{NodeID: "cool", Capacity: 100, CurrentLoad: 10, LastHeartbeat: now, LicenseTier: types.TierPro, PerformanceScore: 0.9},
		{NodeID: "warm", Capacity: 100, CurrentLoad: 35, LastHeartbeat: now, LicenseTier: types.TierEnt, PerformanceScore: 0.7},
	}
}

func TestPlanRebalanceNeedsTwoWorkers(t *testing.T) {
	_, err := PlanRebalance([]*types.WorkerInfo{testWorkers()[0]}, StrategyBalanced)
	assert.ErrorIs(t, err, errdefs.ErrResource)
}

func TestPlanRebalanceWithinThreshold(t *testing.T) {
	now := time.Now()
	workers := []*types.WorkerInfo{
		{NodeID: "a", Capacity: 100, CurrentLoad: 50, LastHeartbeat: now},
		{NodeID: "b", Capacity: 100, CurrentLoad: 60, LastHeartbeat: now},
	}
	plan, err := PlanRebalance(workers, StrategyBalanced)
	require.NoError(t, err)
	assert.Empty(t, plan.Moves)
}

func TestPlanRebalanceBalanced(t *testing.T) {
	plan, err := PlanRebalance(testWorkers(), StrategyBalanced)
	require.NoError(t, err)
	require.NotEmpty(t, plan.Moves)

	move := plan.Moves[0]
	assert.Equal(t, "hot", move.SourceID)
	assert.Greater(t, move.Amount, 0.0)
}

func TestPlanRebalancePerformanceTargetsBest(t *testing.T) {
	plan, err := PlanRebalance(testWorkers(), StrategyPerformance)
	require.NoError(t, err)
	require.NotEmpty(t, plan.Moves)
	assert.Equal(t, "cool", plan.Moves[0].TargetID) // highest performance score
}

func TestPlanRebalanceLicenseAware(t *testing.T) {
	now := time.Now()
	workers := []*types.WorkerInfo{
		{NodeID: "ent-hot", Capacity: 100, CurrentLoad: 95, LastHeartbeat: now, LicenseTier: types.TierEnt},
		{NodeID: "free-cool", Capacity: 100, CurrentLoad: 5, LastHeartbeat: now, LicenseTier: types.TierFree},
		{NodeID: "ent-cool", Capacity: 100, CurrentLoad: 20, LastHeartbeat: now, LicenseTier: types.TierEnt},
	}

	plan, err := PlanRebalance(workers, StrategyLicenseAware)
	require.NoError(t, err)
	require.NotEmpty(t, plan.Moves)

	// Load from an ENT source may only land on an ENT target.
	for _, move := range plan.Moves {
		assert.Equal(t, "ent-cool", move.TargetID)
	}
}

func TestApplyMoveClamps(t *testing.T) {
	source := &types.WorkerInfo{NodeID: "s", Capacity: 100, CurrentLoad: 10}
	target := &types.WorkerInfo{NodeID: "t", Capacity: 100, CurrentLoad: 95}

	ApplyMove(source, target, 20)
	assert.Equal(t, 0.0, source.CurrentLoad)
	assert.Equal(t, 100.0, target.CurrentLoad)
}

func TestRecommendationsSorted(t *testing.T) {
	loads := []float64{10, 12, 14, 16, 18, 40, 44, 48, 52, 56}
	analysis, err := AnalyzeWorkload(samplesFromLoads(loads))
	require.NoError(t, err)

	now := time.Now()
	workers := []*types.WorkerInfo{
		{NodeID: "w1", Capacity: 100, CurrentLoad: 90, LastHeartbeat: now},
		{NodeID: "w2", Capacity: 100, CurrentLoad: 5, LastHeartbeat: now},
		{NodeID: "w3", Capacity: 100, CurrentLoad: 5, LastHeartbeat: now},
	}

	recs := Recommend(analysis, workers, types.TierFree)
	require.NotEmpty(t, recs)
	for i := 1; i < len(recs); i++ {
		assert.GreaterOrEqual(t, recs[i-1].Priority, recs[i].Priority)
	}

	// FREE tier with growing workload gets a tier upgrade suggestion.
	assert.Equal(t, "upgrade_tier", recs[0].Action)
}

func TestCollectorWindow(t *testing.T) {
	c := NewCollector(time.Hour, func() (float64, int) { return 42, 7 })
	for i := 0; i < 15; i++ {
		c.Add(Sample{Timestamp: time.Now(), Load: float64(i)})
	}

	window := c.Window()
	assert.Len(t, window, 15)

	a, err := c.Analyze()
	require.NoError(t, err)
	assert.Equal(t, 15, a.Samples)
}
