package optimizer

import (
	"sort"
	"time"

	"github.com/tiktrue/platform/pkg/errdefs"
	"github.com/tiktrue/platform/pkg/types"
)

// BalanceStrategy selects how load is redistributed
type BalanceStrategy string

const (
	StrategyLicenseAware  BalanceStrategy = "license_aware"
	StrategyPerformance   BalanceStrategy = "performance"
	StrategyCostEfficient BalanceStrategy = "cost_efficient"
	StrategyBalanced      BalanceStrategy = "balanced"
)

// imbalanceThreshold is the normalized load spread that triggers a
// rebalance.
const imbalanceThreshold = 0.3

// Move shifts load from one worker to another
type Move struct {
	SourceID string  `json:"source_id"`
	TargetID string  `json:"target_id"`
	Amount   float64 `json:"amount"`
}

// Plan is the outcome of one rebalance computation
type Plan struct {
	Strategy  BalanceStrategy `json:"strategy"`
	Moves     []Move          `json:"moves"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

// PlanRebalance decides whether and how to shift load across the active
// workers. It needs at least two active workers and only acts when the
// normalized load spread exceeds the threshold.
func PlanRebalance(workers []*types.WorkerInfo, strategy BalanceStrategy) (*Plan, error) {
	now := time.Now()
	var active []*types.WorkerInfo
	for _, w := range workers {
		if w.IsActive(now) && w.Capacity > 0 {
			active = append(active, w)
		}
	}
	if len(active) < 2 {
		return nil, errdefs.Wrapf(errdefs.ErrResource,
			"rebalancing needs at least 2 active workers, have %d", len(active))
	}

	minU, maxU := active[0].Utilization(), active[0].Utilization()
	for _, w := range active[1:] {
		u := w.Utilization()
		if u < minU {
			minU = u
		}
		if u > maxU {
			maxU = u
		}
	}

	plan := &Plan{Strategy: strategy, CreatedAt: now.UTC()}
	if maxU-minU <= imbalanceThreshold {
		plan.Reason = "load spread within threshold"
		return plan, nil
	}

	// Sources are the overloaded half, targets the underloaded half.
	meanU := 0.0
	for _, w := range active {
		meanU += w.Utilization()
	}
	meanU /= float64(len(active))

	var sources, targets []*types.WorkerInfo
	for _, w := range active {
		if w.Utilization() > meanU {
			sources = append(sources, w)
		} else {
			targets = append(targets, w)
		}
	}
	if len(sources) == 0 || len(targets) == 0 {
		plan.Reason = "no viable source/target split"
		return plan, nil
	}

	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Utilization() > sources[j].Utilization()
	})

	plan.Reason = "load spread exceeds threshold"
	plan.Moves = planMoves(sources, targets, meanU, strategy)
	return plan, nil
}

func planMoves(sources, targets []*types.WorkerInfo, meanU float64, strategy BalanceStrategy) []Move {
	selectable := func(source *types.WorkerInfo) []*types.WorkerInfo {
		switch strategy {
		case StrategyLicenseAware:
			// Load only moves into a worker whose tier is at least the
			// source's; both sides considered in tier order.
			var ok []*types.WorkerInfo
			for _, t := range targets {
				if t.LicenseTier.AtLeast(source.LicenseTier) {
					ok = append(ok, t)
				}
			}
			sort.SliceStable(ok, func(i, j int) bool {
				return ok[i].LicenseTier.Compare(ok[j].LicenseTier) > 0
			})
			return ok

		case StrategyPerformance:
			// Single best performer takes everything.
			best := targets[0]
			for _, t := range targets[1:] {
				if t.PerformanceScore > best.PerformanceScore {
					best = t
				}
			}
			return []*types.WorkerInfo{best}

		case StrategyCostEfficient:
			var ok []*types.WorkerInfo
			for _, t := range targets {
				if t.Utilization() < 0.4 {
					ok = append(ok, t)
				}
			}
			if len(ok) == 0 {
				ok = targets
			}
			return ok

		default:
			return targets
		}
	}

	var moves []Move
	rr := 0
	for _, source := range sources {
		candidates := selectable(source)
		if len(candidates) == 0 {
			continue
		}

		// Shed the excess above the mean utilization.
		excess := (source.Utilization() - meanU) * source.Capacity
		if excess <= 0 {
			continue
		}

		target := candidates[rr%len(candidates)]
		rr++

		headroom := target.Capacity - target.CurrentLoad
		amount := excess
		if amount > headroom {
			amount = headroom
		}
		if amount <= 0 {
			continue
		}

		moves = append(moves, Move{
			SourceID: source.NodeID,
			TargetID: target.NodeID,
			Amount:   amount,
		})
	}
	return moves
}

// ApplyMove executes one move against the worker records, keeping
// current_load within [0, capacity] on both ends.
func ApplyMove(source, target *types.WorkerInfo, amount float64) {
	source.CurrentLoad -= amount
	if source.CurrentLoad < 0 {
		source.CurrentLoad = 0
	}

	target.CurrentLoad += amount
	if target.CurrentLoad > target.Capacity {
		target.CurrentLoad = target.Capacity
	}
}
