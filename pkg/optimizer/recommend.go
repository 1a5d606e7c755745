package optimizer

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/tiktrue/platform/pkg/types"
)

// Recommendation is one optimization suggestion, priority 1-10 with 10
// most urgent.
type Recommendation struct {
	ID                  string   `json:"id"`
	Strategy            string   `json:"strategy"`
	Action              string   `json:"action"`
	TargetResources     []string `json:"target_resources"`
	ExpectedImprovement string   `json:"expected_improvement"`
	ImplementationCost  string   `json:"implementation_cost"`
	Priority            int      `json:"priority"`
	LicenseRequirements []string `json:"license_requirements,omitempty"`
	Description         string   `json:"description"`
	EstimatedSavings    string   `json:"estimated_savings,omitempty"`
}

// Recommend derives suggestions from the latest analysis and worker
// fleet, sorted by priority descending.
func Recommend(analysis *Analysis, workers []*types.WorkerInfo, tier types.Tier) []Recommendation {
	var out []Recommendation

	if analysis != nil {
		switch analysis.Pattern {
		case PatternGrowing:
			rec := Recommendation{
				ID:                  uuid.New().String(),
				Strategy:            "capacity",
				Action:              "add_workers",
				TargetResources:     []string{"workers"},
				ExpectedImprovement: "absorbs projected load growth",
				ImplementationCost:  "medium",
				Priority:            8,
				Description:         fmt.Sprintf("workload growing (confidence %.1f); add capacity before saturation", analysis.Confidence),
			}
			if tier == types.TierFree {
				rec.Strategy = "tier"
				rec.Action = "upgrade_tier"
				rec.LicenseRequirements = []string{"multi_network"}
				rec.Description = "workload growing beyond FREE tier worker quota; upgrade to PRO"
				rec.Priority = 9
			}
			out = append(out, rec)

		case PatternDeclining:
			out = append(out, Recommendation{
				ID:                  uuid.New().String(),
				Strategy:            "cost",
				Action:              "scale_down",
				TargetResources:     []string{"workers"},
				ExpectedImprovement: "reduced idle capacity",
				ImplementationCost:  "low",
				Priority:            5,
				Description:         "workload declining; excess capacity can be released",
				EstimatedSavings:    "proportional to idle worker count",
			})

		case PatternBursty:
			out = append(out, Recommendation{
				ID:                  uuid.New().String(),
				Strategy:            "performance",
				Action:              "enable_load_balancing",
				TargetResources:     []string{"workers", "networks"},
				ExpectedImprovement: "smoother burst absorption",
				ImplementationCost:  "low",
				Priority:            7,
				Description:         fmt.Sprintf("bursty workload (cv %.2f); dynamic balancing evens spikes", analysis.CV),
			})
		}
	}

	// Fleet-shape suggestions.
	var overloaded, idle int
	for _, w := range workers {
		switch {
		case w.Utilization() > 0.85:
			overloaded++
		case w.Utilization() < 0.15:
			idle++
		}
	}
	if overloaded > 0 {
		out = append(out, Recommendation{
			ID:                  uuid.New().String(),
			Strategy:            "performance",
			Action:              "rebalance_load",
			TargetResources:     []string{"workers"},
			ExpectedImprovement: fmt.Sprintf("relieves %d overloaded workers", overloaded),
			ImplementationCost:  "low",
			Priority:            8,
			Description:         "sustained high utilization detected on part of the fleet",
		})
	}
	if idle > 1 {
		out = append(out, Recommendation{
			ID:                  uuid.New().String(),
			Strategy:            "cost",
			Action:              "consolidate_workers",
			TargetResources:     []string{"workers"},
			ExpectedImprovement: "fewer underutilized nodes",
			ImplementationCost:  "medium",
			Priority:            4,
			Description:         fmt.Sprintf("%d workers under 15%% utilization", idle),
			EstimatedSavings:    fmt.Sprintf("up to %d worker slots", idle-1),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}
