package configsync

import (
	"sort"

	"github.com/tiktrue/platform/pkg/types"
)

// Strategy is a deterministic rule for picking a winner among
// competing configuration changes.
type Strategy string

const (
	TimestampWins    Strategy = "timestamp_wins"
	VersionWins      Strategy = "version_wins"
	LicensePriority  Strategy = "license_priority"
	ConsensusVote    Strategy = "consensus_vote"
	ManualResolution Strategy = "manual_resolution"
)

// Resolve picks the winning change for a conflict, or nil when the
// strategy defers to manual resolution.
func Resolve(conflict *Conflict) *Change {
	if len(conflict.Changes) == 0 {
		return nil
	}

	switch conflict.Strategy {
	case TimestampWins:
		return maxBy(conflict.Changes, func(a, b *Change) bool {
			return a.Item.Timestamp.Before(b.Item.Timestamp)
		})

	case VersionWins:
		return maxBy(conflict.Changes, func(a, b *Change) bool {
			return a.Item.Version < b.Item.Version
		})

	case LicensePriority:
		return maxBy(conflict.Changes, func(a, b *Change) bool {
			ta, tb := types.Tier(a.AuthorTier), types.Tier(b.AuthorTier)
			if cmp := ta.Compare(tb); cmp != 0 {
				return cmp < 0
			}
			// Ties break by timestamp.
			return a.Item.Timestamp.Before(b.Item.Timestamp)
		})

	case ConsensusVote:
		return resolveByConsensus(conflict.Changes)

	default:
		// Manual resolution: leave the conflict open.
		return nil
	}
}

// maxBy returns the change for which no other compares greater under
// less. Iteration over the slice keeps selection deterministic.
func maxBy(changes []Change, less func(a, b *Change) bool) *Change {
	best := &changes[0]
	for i := 1; i < len(changes); i++ {
		if less(best, &changes[i]) {
			best = &changes[i]
		}
	}
	return best
}

// resolveByConsensus buckets changes by canonicalized value, picks the
// bucket with the most votes and within it the most recent change.
// Bucket-count ties break by canonical value order so every node picks
// the same winner.
func resolveByConsensus(changes []Change) *Change {
	buckets := make(map[string][]*Change)
	for i := range changes {
		key := changes[i].Item.Value.Canonical()
		buckets[key] = append(buckets[key], &changes[i])
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var winner []*Change
	for _, k := range keys {
		if len(buckets[k]) > len(winner) {
			winner = buckets[k]
		}
	}

	best := winner[0]
	for _, c := range winner[1:] {
		if best.Item.Timestamp.Before(c.Item.Timestamp) {
			best = c
		}
	}
	return best
}
