package access

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tiktrue/platform/pkg/types"
)

// ResourceQuota tracks one windowed allowance. MaxCount -1 means
// unlimited; MaxSizeMB 0 means the size dimension is not tracked.
type ResourceQuota struct {
	ResourceType     string    `json:"resource_type"`
	MaxCount         int       `json:"max_count"`
	MaxSizeMB        int64     `json:"max_size_mb,omitempty"`
	ResetPeriodHours int       `json:"reset_period_hours"`
	CurrentCount     int       `json:"current_count"`
	CurrentSizeMB    int64     `json:"current_size_mb"`
	LastReset        time.Time `json:"last_reset"`
}

// Unlimited reports whether the count dimension is uncapped
func (q *ResourceQuota) Unlimited() bool {
	return q.MaxCount == -1
}

// quotaStore owns all quotas for the node and persists them as a JSON
// snapshot under the data dir.
type quotaStore struct {
	mu     sync.Mutex
	path   string
	tier   types.Tier
	quotas map[string]*ResourceQuota
}

// adoptTier rebuilds the quota limits for a new tier, preserving the
// consumed counters. Called when the license changes after startup.
func (qs *quotaStore) adoptTier(tier types.Tier, now time.Time) {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	if qs.tier == tier {
		return
	}

	fresh := defaultQuotas(tier, now)
	for name, q := range fresh {
		if old, ok := qs.quotas[name]; ok {
			q.CurrentCount = old.CurrentCount
			q.CurrentSizeMB = old.CurrentSizeMB
			q.LastReset = old.LastReset
		}
	}
	qs.tier = tier
	qs.quotas = fresh
	qs.saveLocked()
}

// defaultQuotas builds the tier's quota table
func defaultQuotas(tier types.Tier, now time.Time) map[string]*ResourceQuota {
	mk := func(name string, maxCount int, maxSizeMB int64, resetHours int) *ResourceQuota {
		return &ResourceQuota{
			ResourceType:     name,
			MaxCount:         maxCount,
			MaxSizeMB:        maxSizeMB,
			ResetPeriodHours: resetHours,
			LastReset:        now,
		}
	}

	switch tier {
	case types.TierEnt:
		return map[string]*ResourceQuota{
			"networks":  mk("networks", -1, 0, 24),
			"workers":   mk("workers", -1, 0, 24),
			"models":    mk("models", -1, 0, 24),
			"api_calls": mk("api_calls", -1, 0, 24),
		}
	case types.TierPro:
		return map[string]*ResourceQuota{
			"networks":  mk("networks", 5, 0, 24),
			"workers":   mk("workers", 20, 0, 24),
			"models":    mk("models", 10, 10240, 24),
			"api_calls": mk("api_calls", 10000, 0, 24),
		}
	default:
		return map[string]*ResourceQuota{
			"networks":  mk("networks", 1, 0, 24),
			"workers":   mk("workers", 3, 0, 24),
			"models":    mk("models", 3, 2048, 24),
			"api_calls": mk("api_calls", 1000, 0, 24),
		}
	}
}

// newQuotaStore loads the persisted snapshot when present, otherwise
// initializes the tier defaults.
func newQuotaStore(dataDir string, tier types.Tier, now time.Time) (*quotaStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	qs := &quotaStore{
		path:   filepath.Join(dataDir, "resource_quotas.json"),
		tier:   tier,
		quotas: defaultQuotas(tier, now),
	}

	data, err := os.ReadFile(qs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return qs, qs.saveLocked()
		}
		return nil, fmt.Errorf("failed to read quota snapshot: %w", err)
	}

	var persisted map[string]*ResourceQuota
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("failed to parse quota snapshot: %w", err)
	}

	// Limits always come from the current tier; only consumed counters
	// survive a restart.
	for name, q := range qs.quotas {
		if old, ok := persisted[name]; ok {
			q.CurrentCount = old.CurrentCount
			q.CurrentSizeMB = old.CurrentSizeMB
			if !old.LastReset.IsZero() {
				q.LastReset = old.LastReset
			}
		}
	}

	return qs, nil
}

func (qs *quotaStore) saveLocked() error {
	data, err := json.MarshalIndent(qs.quotas, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal quotas: %w", err)
	}

	tmp := qs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write quota snapshot: %w", err)
	}
	if err := os.Rename(tmp, qs.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace quota snapshot: %w", err)
	}
	return nil
}

// resetIfDue zeroes the counters when the reset window has elapsed.
// Caller holds the lock.
func (qs *quotaStore) resetIfDue(q *ResourceQuota, now time.Time) bool {
	if now.Sub(q.LastReset) < time.Duration(q.ResetPeriodHours)*time.Hour {
		return false
	}
	q.CurrentCount = 0
	q.CurrentSizeMB = 0
	q.LastReset = now
	return true
}

// consume atomically reserves count/size against a quota. Both
// dimensions are checked against projected totals before either counter
// moves.
func (qs *quotaStore) consume(name string, count int, sizeMB int64, now time.Time) bool {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	q, ok := qs.quotas[name]
	if !ok {
		return true
	}

	qs.resetIfDue(q, now)

	if !q.Unlimited() {
		if q.CurrentCount+count > q.MaxCount {
			return false
		}
		if q.MaxSizeMB > 0 && q.CurrentSizeMB+sizeMB > q.MaxSizeMB {
			return false
		}
	}

	q.CurrentCount += count
	q.CurrentSizeMB += sizeMB
	if err := qs.saveLocked(); err != nil {
		// Persistence failure does not roll back the reservation; the
		// snapshot catches up on the next successful save.
		return true
	}
	return true
}

// release returns count/size to a quota, clamping at zero
func (qs *quotaStore) release(name string, count int, sizeMB int64) bool {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	q, ok := qs.quotas[name]
	if !ok {
		return false
	}

	q.CurrentCount -= count
	if q.CurrentCount < 0 {
		q.CurrentCount = 0
	}
	q.CurrentSizeMB -= sizeMB
	if q.CurrentSizeMB < 0 {
		q.CurrentSizeMB = 0
	}

	qs.saveLocked()
	return true
}

// available reports whether one more unit fits without consuming it
func (qs *quotaStore) available(name string, now time.Time) (bool, string) {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	q, ok := qs.quotas[name]
	if !ok {
		return true, "no quota defined for resource type"
	}

	qs.resetIfDue(q, now)

	if q.Unlimited() {
		return true, "unlimited quota"
	}
	if q.CurrentCount >= q.MaxCount {
		return false, fmt.Sprintf("resource quota exceeded (%d/%d)", q.CurrentCount, q.MaxCount)
	}
	return true, "quota check passed"
}

// snapshot returns a copy of all quotas for reporting
func (qs *quotaStore) snapshot() map[string]ResourceQuota {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	out := make(map[string]ResourceQuota, len(qs.quotas))
	for name, q := range qs.quotas {
		out[name] = *q
	}
	return out
}
