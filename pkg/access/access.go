// Package access is the role/permission/feature/quota decision engine.
// Every license-gated action funnels through Manager.Check; positive
// decisions are cached for five minutes and every decision lands in a
// bounded audit log.
package access

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/tiktrue/platform/pkg/license"
	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/metrics"
	"github.com/tiktrue/platform/pkg/types"
)

const (
	cacheTTL     = 5 * time.Minute
	cacheSize    = 4096
	auditLogSize = 10000
)

// Result is the outcome of one access decision
type Result struct {
	Granted        bool
	Reason         string
	EffectiveLevel AccessLevel
	Restrictions   []string
	ExpiresAt      time.Time
}

// AuditEntry records one decision for the audit trail
type AuditEntry struct {
	Timestamp    time.Time    `json:"timestamp"`
	UserID       string       `json:"user_id"`
	Username     string       `json:"username"`
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id"`
	AccessLevel  AccessLevel  `json:"access_level"`
	Granted      bool         `json:"granted"`
	Reason       string       `json:"reason"`
	ClientIP     string       `json:"client_ip,omitempty"`
	UserAgent    string       `json:"user_agent,omitempty"`
}

// EventSink receives decisions that must reach the durable event log:
// every denial plus ADMIN/OWNER grants.
type EventSink interface {
	RecordAccessDecision(entry AuditEntry)
}

// Manager evaluates access requests against the active license
type Manager struct {
	enforcer *license.Enforcer
	quotas   *quotaStore
	cache    *expirable.LRU[string, Result]
	sink     EventSink
	logger   zerolog.Logger

	auditMu  sync.Mutex
	audit    []AuditEntry
	auditPos int
}

// NewManager creates the decision engine. dataDir hosts the quota
// snapshot; sink may be nil.
func NewManager(enforcer *license.Enforcer, dataDir string, sink EventSink) (*Manager, error) {
	quotas, err := newQuotaStore(dataDir, enforcer.Tier(), time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize quotas: %w", err)
	}

	return &Manager{
		enforcer: enforcer,
		quotas:   quotas,
		cache:    expirable.NewLRU[string, Result](cacheSize, nil, cacheTTL),
		sink:     sink,
		logger:   log.WithComponent("access"),
		audit:    make([]AuditEntry, 0, auditLogSize),
	}, nil
}

// Check runs the decision ladder: active account, feature entitlement,
// role level, specific permission, then quota. The first failing gate is
// reported; later gates are not evaluated.
func (m *Manager) Check(user *types.User, resource ResourceType, resourceID string, level AccessLevel, clientIP, userAgent string) Result {
	now := time.Now()

	cacheKey := strings.Join([]string{user.UserID, string(resource), resourceID, string(level)}, "|")
	if cached, ok := m.cache.Get(cacheKey); ok {
		metrics.AccessCacheHits.Inc()
		return cached
	}

	result := m.decide(user, resource, level, now)
	m.record(user, resource, resourceID, level, result, clientIP, userAgent, now)

	if result.Granted {
		result.ExpiresAt = now.Add(cacheTTL)
		m.cache.Add(cacheKey, result)
	}

	outcome := "denied"
	if result.Granted {
		outcome = "granted"
	}
	metrics.AccessDecisions.WithLabelValues(string(resource), outcome).Inc()

	return result
}

func (m *Manager) decide(user *types.User, resource ResourceType, level AccessLevel, now time.Time) Result {
	if !user.IsActive {
		return Result{Granted: false, Reason: "account inactive", EffectiveLevel: LevelNone}
	}

	if r := m.checkFeatures(resource, level); !r.Granted {
		return r
	}

	roleResult := m.checkRoles(user, resource, level)
	if !roleResult.Granted {
		return roleResult
	}

	if r := m.checkPermissions(user, resource, level); !r.Granted {
		r.EffectiveLevel = roleResult.EffectiveLevel
		return r
	}

	if r := m.checkQuota(resource, level, now); !r.Granted {
		r.EffectiveLevel = roleResult.EffectiveLevel
		return r
	}

	return Result{
		Granted:        true,
		Reason:         roleResult.Reason,
		EffectiveLevel: roleResult.EffectiveLevel,
	}
}

// checkFeatures verifies the license tier carries every feature the
// request needs.
func (m *Manager) checkFeatures(resource ResourceType, level AccessLevel) Result {
	required := requiredFeatures(resource, level)
	if len(required) == 0 {
		return Result{Granted: true, Reason: "no feature requirement"}
	}

	if m.enforcer.Check() != nil {
		// No valid license: only basic read access to networks and models.
		if (resource == ResourceNetwork || resource == ResourceModel) && level == LevelRead {
			return Result{Granted: true, Reason: "basic feature access"}
		}
		return Result{
			Granted:      false,
			Reason:       "feature requires valid license",
			Restrictions: []string{"license required for this feature"},
		}
	}

	available := license.TierFeatures(m.enforcer.Tier())
	var missing []string
	for _, f := range required {
		if !available[f] {
			missing = append(missing, f)
		}
	}

	if len(missing) > 0 {
		return Result{
			Granted:      false,
			Reason:       fmt.Sprintf("license tier does not support required features: %s", strings.Join(missing, ", ")),
			Restrictions: []string{fmt.Sprintf("upgrade to access: %s", strings.Join(missing, ", "))},
		}
	}

	return Result{Granted: true, Reason: fmt.Sprintf("feature access granted (%s)", strings.Join(required, ", "))}
}

// checkRoles computes the effective level as the max over the user's
// roles and compares it against the request.
func (m *Manager) checkRoles(user *types.User, resource ResourceType, level AccessLevel) Result {
	effective := LevelNone
	for _, role := range user.Roles {
		if roleLevel, ok := roleResourceLevels[role][resource]; ok {
			if Compare(roleLevel, effective) > 0 {
				effective = roleLevel
			}
		}
	}

	if Compare(effective, level) >= 0 {
		return Result{
			Granted:        true,
			Reason:         fmt.Sprintf("role-based access granted (level: %s)", effective),
			EffectiveLevel: effective,
		}
	}

	return Result{
		Granted:        false,
		Reason:         fmt.Sprintf("insufficient role permissions (required: %s, available: %s)", level, effective),
		EffectiveLevel: effective,
		Restrictions:   []string{fmt.Sprintf("role with %s access required", level)},
	}
}

// checkPermissions enforces the specific-permission table for pairs it
// lists; everything else passes.
func (m *Manager) checkPermissions(user *types.User, resource ResourceType, level AccessLevel) Result {
	required, ok := permissionMap[permKey{resource, level}]
	if !ok {
		return Result{Granted: true, Reason: "no specific permission required"}
	}

	if user.HasPermission(required) {
		return Result{Granted: true, Reason: fmt.Sprintf("specific permission granted: %s", required)}
	}

	return Result{
		Granted:      false,
		Reason:       fmt.Sprintf("missing required permission: %s", required),
		Restrictions: []string{fmt.Sprintf("permission required: %s", required)},
	}
}

// checkQuota applies only to WRITE/ADMIN requests on quota-gated
// resources; it observes but does not consume.
func (m *Manager) checkQuota(resource ResourceType, level AccessLevel, now time.Time) Result {
	if level != LevelWrite && level != LevelAdmin {
		return Result{Granted: true, Reason: "read access - no quota check needed"}
	}

	name := quotaName(resource)
	if name == "" {
		return Result{Granted: true, Reason: "no quota defined for resource type"}
	}

	m.quotas.adoptTier(m.enforcer.Tier(), now)
	ok, reason := m.quotas.available(name, now)
	if !ok {
		return Result{
			Granted:      false,
			Reason:       reason,
			Restrictions: []string{fmt.Sprintf("quota limit reached for %s", resource)},
		}
	}
	return Result{Granted: true, Reason: reason}
}

// ConsumeQuota atomically reserves quota for a resource
func (m *Manager) ConsumeQuota(resource ResourceType, count int, sizeMB int64) bool {
	name := quotaName(resource)
	if name == "" {
		return true
	}
	m.quotas.adoptTier(m.enforcer.Tier(), time.Now())
	ok := m.quotas.consume(name, count, sizeMB, time.Now())
	if !ok {
		metrics.QuotaRejections.WithLabelValues(name).Inc()
	}
	return ok
}

// ReleaseQuota returns previously consumed quota, clamping at zero
func (m *Manager) ReleaseQuota(resource ResourceType, count int, sizeMB int64) bool {
	name := quotaName(resource)
	if name == "" {
		return false
	}
	return m.quotas.release(name, count, sizeMB)
}

// HasFeature reports whether the current license tier enables a feature
func (m *Manager) HasFeature(feature string) bool {
	if m.enforcer.Check() != nil {
		return false
	}
	return license.HasFeature(m.enforcer.Tier(), feature)
}

// AvailableFeatures returns the sorted feature tags of the current tier
func (m *Manager) AvailableFeatures() []string {
	if m.enforcer.Check() != nil {
		return nil
	}
	features := license.TierFeatures(m.enforcer.Tier())
	out := make([]string, 0, len(features))
	for f := range features {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Quotas returns a copy of the current quota table
func (m *Manager) Quotas() map[string]ResourceQuota {
	return m.quotas.snapshot()
}

// UserAccessSummary reports, per resource type, the user's effective
// level and whether the license allows the common operations on it.
func (m *Manager) UserAccessSummary(user *types.User) map[ResourceType]map[string]interface{} {
	resources := []ResourceType{
		ResourceNetwork, ResourceWorker, ResourceModel, ResourceAPIEndpoint,
		ResourceSystemConfig, ResourceUserData, ResourceLicense, ResourceBackup, ResourceMonitoring,
	}

	summary := make(map[ResourceType]map[string]interface{}, len(resources))
	for _, resource := range resources {
		effective := LevelNone
		for _, role := range user.Roles {
			if roleLevel, ok := roleResourceLevels[role][resource]; ok && Compare(roleLevel, effective) > 0 {
				effective = roleLevel
			}
		}
		summary[resource] = map[string]interface{}{
			"effective_level": effective,
			"can_read":        m.decide(user, resource, LevelRead, time.Now()).Granted,
			"can_write":       m.decide(user, resource, LevelWrite, time.Now()).Granted,
		}
	}
	return summary
}

// record appends to the audit ring and forwards notable decisions to
// the durable sink.
func (m *Manager) record(user *types.User, resource ResourceType, resourceID string, level AccessLevel, result Result, clientIP, userAgent string, now time.Time) {
	entry := AuditEntry{
		Timestamp:    now,
		UserID:       user.UserID,
		Username:     user.Username,
		ResourceType: resource,
		ResourceID:   resourceID,
		AccessLevel:  level,
		Granted:      result.Granted,
		Reason:       result.Reason,
		ClientIP:     clientIP,
		UserAgent:    userAgent,
	}

	m.auditMu.Lock()
	if len(m.audit) < auditLogSize {
		m.audit = append(m.audit, entry)
	} else {
		m.audit[m.auditPos] = entry
		m.auditPos = (m.auditPos + 1) % auditLogSize
	}
	m.auditMu.Unlock()

	if m.sink != nil && (!result.Granted || level == LevelAdmin || level == LevelOwner) {
		m.sink.RecordAccessDecision(entry)
	}

	if !result.Granted {
		m.logger.Debug().
			Str("user_id", user.UserID).
			Str("resource_type", string(resource)).
			Str("access_level", string(level)).
			Str("reason", result.Reason).
			Msg("Access denied")
	}
}

// AccessLog returns up to limit most recent entries, optionally filtered
// by user id.
func (m *Manager) AccessLog(limit int, userID string) []AuditEntry {
	m.auditMu.Lock()
	defer m.auditMu.Unlock()

	// Reassemble chronological order from the ring.
	ordered := make([]AuditEntry, 0, len(m.audit))
	if len(m.audit) == auditLogSize {
		ordered = append(ordered, m.audit[m.auditPos:]...)
		ordered = append(ordered, m.audit[:m.auditPos]...)
	} else {
		ordered = append(ordered, m.audit...)
	}

	var out []AuditEntry
	for i := len(ordered) - 1; i >= 0 && len(out) < limit; i-- {
		if userID != "" && ordered[i].UserID != userID {
			continue
		}
		out = append(out, ordered[i])
	}
	return out
}

// ClearCache drops all cached decisions, forcing re-evaluation
func (m *Manager) ClearCache() {
	m.cache.Purge()
}
