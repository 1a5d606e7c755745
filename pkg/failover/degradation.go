package failover

import (
	"time"

	"github.com/tiktrue/platform/pkg/events"
	"github.com/tiktrue/platform/pkg/health"
)

// DegradationLevel is a rung on the graceful-degradation ladder
type DegradationLevel int

const (
	DegradationNone DegradationLevel = iota
	DegradationReducedQuality
	DegradationReducedCapacity
	DegradationEssentialOnly
	DegradationMaintenanceMode
)

func (l DegradationLevel) String() string {
	switch l {
	case DegradationNone:
		return "none"
	case DegradationReducedQuality:
		return "reduced_quality"
	case DegradationReducedCapacity:
		return "reduced_capacity"
	case DegradationEssentialOnly:
		return "essential_only"
	case DegradationMaintenanceMode:
		return "maintenance_mode"
	default:
		return "unknown"
	}
}

// DegradationTransition records one ladder move
type DegradationTransition struct {
	From      DegradationLevel `json:"from"`
	To        DegradationLevel `json:"to"`
	Reason    string           `json:"reason"`
	Timestamp time.Time        `json:"timestamp"`
}

// GracefulDegradation moves the node to the given level. Idempotent on
// the level: re-applying the current level records nothing.
func (m *Manager) GracefulDegradation(level DegradationLevel, reason string) {
	m.mu.Lock()
	if m.degradation == level {
		m.mu.Unlock()
		return
	}

	transition := DegradationTransition{
		From:      m.degradation,
		To:        level,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	m.degradation = level
	m.degradationHistory = append(m.degradationHistory, transition)
	m.mu.Unlock()

	m.logger.Warn().
		Str("from", transition.From.String()).
		Str("to", level.String()).
		Str("reason", reason).
		Msg("Degradation level changed")

	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:    events.EventDegradationChange,
			Message: reason,
			Metadata: map[string]string{
				"from": transition.From.String(),
				"to":   level.String(),
			},
		})
	}

	// Forward to the health monitor as an admin notification.
	if m.monitor != nil {
		severity := health.SeverityWarning
		switch {
		case level >= DegradationEssentialOnly:
			severity = health.SeverityCritical
		case level == DegradationNone:
			severity = health.SeverityInfo
		}
		m.monitor.Notify(health.Notification{
			Kind:      health.KindNode,
			TargetID:  "local",
			Severity:  severity,
			Message:   "degradation " + transition.From.String() + " -> " + level.String() + ": " + reason,
			Timestamp: transition.Timestamp,
		})
	}
}

// DegradationLevelNow returns the current rung
func (m *Manager) DegradationLevelNow() DegradationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degradation
}

// DegradationHistory returns the recorded transitions
func (m *Manager) DegradationHistory() []DegradationTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DegradationTransition(nil), m.degradationHistory...)
}
