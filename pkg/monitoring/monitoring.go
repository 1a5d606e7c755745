package monitoring

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiktrue/platform/pkg/access"
	"github.com/tiktrue/platform/pkg/log"
)

const ringCapacity = 10000

// System is the monitoring facade: durable sqlite storage behind
// in-memory rings of the 10k most recent events and metrics.
type System struct {
	store      *store
	thresholds AlertThresholds
	logger     zerolog.Logger

	mu           sync.Mutex
	recentEvents *ring[Event]
	recentMetric *ring[Metric]
	alertState   map[string]bool // resource -> currently above threshold
}

// NewSystem opens (or creates) the monitoring database under dataDir
func NewSystem(dataDir string, thresholds AlertThresholds) (*System, error) {
	st, err := openStore(dataDir)
	if err != nil {
		return nil, err
	}

	return &System{
		store:        st,
		thresholds:   thresholds,
		logger:       log.WithComponent("monitoring"),
		recentEvents: newRing[Event](ringCapacity),
		recentMetric: newRing[Metric](ringCapacity),
		alertState:   make(map[string]bool),
	}, nil
}

// Close flushes and closes the database
func (s *System) Close() error {
	return s.store.close()
}

// RecordEvent appends an event to the ring and the durable store
func (s *System) RecordEvent(e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if err := s.store.insertEvent(&e); err != nil {
		s.logger.Error().Err(err).Str("event_type", string(e.Type)).Msg("Failed to persist event")
		return err
	}

	s.mu.Lock()
	s.recentEvents.add(e)
	s.mu.Unlock()
	return nil
}

// RecordMetric appends a performance metric sample
func (s *System) RecordMetric(m Metric) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	if err := s.store.insertMetric(&m); err != nil {
		return err
	}

	s.mu.Lock()
	s.recentMetric.add(m)
	s.mu.Unlock()
	return nil
}

// RecordResourceUsage stores a host sample and emits WARNING resource
// alerts when a threshold is crossed upward.
func (s *System) RecordResourceUsage(u ResourceUsage) error {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}

	if err := s.store.insertResourceUsage(&u); err != nil {
		return err
	}

	s.checkThreshold("cpu", u.CPUPercent, s.thresholds.CPU)
	s.checkThreshold("memory", u.MemoryPercent, s.thresholds.Memory)
	s.checkThreshold("disk", u.DiskPercent, s.thresholds.Disk)
	s.checkThreshold("gpu", u.GPUPercent, s.thresholds.GPU)
	return nil
}

// checkThreshold emits one alert per upward crossing; recovery re-arms
// the alert.
func (s *System) checkThreshold(resource string, value, threshold float64) {
	s.mu.Lock()
	above := value > threshold
	wasAbove := s.alertState[resource]
	s.alertState[resource] = above
	s.mu.Unlock()

	if above && !wasAbove {
		s.RecordEvent(Event{
			Type:     EventResourceAlert,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%s usage %.1f%% exceeds threshold %.1f%%", resource, value, threshold),
			Details:  map[string]string{"resource": resource},
		})
	}
}

// RecordLicenseUsage stores one license-gated action
func (s *System) RecordLicenseUsage(u LicenseUsage) error {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}
	return s.store.insertLicenseUsage(&u)
}

// RecordAccessDecision implements access.EventSink: denials and
// admin-level grants land in the durable event log.
func (s *System) RecordAccessDecision(entry access.AuditEntry) {
	severity := SeverityInfo
	if !entry.Granted {
		severity = SeverityWarning
	}

	s.RecordEvent(Event{
		Type:     EventLicenseCheck,
		Severity: severity,
		Message:  fmt.Sprintf("access %s: %s %s on %s", outcomeWord(entry.Granted), entry.Username, entry.AccessLevel, entry.ResourceType),
		Details: map[string]string{
			"user_id":       entry.UserID,
			"resource_type": string(entry.ResourceType),
			"resource_id":   entry.ResourceID,
			"access_level":  string(entry.AccessLevel),
			"reason":        entry.Reason,
		},
		Timestamp: entry.Timestamp,
	})
}

func outcomeWord(granted bool) string {
	if granted {
		return "granted"
	}
	return "denied"
}

// RecentEvents returns up to limit events from the in-memory ring,
// newest first.
func (s *System) RecentEvents(limit int) []Event {
	s.mu.Lock()
	items := s.recentEvents.items()
	s.mu.Unlock()

	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}

	out := make([]Event, 0, limit)
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, items[i])
	}
	return out
}

// Events queries the durable store over a time range
func (s *System) Events(start, end time.Time, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.store.queryEvents(start, end, eventType, limit)
}
