package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/metrics"
)

// LicenseChecker re-validates the node license; implemented by the
// license enforcer.
type LicenseChecker interface {
	Check() error
}

// Monitor drives the heartbeat loop over registered targets. Each tick
// pings every target, updates its status against the thresholds and
// emits notifications on transitions.
type Monitor struct {
	cfg     Config
	pinger  Pinger
	license LicenseChecker
	logger  zerolog.Logger

	mu        sync.Mutex
	targets   map[string]*Info
	callbacks []Callback

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewMonitor creates a health monitor. pinger defaults to the
// websocket pinger; license may be nil when no enforcement is wanted.
func NewMonitor(cfg Config, pinger Pinger, license LicenseChecker) *Monitor {
	if pinger == nil {
		pinger = NewWebsocketPinger()
	}
	return &Monitor{
		cfg:     cfg,
		pinger:  pinger,
		license: license,
		logger:  log.WithComponent("health"),
		targets: make(map[string]*Info),
		stopCh:  make(chan struct{}),
	}
}

// AddTarget registers a network or worker for monitoring
func (m *Monitor) AddTarget(kind TargetKind, targetID, address string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.targets[targetID]; ok {
		return
	}
	m.targets[targetID] = &Info{
		Kind:         kind,
		TargetID:     targetID,
		Address:      address,
		Status:       StatusUnknown,
		LicenseValid: true,
	}
	m.logger.Info().Str("target_id", targetID).Str("kind", string(kind)).Msg("Monitoring target")
}

// RemoveTarget stops monitoring a target
func (m *Monitor) RemoveTarget(targetID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, targetID)
	metrics.HealthStatus.DeleteLabelValues(string(KindNetwork), targetID)
	metrics.HealthStatus.DeleteLabelValues(string(KindWorker), targetID)
}

// RegisterCallback adds a notification receiver. Callbacks run in
// transition order per target.
func (m *Monitor) RegisterCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Start spawns the heartbeat and license revalidation loops
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.heartbeatLoop()

	if m.license != nil {
		m.wg.Add(1)
		go m.licenseLoop()
	}

	m.logger.Info().Dur("interval", m.cfg.HeartbeatInterval).Msg("Health monitor started")
}

// Stop cancels the loops and waits up to five seconds for them
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.logger.Warn().Msg("Health loops did not stop in time, abandoning")
	}
	m.logger.Info().Msg("Health monitor stopped")
}

func (m *Monitor) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Tick()
		case <-m.stopCh:
			return
		}
	}
}

// Tick pings every registered target once
func (m *Monitor) Tick() {
	m.mu.Lock()
	snapshot := make([]Info, 0, len(m.targets))
	for _, info := range m.targets {
		snapshot = append(snapshot, *info)
	}
	m.mu.Unlock()

	for _, info := range snapshot {
		rtt, err := m.pinger.Ping(info.Kind, info.TargetID, info.Address, m.cfg.PingTimeout)
		m.Record(info.TargetID, rtt, err)
	}
}

// Record applies one probe outcome to a target's health state. A
// success clears the failure streak and restores HEALTHY unless the
// target's license is known invalid, which pins it CRITICAL.
func (m *Monitor) Record(targetID string, rtt time.Duration, pingErr error) {
	m.mu.Lock()

	info, ok := m.targets[targetID]
	if !ok {
		m.mu.Unlock()
		return
	}

	prev := info.Status
	info.RequestCount++

	if pingErr == nil {
		info.ConsecutiveFailures = 0
		info.LastHeartbeat = time.Now()
		info.ResponseTime = rtt
		info.LastError = ""
		if info.LicenseValid {
			info.Status = StatusHealthy
		} else {
			info.Status = StatusCritical
		}
	} else {
		info.ConsecutiveFailures++
		info.ErrorCount++
		info.LastError = pingErr.Error()
		metrics.HeartbeatFailures.WithLabelValues(string(info.Kind)).Inc()

		switch {
		case info.ConsecutiveFailures >= m.cfg.FailureThreshold:
			info.Status = StatusCritical
		case info.ConsecutiveFailures >= m.cfg.WarningThreshold:
			info.Status = StatusWarning
		}
	}

	next := info.Status
	kind := info.Kind
	m.mu.Unlock()

	metrics.HealthStatus.WithLabelValues(string(kind), targetID).Set(statusGaugeValue(next))

	if prev != next {
		msg := fmt.Sprintf("%s %s: %s -> %s", kind, targetID, prev, next)
		if pingErr != nil {
			msg = fmt.Sprintf("%s (%v)", msg, pingErr)
		}
		m.notify(Notification{
			Kind:      kind,
			TargetID:  targetID,
			From:      prev,
			To:        next,
			Severity:  severityFor(next),
			Message:   msg,
			Timestamp: time.Now().UTC(),
		})
	}
}

// ReportLifecycle maps a service lifecycle state directly onto a
// target's status.
func (m *Monitor) ReportLifecycle(targetID, state string) {
	m.mu.Lock()
	info, ok := m.targets[targetID]
	if !ok {
		m.mu.Unlock()
		return
	}

	prev := info.Status
	info.Status = LifecycleStatus(state)
	next := info.Status
	kind := info.Kind
	m.mu.Unlock()

	if prev != next {
		m.notify(Notification{
			Kind:      kind,
			TargetID:  targetID,
			From:      prev,
			To:        next,
			Severity:  severityFor(next),
			Message:   fmt.Sprintf("%s %s lifecycle state %q", kind, targetID, state),
			Timestamp: time.Now().UTC(),
		})
	}
}

func (m *Monitor) licenseLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.LicenseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.revalidateLicense()
		case <-m.stopCh:
			return
		}
	}
}

// revalidateLicense re-checks the node license; on invalidation every
// worker target is marked critical with a CRITICAL notification.
func (m *Monitor) revalidateLicense() {
	err := m.license.Check()
	valid := err == nil

	m.mu.Lock()
	var transitions []Notification
	for _, info := range m.targets {
		if info.Kind != KindWorker {
			continue
		}
		if info.LicenseValid == valid {
			continue
		}
		info.LicenseValid = valid

		prev := info.Status
		if !valid {
			info.Status = StatusCritical
		}
		if prev != info.Status {
			transitions = append(transitions, Notification{
				Kind:      info.Kind,
				TargetID:  info.TargetID,
				From:      prev,
				To:        info.Status,
				Severity:  SeverityCritical,
				Message:   fmt.Sprintf("worker %s license invalidated: %v", info.TargetID, err),
				Timestamp: time.Now().UTC(),
			})
		}
	}
	m.mu.Unlock()

	for _, n := range transitions {
		m.notify(n)
	}

	if !valid {
		m.logger.Warn().Err(err).Msg("License revalidation failed")
	}
}

// MarkLicenseInvalid pins a worker target critical outside the
// periodic loop.
func (m *Monitor) MarkLicenseInvalid(targetID string, valid bool) {
	m.mu.Lock()
	if info, ok := m.targets[targetID]; ok {
		info.LicenseValid = valid
		if !valid {
			info.Status = StatusCritical
		}
	}
	m.mu.Unlock()
}

// Target returns a copy of one target's health info
func (m *Monitor) Target(targetID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.targets[targetID]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// Summary aggregates the health of all targets
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	targets := make(map[string]Info, len(m.targets))
	for id, info := range m.targets {
		targets[id] = *info
	}
	return summarize(targets)
}

// Notify fans an externally produced notification (degradation
// transitions, failover outcomes) out to the registered callbacks.
func (m *Monitor) Notify(n Notification) {
	m.notify(n)
}

func (m *Monitor) notify(n Notification) {
	m.mu.Lock()
	callbacks := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(n)
	}
}

func statusGaugeValue(s Status) float64 {
	switch s {
	case StatusHealthy:
		return 0
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	default:
		return 3
	}
}
