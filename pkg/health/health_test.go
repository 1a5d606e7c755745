package health

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiktrue/platform/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestMonitor() (*Monitor, *[]Notification) {
	m := NewMonitor(DefaultConfig(), nil, nil)
	var notifications []Notification
	m.RegisterCallback(func(n Notification) {
		notifications = append(notifications, n)
	})
	return m, &notifications
}

func TestFailureThresholdLadder(t *testing.T) {
	m, notifications := newTestMonitor()
	m.AddTarget(KindNetwork, "netX", "10.0.0.1:9000")

	// First success establishes HEALTHY.
	m.Record("netX", 5*time.Millisecond, nil)
	info, ok := m.Target("netX")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, info.Status)

	failure := errors.New("connection refused")

	// One failure: still healthy.
	m.Record("netX", 0, failure)
	info, _ = m.Target("netX")
	assert.Equal(t, StatusHealthy, info.Status)
	assert.Equal(t, 1, info.ConsecutiveFailures)

	// Second failure: warning.
	m.Record("netX", 0, failure)
	info, _ = m.Target("netX")
	assert.Equal(t, StatusWarning, info.Status)

	// Third failure: critical.
	m.Record("netX", 0, failure)
	info, _ = m.Target("netX")
	assert.Equal(t, StatusCritical, info.Status)
	assert.Equal(t, 3, info.ErrorCount)

	// Recovery resets the streak and restores healthy.
	m.Record("netX", 8*time.Millisecond, nil)
	info, _ = m.Target("netX")
	assert.Equal(t, StatusHealthy, info.Status)
	assert.Equal(t, 0, info.ConsecutiveFailures)

	// Transitions: unknown->healthy, healthy->warning, warning->critical,
	// critical->healthy.
	require.Len(t, *notifications, 4)
	assert.Equal(t, SeverityInfo, (*notifications)[0].Severity)
	assert.Equal(t, SeverityWarning, (*notifications)[1].Severity)
	assert.Equal(t, SeverityCritical, (*notifications)[2].Severity)
	assert.Equal(t, SeverityInfo, (*notifications)[3].Severity)
	assert.Equal(t, StatusHealthy, (*notifications)[3].To)
}

func TestLicenseInvalidPinsCritical(t *testing.T) {
	m, _ := newTestMonitor()
	m.AddTarget(KindWorker, "w1", "10.0.0.2:9000")

	m.MarkLicenseInvalid("w1", false)

	// Even a successful ping leaves the worker critical while its
	// license is invalid.
	m.Record("w1", time.Millisecond, nil)
	info, _ := m.Target("w1")
	assert.Equal(t, StatusCritical, info.Status)
	assert.Equal(t, 0, info.ConsecutiveFailures)

	m.MarkLicenseInvalid("w1", true)
	m.Record("w1", time.Millisecond, nil)
	info, _ = m.Target("w1")
	assert.Equal(t, StatusHealthy, info.Status)
}

func TestLifecycleMapping(t *testing.T) {
	assert.Equal(t, StatusWarning, LifecycleStatus("starting"))
	assert.Equal(t, StatusCritical, LifecycleStatus("stopped"))
	assert.Equal(t, StatusHealthy, LifecycleStatus("running"))
	assert.Equal(t, StatusUnknown, LifecycleStatus("rebooting"))

	m, notifications := newTestMonitor()
	m.AddTarget(KindNetwork, "n1", "addr")
	m.ReportLifecycle("n1", "stopped")

	info, _ := m.Target("n1")
	assert.Equal(t, StatusCritical, info.Status)
	require.Len(t, *notifications, 1)
	assert.Equal(t, SeverityCritical, (*notifications)[0].Severity)
}

func TestSummaryAggregation(t *testing.T) {
	m, _ := newTestMonitor()

	// No targets: unknown.
	assert.Equal(t, StatusUnknown, m.Summary().Overall)

	m.AddTarget(KindNetwork, "n1", "a")
	m.AddTarget(KindWorker, "w1", "b")
	m.AddTarget(KindWorker, "w2", "c")

	m.Record("n1", time.Millisecond, nil)
	m.Record("w1", time.Millisecond, nil)
	m.Record("w2", time.Millisecond, nil)
	assert.Equal(t, StatusHealthy, m.Summary().Overall)

	// One warning member degrades the whole.
	failure := errors.New("down")
	m.Record("w2", 0, failure)
	m.Record("w2", 0, failure)
	summary := m.Summary()
	assert.Equal(t, StatusWarning, summary.Overall)
	assert.Equal(t, 2, summary.Healthy)
	assert.Equal(t, 1, summary.Warning)

	// Any critical member dominates.
	m.Record("w2", 0, failure)
	assert.Equal(t, StatusCritical, m.Summary().Overall)
}

func TestRemoveTarget(t *testing.T) {
	m, _ := newTestMonitor()
	m.AddTarget(KindWorker, "w1", "a")
	m.RemoveTarget("w1")

	_, ok := m.Target("w1")
	assert.False(t, ok)

	// Recording against a removed target is a no-op.
	m.Record("w1", 0, errors.New("x"))
}
