package monitoring

import (
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

func newTestSystem(t *testing.T) *System {
	t.Helper()
	s, err := NewSystem(t.TempDir(), DefaultThresholds())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndQueryEvents(t *testing.T) {
	s := newTestSystem(t)

	require.NoError(t, s.RecordEvent(Event{
		Type:     EventWorkerConnected,
		Severity: SeverityInfo,
		Message:  "worker w1 connected",
		NodeID:   "w1",
	}))
	require.NoError(t, s.RecordEvent(Event{
		Type:     EventErrorOccurred,
		Severity: SeverityError,
		Message:  "something broke",
		Details:  map[string]string{"error": "boom"},
	}))

	recent := s.RecentEvents(10)
	require.Len(t, recent, 2)
	assert.Equal(t, EventErrorOccurred, recent[0].Type) // newest first

	events, err := s.Events(time.Now().Add(-time.Hour), time.Now().Add(time.Hour), EventWorkerConnected, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "w1", events[0].NodeID)

	withDetails, err := s.Events(time.Now().Add(-time.Hour), time.Now().Add(time.Hour), EventErrorOccurred, 10)
	require.NoError(t, err)
	require.Len(t, withDetails, 1)
	assert.Equal(t, "boom", withDetails[0].Details["error"])
}

func TestResourceAlertOnCrossing(t *testing.T) {
	s := newTestSystem(t)

	// Below all thresholds: no alert.
	require.NoError(t, s.RecordResourceUsage(ResourceUsage{CPUPercent: 50, MemoryPercent: 50, DiskPercent: 50, GPUPercent: 50}))
	assert.Empty(t, s.RecentEvents(10))

	// CPU crossing 90 emits one warning.
	require.NoError(t, s.RecordResourceUsage(ResourceUsage{CPUPercent: 95, MemoryPercent: 50, DiskPercent: 50, GPUPercent: 50}))
	alerts := s.RecentEvents(10)
	require.Len(t, alerts, 1)
	assert.Equal(t, EventResourceAlert, alerts[0].Type)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "cpu", alerts[0].Details["resource"])

	// Staying above does not repeat the alert.
	require.NoError(t, s.RecordResourceUsage(ResourceUsage{CPUPercent: 97, MemoryPercent: 50, DiskPercent: 50, GPUPercent: 50}))
	assert.Len(t, s.RecentEvents(10), 1)

	// Recovery re-arms; next crossing alerts again.
	require.NoError(t, s.RecordResourceUsage(ResourceUsage{CPUPercent: 40, MemoryPercent: 50, DiskPercent: 50, GPUPercent: 50}))
	require.NoError(t, s.RecordResourceUsage(ResourceUsage{CPUPercent: 92, MemoryPercent: 50, DiskPercent: 50, GPUPercent: 50}))
	assert.Len(t, s.RecentEvents(10), 2)
}

func TestSummaryReport(t *testing.T) {
	s := newTestSystem(t)

	require.NoError(t, s.RecordEvent(Event{Type: EventSystemStart, Severity: SeverityInfo, Message: "started"}))
	require.NoError(t, s.RecordEvent(Event{Type: EventErrorOccurred, Severity: SeverityError, Message: "err"}))
	require.NoError(t, s.RecordMetric(Metric{Name: "inference_latency_ms", Value: 120}))
	require.NoError(t, s.RecordMetric(Metric{Name: "inference_latency_ms", Value: 80}))
	require.NoError(t, s.RecordResourceUsage(ResourceUsage{CPUPercent: 40, MemoryPercent: 60}))

	report, err := s.GenerateReport(ReportSummary, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.EventCounts[SeverityInfo])
	assert.Equal(t, 1, report.EventCounts[SeverityError])
	assert.InDelta(t, 100, report.MetricAverages["inference_latency_ms"], 0.001)
	assert.InDelta(t, 40, report.ResourceAverage.CPUPercent, 0.001)
}

func TestDetailedReportIncludesEvents(t *testing.T) {
	s := newTestSystem(t)
	require.NoError(t, s.RecordEvent(Event{Type: EventModelLoaded, Severity: SeverityInfo, Message: "model up"}))

	report, err := s.GenerateReport(ReportDetailed, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, report.Events, 1)
	assert.Equal(t, EventModelLoaded, report.Events[0].Type)
}

func TestLicenseUsageReport(t *testing.T) {
	s := newTestSystem(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordLicenseUsage(LicenseUsage{
			LicenseChecksum: "abc123",
			Feature:         "multi_network",
			Action:          "create_network",
			Allowed:         true,
		}))
	}
	require.NoError(t, s.RecordLicenseUsage(LicenseUsage{
		LicenseChecksum: "abc123",
		Feature:         "api_access",
		Action:          "inference",
		Allowed:         true,
	}))

	report, err := s.GenerateReport(ReportLicenseUsage, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Contains(t, report.LicenseUsage, "abc123")
	assert.Equal(t, 3, report.LicenseUsage["abc123"]["multi_network"])
	assert.Equal(t, 1, report.LicenseUsage["abc123"]["api_access"])
}

func TestRingEviction(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.add(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.items())
	assert.Equal(t, 3, r.len())
}
