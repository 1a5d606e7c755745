package monitoring

import (
	"time"
)

// ReportType selects the report shape
type ReportType string

const (
	ReportSummary      ReportType = "summary"
	ReportDetailed     ReportType = "detailed"
	ReportLicenseUsage ReportType = "license_usage"
)

// Report is the output of GenerateReport
type Report struct {
	Type        ReportType       `json:"type"`
	StartTime   time.Time        `json:"start_time"`
	EndTime     time.Time        `json:"end_time"`
	GeneratedAt time.Time        `json:"generated_at"`

	EventCounts     map[Severity]int `json:"event_counts,omitempty"`
	MetricAverages  map[string]float64 `json:"metric_averages,omitempty"`
	ResourceAverage *ResourceUsage   `json:"resource_average,omitempty"`

	// Detailed only
	Events []Event `json:"events,omitempty"`

	// License usage only: checksum -> feature -> count
	LicenseUsage map[string]map[string]int `json:"license_usage,omitempty"`
}

// GenerateReport builds a report over [start, end]. Zero times default
// to the last 24 hours.
func (s *System) GenerateReport(reportType ReportType, start, end time.Time) (*Report, error) {
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if start.IsZero() {
		start = end.Add(-24 * time.Hour)
	}

	report := &Report{
		Type:        reportType,
		StartTime:   start,
		EndTime:     end,
		GeneratedAt: time.Now().UTC(),
	}

	switch reportType {
	case ReportLicenseUsage:
		usage, err := s.store.licenseUsageSummary(start, end)
		if err != nil {
			return nil, err
		}
		report.LicenseUsage = usage

	case ReportDetailed:
		if err := s.fillSummary(report, start, end); err != nil {
			return nil, err
		}
		events, err := s.store.queryEvents(start, end, "", 500)
		if err != nil {
			return nil, err
		}
		report.Events = events

	default:
		if err := s.fillSummary(report, start, end); err != nil {
			return nil, err
		}
	}

	return report, nil
}

func (s *System) fillSummary(report *Report, start, end time.Time) error {
	counts, err := s.store.countEventsBySeverity(start, end)
	if err != nil {
		return err
	}
	report.EventCounts = counts

	averages, err := s.store.metricAverages(start, end)
	if err != nil {
		return err
	}
	report.MetricAverages = averages

	resources, err := s.store.resourceAverages(start, end)
	if err != nil {
		return err
	}
	report.ResourceAverage = resources
	return nil
}
