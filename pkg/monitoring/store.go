package monitoring

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// schema creates the four tables plus their timestamp/type indices
var schema = []string{
	`CREATE TABLE IF NOT EXISTS system_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		component TEXT,
		message TEXT NOT NULL,
		details TEXT,
		network_id TEXT,
		node_id TEXT,
		timestamp TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_system_events_timestamp ON system_events(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_system_events_type ON system_events(event_type)`,
	`CREATE TABLE IF NOT EXISTS performance_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		metric_name TEXT NOT NULL,
		value REAL NOT NULL,
		unit TEXT,
		component TEXT,
		network_id TEXT,
		timestamp TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_performance_metrics_timestamp ON performance_metrics(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_performance_metrics_name ON performance_metrics(metric_name)`,
	`CREATE TABLE IF NOT EXISTS resource_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cpu_percent REAL NOT NULL,
		memory_percent REAL NOT NULL,
		disk_percent REAL NOT NULL,
		gpu_percent REAL NOT NULL,
		network_io_mb REAL NOT NULL,
		timestamp TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_resource_usage_timestamp ON resource_usage(timestamp)`,
	`CREATE TABLE IF NOT EXISTS license_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		license_checksum TEXT NOT NULL,
		feature TEXT NOT NULL,
		action TEXT NOT NULL,
		allowed INTEGER NOT NULL,
		timestamp TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_license_usage_timestamp ON license_usage(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_license_usage_checksum ON license_usage(license_checksum)`,
}

// store wraps the sqlite database
type store struct {
	db *sql.DB
}

func openStore(dataDir string) (*store, error) {
	path := filepath.Join(dataDir, "monitoring.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open monitoring database: %w", err)
	}
	// sqlite handles one writer at a time.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create monitoring schema: %w", err)
		}
	}

	return &store{db: db}, nil
}

func (s *store) close() error {
	return s.db.Close()
}

func (s *store) insertEvent(e *Event) error {
	details := ""
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal event details: %w", err)
		}
		details = string(data)
	}

	result, err := s.db.Exec(
		`INSERT INTO system_events (event_type, severity, component, message, details, network_id, node_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Type), string(e.Severity), e.Component, e.Message, details, e.NetworkID, e.NodeID, e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	e.ID, _ = result.LastInsertId()
	return nil
}

func (s *store) insertMetric(m *Metric) error {
	result, err := s.db.Exec(
		`INSERT INTO performance_metrics (metric_name, value, unit, component, network_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.Name, m.Value, m.Unit, m.Component, m.NetworkID, m.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert metric: %w", err)
	}
	m.ID, _ = result.LastInsertId()
	return nil
}

func (s *store) insertResourceUsage(u *ResourceUsage) error {
	result, err := s.db.Exec(
		`INSERT INTO resource_usage (cpu_percent, memory_percent, disk_percent, gpu_percent, network_io_mb, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.CPUPercent, u.MemoryPercent, u.DiskPercent, u.GPUPercent, u.NetworkIOMB, u.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert resource usage: %w", err)
	}
	u.ID, _ = result.LastInsertId()
	return nil
}

func (s *store) insertLicenseUsage(u *LicenseUsage) error {
	allowed := 0
	if u.Allowed {
		allowed = 1
	}
	result, err := s.db.Exec(
		`INSERT INTO license_usage (license_checksum, feature, action, allowed, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		u.LicenseChecksum, u.Feature, u.Action, allowed, u.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert license usage: %w", err)
	}
	u.ID, _ = result.LastInsertId()
	return nil
}

func (s *store) queryEvents(start, end time.Time, eventType EventType, limit int) ([]Event, error) {
	query := `SELECT id, event_type, severity, component, message, details, network_id, node_id, timestamp
		 FROM system_events WHERE timestamp >= ? AND timestamp <= ?`
	args := []interface{}{start.UTC(), end.UTC()}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var details string
		if err := rows.Scan(&e.ID, &e.Type, &e.Severity, &e.Component, &e.Message, &details, &e.NetworkID, &e.NodeID, &e.Timestamp); err != nil {
			return nil, err
		}
		if details != "" {
			json.Unmarshal([]byte(details), &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *store) countEventsBySeverity(start, end time.Time) (map[Severity]int, error) {
	rows, err := s.db.Query(
		`SELECT severity, COUNT(*) FROM system_events WHERE timestamp >= ? AND timestamp <= ? GROUP BY severity`,
		start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	out := make(map[Severity]int)
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, err
		}
		out[Severity(severity)] = count
	}
	return out, rows.Err()
}

func (s *store) metricAverages(start, end time.Time) (map[string]float64, error) {
	rows, err := s.db.Query(
		`SELECT metric_name, AVG(value) FROM performance_metrics WHERE timestamp >= ? AND timestamp <= ? GROUP BY metric_name`,
		start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to average metrics: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var avg float64
		if err := rows.Scan(&name, &avg); err != nil {
			return nil, err
		}
		out[name] = avg
	}
	return out, rows.Err()
}

func (s *store) resourceAverages(start, end time.Time) (*ResourceUsage, error) {
	row := s.db.QueryRow(
		`SELECT COALESCE(AVG(cpu_percent), 0), COALESCE(AVG(memory_percent), 0),
		        COALESCE(AVG(disk_percent), 0), COALESCE(AVG(gpu_percent), 0),
		        COALESCE(AVG(network_io_mb), 0)
		 FROM resource_usage WHERE timestamp >= ? AND timestamp <= ?`,
		start.UTC(), end.UTC(),
	)

	var avg ResourceUsage
	if err := row.Scan(&avg.CPUPercent, &avg.MemoryPercent, &avg.DiskPercent, &avg.GPUPercent, &avg.NetworkIOMB); err != nil {
		return nil, fmt.Errorf("failed to average resource usage: %w", err)
	}
	return &avg, nil
}

// licenseUsageSummary groups usage counts per checksum and feature
func (s *store) licenseUsageSummary(start, end time.Time) (map[string]map[string]int, error) {
	rows, err := s.db.Query(
		`SELECT license_checksum, feature, COUNT(*) FROM license_usage
		 WHERE timestamp >= ? AND timestamp <= ? GROUP BY license_checksum, feature`,
		start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize license usage: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]int)
	for rows.Next() {
		var checksum, feature string
		var count int
		if err := rows.Scan(&checksum, &feature, &count); err != nil {
			return nil, err
		}
		if out[checksum] == nil {
			out[checksum] = make(map[string]int)
		}
		out[checksum][feature] = count
	}
	return out, rows.Err()
}
