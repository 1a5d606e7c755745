// Package health tracks liveness of networks and workers via framed
// ping/pong heartbeats, classifies status against failure thresholds
// and fans out admin notifications on transitions.
package health

import (
	"time"
)

// Status classifies a monitored target
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// TargetKind distinguishes what is being monitored
type TargetKind string

const (
	KindNetwork TargetKind = "network"
	KindWorker  TargetKind = "worker"
	KindNode    TargetKind = "node"
)

// Severity grades a notification
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// severityFor maps a target status to the notification severity
func severityFor(status Status) Severity {
	switch status {
	case StatusCritical:
		return SeverityCritical
	case StatusWarning:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Info is the health record of one target
type Info struct {
	Kind                TargetKind    `json:"kind"`
	TargetID            string        `json:"target_id"`
	Address             string        `json:"address"`
	Status              Status        `json:"status"`
	LastHeartbeat       time.Time     `json:"last_heartbeat"`
	ResponseTime        time.Duration `json:"response_time"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ErrorCount          int           `json:"error_count"`
	RequestCount        int           `json:"request_count"`
	LastError           string        `json:"last_error,omitempty"`
	LicenseValid        bool          `json:"license_valid"`
}

// Config holds monitor tuning
type Config struct {
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	WarningThreshold  int
	FailureThreshold  int
	LicenseInterval   time.Duration
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		PingTimeout:       30 * time.Second,
		WarningThreshold:  2,
		FailureThreshold:  3,
		LicenseInterval:   5 * time.Minute,
	}
}

// Notification is emitted on every status transition
type Notification struct {
	Kind      TargetKind `json:"kind"`
	TargetID  string     `json:"target_id"`
	From      Status     `json:"from"`
	To        Status     `json:"to"`
	Severity  Severity   `json:"severity"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// Callback receives notifications in transition order per target
type Callback func(Notification)

// Summary aggregates target health: critical dominates, then warning,
// then healthy; anything else is unknown.
type Summary struct {
	Overall  Status          `json:"overall"`
	Targets  map[string]Info `json:"targets"`
	Healthy  int             `json:"healthy"`
	Warning  int             `json:"warning"`
	Critical int             `json:"critical"`
	Unknown  int             `json:"unknown"`
}

func summarize(targets map[string]Info) Summary {
	s := Summary{Targets: targets}
	for _, info := range targets {
		switch info.Status {
		case StatusHealthy:
			s.Healthy++
		case StatusWarning:
			s.Warning++
		case StatusCritical:
			s.Critical++
		default:
			s.Unknown++
		}
	}

	switch {
	case s.Critical > 0:
		s.Overall = StatusCritical
	case s.Warning > 0:
		s.Overall = StatusWarning
	case s.Healthy > 0 && s.Unknown == 0:
		s.Overall = StatusHealthy
	default:
		s.Overall = StatusUnknown
	}
	return s
}

// LifecycleStatus maps service lifecycle states onto health statuses:
// a starting service is a warning, a stopped one is critical and
// anything unrecognized is unknown.
func LifecycleStatus(state string) Status {
	switch state {
	case "running":
		return StatusHealthy
	case "starting":
		return StatusWarning
	case "stopped":
		return StatusCritical
	default:
		return StatusUnknown
	}
}
