// Package protocol defines the versioned message envelope and typed
// payloads exchanged between nodes. Transport below the message
// boundary is out of scope; everything here is UTF-8 JSON.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tiktrue/platform/pkg/types"
)

// Version is a protocol version tag
type Version string

const (
	Version11 Version = "1.1"
	Version20 Version = "2.0"

	// CurrentVersion is stamped on outgoing messages
	CurrentVersion = Version20
)

// DefaultSupportedVersions are accepted on receive unless configured
// otherwise.
func DefaultSupportedVersions() map[Version]bool {
	return map[Version]bool{Version11: true, Version20: true}
}

// MessageType identifies the payload carried by an envelope
type MessageType string

const (
	TypeInferenceRequest   MessageType = "inference_request"
	TypeInferenceResponse  MessageType = "inference_response"
	TypeHeartbeat          MessageType = "heartbeat"
	TypeError              MessageType = "error"
	TypeLicenseCheck       MessageType = "license_check"
	TypeDiscovery          MessageType = "discovery"
	TypeWorkerRegistration MessageType = "worker_registration"
	TypeModelSync          MessageType = "model_sync"
	TypeJoinRequest        MessageType = "join_request"
	TypeJoinResponse       MessageType = "join_response"
	TypeConfigChange       MessageType = "config_change"
)

// LicenseStatus mirrors the sender's license state in the header
type LicenseStatus string

const (
	LicenseStatusValid   LicenseStatus = "valid"
	LicenseStatusExpired LicenseStatus = "expired"
	LicenseStatusInvalid LicenseStatus = "invalid"
	LicenseStatusUnknown LicenseStatus = "unknown"
)

// Header is the envelope carried by every message
type Header struct {
	MessageID       string        `json:"message_id"`
	MessageType     MessageType   `json:"message_type"`
	ProtocolVersion Version       `json:"protocol_version"`
	Timestamp       time.Time     `json:"timestamp"`
	SenderID        string        `json:"sender_id,omitempty"`
	RecipientID     string        `json:"recipient_id,omitempty"`
	CorrelationID   string        `json:"correlation_id,omitempty"`
	LicenseHash     string        `json:"license_hash,omitempty"`
	LicenseStatus   LicenseStatus `json:"license_status"`
	SessionID       string        `json:"session_id,omitempty"`
}

// Message is a header plus its raw payload
type Message struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Manager builds and serializes messages for one node. It tracks
// per-type creation counters for diagnostics.
type Manager struct {
	nodeID        string
	licenseHash   string
	licenseStatus LicenseStatus
	validator     *Validator

	created map[MessageType]int
}

// NewManager creates a protocol manager for a node. licenseHash and
// status describe the node's own license and are stamped on every
// outgoing header.
func NewManager(nodeID, licenseHash string, status LicenseStatus) *Manager {
	return &Manager{
		nodeID:        nodeID,
		licenseHash:   licenseHash,
		licenseStatus: status,
		validator:     NewValidator(nil),
		created:       make(map[MessageType]int),
	}
}

// Validator returns the manager's validator
func (m *Manager) Validator() *Validator {
	return m.validator
}

// NewHeader builds an envelope header for an outgoing message
func (m *Manager) NewHeader(msgType MessageType, recipientID, correlationID, sessionID string) Header {
	m.created[msgType]++
	return Header{
		MessageID:       uuid.New().String(),
		MessageType:     msgType,
		ProtocolVersion: CurrentVersion,
		Timestamp:       time.Now().UTC(),
		SenderID:        m.nodeID,
		RecipientID:     recipientID,
		CorrelationID:   correlationID,
		LicenseHash:     m.licenseHash,
		LicenseStatus:   m.licenseStatus,
		SessionID:       sessionID,
	}
}

// Seal serializes a header + payload into wire JSON
func (m *Manager) Seal(header Header, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	data, err := json.Marshal(Message{Header: header, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Open parses and validates wire JSON into a Message
func (m *Manager) Open(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		m.validator.recordFailure("malformed_json")
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if err := m.validator.Validate(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Stats returns per-type creation counters
func (m *Manager) Stats() map[MessageType]int {
	out := make(map[MessageType]int, len(m.created))
	for k, v := range m.created {
		out[k] = v
	}
	return out
}

// StatusFromLicense maps a license record to the header status field
func StatusFromLicense(l *types.License) LicenseStatus {
	if l == nil {
		return LicenseStatusUnknown
	}
	switch l.Status {
	case types.LicenseValid:
		return LicenseStatusValid
	case types.LicenseExpired:
		return LicenseStatusExpired
	case types.LicenseInvalid, types.LicenseSuspended:
		return LicenseStatusInvalid
	default:
		return LicenseStatusUnknown
	}
}
