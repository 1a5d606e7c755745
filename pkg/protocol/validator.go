package protocol

import (
	"encoding/json"
	"sync"

	"github.com/tiktrue/platform/pkg/errdefs"
)

// Validator checks envelopes and typed payloads. Failures are reported
// as errors and counted; they never panic.
type Validator struct {
	supported map[Version]bool

	mu         sync.Mutex
	total      int
	successful int
	failed     int
	byKind     map[string]int
}

// Stats is a snapshot of validation counters
type Stats struct {
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	ByKind     map[string]int `json:"by_kind"`
}

// NewValidator creates a validator. supported nil means the default
// version set.
func NewValidator(supported map[Version]bool) *Validator {
	if supported == nil {
		supported = DefaultSupportedVersions()
	}
	return &Validator{
		supported: supported,
		byKind:    make(map[string]int),
	}
}

// Validate checks the header and, for known message types, the payload.
// A nil return means the message is valid.
func (v *Validator) Validate(msg *Message) error {
	v.mu.Lock()
	v.total++
	v.mu.Unlock()

	if err := v.validateHeader(&msg.Header); err != nil {
		return err
	}

	if err := v.validatePayload(msg); err != nil {
		return err
	}

	v.mu.Lock()
	v.successful++
	v.mu.Unlock()
	return nil
}

func (v *Validator) validateHeader(h *Header) error {
	if h.MessageID == "" {
		return v.fail("missing_message_id", "header missing message_id")
	}
	if h.MessageType == "" {
		return v.fail("missing_message_type", "header missing message_type")
	}
	if !v.supported[h.ProtocolVersion] {
		v.recordFailure("unsupported_version")
		return errdefs.Wrapf(errdefs.ErrVersionUnsupported, "protocol version %q", h.ProtocolVersion)
	}
	if h.Timestamp.IsZero() {
		return v.fail("missing_timestamp", "header missing timestamp")
	}
	return nil
}

func (v *Validator) validatePayload(msg *Message) error {
	switch msg.Header.MessageType {
	case TypeInferenceRequest:
		var p InferenceRequest
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return v.fail("malformed_payload", "inference request payload malformed")
		}
		if p.SessionID == "" {
			return v.fail("missing_session_id", "inference request missing session_id")
		}
		if p.MaxTokens <= 0 {
			return v.fail("bad_max_tokens", "max_tokens must be positive")
		}
		if p.Temperature < 0 || p.Temperature > 2 {
			return v.fail("bad_temperature", "temperature out of range [0, 2]")
		}
		if p.TopP < 0 || p.TopP > 1 {
			return v.fail("bad_top_p", "top_p out of range [0, 1]")
		}

	case TypeInferenceResponse:
		var p InferenceResponse
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return v.fail("malformed_payload", "inference response payload malformed")
		}
		if p.SessionID == "" {
			return v.fail("missing_session_id", "inference response missing session_id")
		}
		switch p.FinishReason {
		case FinishStop, FinishLength, FinishError:
		default:
			return v.fail("bad_finish_reason", "unknown finish_reason")
		}

	case TypeHeartbeat:
		var p Heartbeat
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return v.fail("malformed_payload", "heartbeat payload malformed")
		}
		if p.NodeID == "" {
			return v.fail("missing_node_id", "heartbeat missing node_id")
		}

	case TypeError:
		var p ErrorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return v.fail("malformed_payload", "error payload malformed")
		}
		if p.Code == "" || p.Message == "" {
			return v.fail("incomplete_error", "error payload missing code or message")
		}

	case TypeWorkerRegistration:
		var p WorkerRegistration
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return v.fail("malformed_payload", "worker registration payload malformed")
		}
		if p.Worker.NodeID == "" || p.NetworkID == "" {
			return v.fail("incomplete_registration", "worker registration missing node or network id")
		}

	case TypeModelSync:
		var p ModelSync
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return v.fail("malformed_payload", "model sync payload malformed")
		}
		if p.ModelID == "" || p.TotalBlocks <= 0 {
			return v.fail("incomplete_model_sync", "model sync missing model id or block count")
		}
	}

	return nil
}

func (v *Validator) fail(kind, msg string) error {
	v.recordFailure(kind)
	return errdefs.Wrapf(errdefs.ErrMessageInvalid, "%s", msg)
}

func (v *Validator) recordFailure(kind string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failed++
	v.byKind[kind]++
}

// Stats returns a snapshot of the validation counters
func (v *Validator) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()

	byKind := make(map[string]int, len(v.byKind))
	for k, c := range v.byKind {
		byKind[k] = c
	}
	return Stats{
		Total:      v.total,
		Successful: v.successful,
		Failed:     v.failed,
		ByKind:     byKind,
	}
}
