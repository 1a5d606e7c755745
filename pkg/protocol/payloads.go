package protocol

import (
	"time"

	"github.com/tiktrue/platform/pkg/types"
)

// InferenceRequest asks a worker chain to run one generation step
type InferenceRequest struct {
	SessionID   string  `json:"session_id"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	ModelID     string  `json:"model_id"`
	StartLayer  int     `json:"start_layer,omitempty"`
	EndLayer    int     `json:"end_layer,omitempty"`
}

// FinishReason is why generation stopped
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishError  FinishReason = "error"
)

// InferenceResponse carries generated output back to the requester
type InferenceResponse struct {
	SessionID    string       `json:"session_id"`
	Text         string       `json:"text"`
	TokensUsed   int          `json:"tokens_used"`
	FinishReason FinishReason `json:"finish_reason"`
	LatencyMS    float64      `json:"latency_ms,omitempty"`
}

// Heartbeat reports liveness and load for a node
type Heartbeat struct {
	NodeID         string   `json:"node_id"`
	Status         string   `json:"status"`
	CurrentLoad    float64  `json:"current_load"`
	MemoryUsedMB   int64    `json:"memory_used_mb"`
	ActiveSessions int      `json:"active_sessions"`
	NetworkIDs     []string `json:"network_ids,omitempty"`
}

// ErrorPayload reports a failure to a peer
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// LicenseCheck asks a peer to confirm its entitlement for a model
type LicenseCheck struct {
	NodeID      string     `json:"node_id"`
	LicenseHash string     `json:"license_hash"`
	Tier        types.Tier `json:"tier"`
	ModelID     string     `json:"model_id,omitempty"`
}

// DiscoveryPayload carries a discovery query or response body
type DiscoveryPayload struct {
	RequesterTier   types.Tier          `json:"requester_tier,omitempty"`
	SupportedModels []string            `json:"supported_models,omitempty"`
	NetworkTypes    []types.NetworkType `json:"network_types,omitempty"`
	Networks        []types.NetworkInfo `json:"networks,omitempty"`
}

// WorkerRegistration announces a worker joining a network
type WorkerRegistration struct {
	Worker    types.WorkerInfo `json:"worker"`
	NetworkID string           `json:"network_id"`
	AuthToken string           `json:"auth_token,omitempty"`
}

// ModelSync coordinates encrypted block distribution
type ModelSync struct {
	ModelID     string   `json:"model_id"`
	NetworkID   string   `json:"network_id"`
	BlockIDs    []string `json:"block_ids"`
	KeyID       string   `json:"key_id"`
	TotalBlocks int      `json:"total_blocks"`
	RequestedAt time.Time `json:"requested_at"`
}
