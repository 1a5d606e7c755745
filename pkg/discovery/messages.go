package discovery

import (
	"time"

	"github.com/tiktrue/platform/pkg/types"
)

// MessageType tags a discovery datagram
type MessageType string

const (
	TypeDiscoveryRequest    MessageType = "DISCOVERY_REQUEST"
	TypeDiscoveryResponse   MessageType = "DISCOVERY_RESPONSE"
	TypeNetworkAnnouncement MessageType = "NETWORK_ANNOUNCEMENT"
	TypeNetworkUpdate       MessageType = "NETWORK_UPDATE"
	TypeNetworkShutdown     MessageType = "NETWORK_SHUTDOWN"
	TypeHeartbeat           MessageType = "HEARTBEAT"
)

// Message is one UDP discovery datagram, UTF-8 JSON, at most 8 KiB on
// the wire.
type Message struct {
	Type      MessageType `json:"type"`
	SenderID  string      `json:"sender_id"`
	Timestamp time.Time   `json:"timestamp"`

	// Request fields
	RequesterTier   types.Tier          `json:"requester_tier,omitempty"`
	SupportedModels []string            `json:"supported_models,omitempty"`
	NetworkTypes    []types.NetworkType `json:"network_types,omitempty"`

	// Response / announcement fields
	Networks []types.NetworkInfo `json:"networks,omitempty"`

	// Shutdown / heartbeat fields
	NetworkIDs []string `json:"network_ids,omitempty"`
}

// FilterNetworks returns the networks a requester may see: the
// network's required tier must not exceed the requester's, the network
// type must be among those requested (empty means any) and the served
// model must be in the requester's supported set (empty means any).
func FilterNetworks(networks []types.NetworkInfo, tier types.Tier, models []string, netTypes []types.NetworkType) []types.NetworkInfo {
	modelSet := make(map[string]bool, len(models))
	for _, m := range models {
		modelSet[m] = true
	}
	typeSet := make(map[types.NetworkType]bool, len(netTypes))
	for _, nt := range netTypes {
		typeSet[nt] = true
	}

	var out []types.NetworkInfo
	for _, n := range networks {
		if !tier.AtLeast(n.RequiredTier) {
			continue
		}
		if len(typeSet) > 0 && !typeSet[n.NetworkType] {
			continue
		}
		if len(modelSet) > 0 && !modelSet[n.ModelID] {
			continue
		}
		out = append(out, n)
	}
	return out
}
