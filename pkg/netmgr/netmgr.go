// Package netmgr owns the network lifecycle on one node: creating
// networks as admin, discovering and joining remote networks as a
// client and deciding join requests from others.
package netmgr

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tiktrue/platform/pkg/discovery"
	"github.com/tiktrue/platform/pkg/errdefs"
	"github.com/tiktrue/platform/pkg/events"
	"github.com/tiktrue/platform/pkg/license"
	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/metrics"
	"github.com/tiktrue/platform/pkg/protocol"
	"github.com/tiktrue/platform/pkg/storage"
	"github.com/tiktrue/platform/pkg/types"
)

const (
	// JoinTimeout bounds the wait for an admin's join decision
	JoinTimeout = 30 * time.Second
)

// networkLimit returns the managed-network cap per tier; -1 unlimited
func networkLimit(tier types.Tier) int {
	switch tier {
	case types.TierEnt:
		return -1
	case types.TierPro:
		return 5
	default:
		return 1
	}
}

// defaultClientCap returns the per-network client cap per tier
func defaultClientCap(tier types.Tier) int {
	switch tier {
	case types.TierEnt:
		return -1
	case types.TierPro:
		return 20
	default:
		return 3
	}
}

// requiredTierFor maps a network type to the minimum tier that may
// create or join it.
func requiredTierFor(networkType types.NetworkType) types.Tier {
	switch networkType {
	case types.NetworkTypeEnterprise:
		return types.TierEnt
	case types.NetworkTypePrivate:
		return types.TierPro
	default:
		return types.TierFree
	}
}

// Manager runs the network lifecycle for one node
type Manager struct {
	nodeID      string
	address     string
	modelBlocks map[string]int
	proto       *protocol.Manager
	enforcer    *license.Enforcer
	store       storage.Store
	disc        *discovery.Service
	broker      *events.Broker
	client      JoinClient
	logger      zerolog.Logger

	mu      sync.RWMutex
	managed map[string]*types.NetworkInfo
	joined  map[string]*types.NetworkConfig
	pending map[string]*pendingJoin
}

type pendingJoin struct {
	request  *types.JoinRequest
	decision chan *types.JoinResponse
}

// Config holds the manager's construction parameters
type Config struct {
	NodeID  string
	Address string

	// ModelBlockCounts overrides the block-count heuristic with real
	// model metadata when available.
	ModelBlockCounts map[string]int
}

// NewManager wires the network manager. disc may be nil in unit tests;
// client defaults to the TCP join client.
func NewManager(cfg Config, enforcer *license.Enforcer, store storage.Store, disc *discovery.Service, broker *events.Broker, client JoinClient) (*Manager, error) {
	proto := protocol.NewManager(cfg.NodeID,
		license.Fingerprint(enforcer.Current()),
		protocol.StatusFromLicense(enforcer.Current()))
	if client == nil {
		client = NewTCPJoinClient(proto)
	}

	m := &Manager{
		nodeID:      cfg.NodeID,
		address:     cfg.Address,
		modelBlocks: cfg.ModelBlockCounts,
		proto:       proto,
		enforcer:    enforcer,
		store:       store,
		disc:        disc,
		broker:      broker,
		client:      client,
		logger:      log.WithComponent("netmgr"),
		managed:     make(map[string]*types.NetworkInfo),
		joined:      make(map[string]*types.NetworkConfig),
		pending:     make(map[string]*pendingJoin),
	}

	// Reload persisted state.
	networks, err := store.ListNetworks()
	if err != nil {
		return nil, fmt.Errorf("failed to load managed networks: %w", err)
	}
	for _, n := range networks {
		if n.AdminNodeID == cfg.NodeID {
			m.managed[n.NetworkID] = n
		}
	}

	joined, err := store.ListJoinedNetworks()
	if err != nil {
		return nil, fmt.Errorf("failed to load joined networks: %w", err)
	}
	for _, c := range joined {
		m.joined[c.NetworkID] = c
	}

	m.updateMetrics()
	return m, nil
}

// CreateNetwork creates a network this node will administer
func (m *Manager) CreateNetwork(name string, networkType types.NetworkType, modelID string, maxClients int) (*types.NetworkInfo, error) {
	if err := m.enforcer.Check(); err != nil {
		return nil, err
	}
	if err := m.enforcer.RequireModel(modelID); err != nil {
		return nil, err
	}
	if err := m.enforcer.RequireTier(requiredTierFor(networkType)); err != nil {
		return nil, err
	}

	tier := m.enforcer.Tier()

	m.mu.Lock()

	if limit := networkLimit(tier); limit >= 0 && len(m.managed) >= limit {
		m.mu.Unlock()
		return nil, errdefs.Wrapf(errdefs.ErrQuotaCountExceeded,
			"tier %s allows %d managed networks", tier, limit)
	}

	if maxClients == 0 {
		maxClients = defaultClientCap(tier)
	}

	now := time.Now().UTC()
	network := &types.NetworkInfo{
		NetworkID:    uuid.New().String(),
		NetworkName:  name,
		NetworkType:  networkType,
		AdminNodeID:  m.nodeID,
		AdminAddress: m.address,
		ModelID:      modelID,
		RequiredTier: requiredTierFor(networkType),
		MaxClients:   maxClients,
		Status:       types.NetworkStatusActive,
		CreatedAt:    now,
		LastSeen:     now,
	}

	if err := m.store.CreateNetwork(network); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to persist network: %w", err)
	}
	m.managed[network.NetworkID] = network
	m.updateMetricsLocked()
	m.mu.Unlock()

	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:      events.EventNetworkCreated,
			NetworkID: network.NetworkID,
			NodeID:    m.nodeID,
			Message:   fmt.Sprintf("network %s created", name),
		})
	}
	if m.disc != nil {
		m.disc.Announce()
	}

	m.logger.Info().
		Str("network_id", network.NetworkID).
		Str("network_name", name).
		Str("model_id", modelID).
		Msg("Created network")
	return network, nil
}

// DeleteNetwork tears down a managed network
func (m *Manager) DeleteNetwork(networkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.managed[networkID]; !ok {
		return fmt.Errorf("network not managed by this node: %s", networkID)
	}

	if err := m.store.DeleteNetwork(networkID); err != nil {
		return fmt.Errorf("failed to delete network: %w", err)
	}
	delete(m.managed, networkID)
	m.updateMetricsLocked()

	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:      events.EventNetworkDeleted,
			NetworkID: networkID,
			NodeID:    m.nodeID,
			Message:   "network deleted",
		})
	}
	return nil
}

// DiscoverNetworks issues a multicast query and returns what is visible
// after the timeout window.
func (m *Manager) DiscoverNetworks(timeout time.Duration) []types.NetworkInfo {
	if m.disc == nil {
		return nil
	}
	m.disc.Query()
	time.Sleep(timeout)
	return m.disc.Discovered()
}

// JoinNetwork asks a discovered network's admin for membership and, on
// approval, persists the returned configuration.
func (m *Manager) JoinNetwork(networkID string) (*types.NetworkConfig, error) {
	if err := m.enforcer.Check(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	_, already := m.joined[networkID]
	m.mu.RUnlock()
	if already {
		return nil, errdefs.Wrapf(errdefs.ErrDuplicateJoin, "network %s", networkID)
	}

	var network *types.NetworkInfo
	if m.disc != nil {
		if n, ok := m.disc.Lookup(networkID); ok {
			network = n
		}
	}
	if network == nil {
		return nil, errdefs.Wrapf(errdefs.ErrUnreachable, "network %s not discovered", networkID)
	}

	if !m.enforcer.Tier().AtLeast(network.RequiredTier) {
		return nil, errdefs.Wrapf(errdefs.ErrTierTooLow,
			"network requires %s, have %s", network.RequiredTier, m.enforcer.Tier())
	}
	if err := m.enforcer.RequireModel(network.ModelID); err != nil {
		return nil, err
	}

	request := &types.JoinRequest{
		RequestID:   uuid.New().String(),
		NodeID:      m.nodeID,
		NodeAddress: m.address,
		NetworkID:   networkID,
		LicenseTier: m.enforcer.Tier(),
		RequestedAt: time.Now().UTC(),
	}

	response, err := m.client.SendJoinRequest(network.AdminAddress, request, JoinTimeout)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrTimeout, "no response from admin %s: %v", network.AdminAddress, err)
	}
	if !response.Approved {
		return nil, fmt.Errorf("join denied: %s", response.Reason)
	}
	if response.NetworkConfig == nil {
		return nil, errdefs.Wrapf(errdefs.ErrMessageInvalid, "approval carried no network config")
	}

	if err := m.store.SaveJoinedNetwork(response.NetworkConfig); err != nil {
		return nil, fmt.Errorf("failed to persist network config: %w", err)
	}

	m.mu.Lock()
	m.joined[networkID] = response.NetworkConfig
	m.mu.Unlock()

	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:      events.EventNetworkJoined,
			NetworkID: networkID,
			NodeID:    m.nodeID,
			Message:   "joined network",
		})
	}

	m.logger.Info().Str("network_id", networkID).Msg("Joined network")
	return response.NetworkConfig, nil
}

// LeaveNetwork forgets a joined network
func (m *Manager) LeaveNetwork(networkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.joined[networkID]; !ok {
		return fmt.Errorf("not joined to network: %s", networkID)
	}
	if err := m.store.DeleteJoinedNetwork(networkID); err != nil {
		return err
	}
	delete(m.joined, networkID)
	return nil
}

// SubmitJoinRequest registers an inbound request and returns a channel
// that resolves when the admin decides. The join server calls this.
func (m *Manager) SubmitJoinRequest(request *types.JoinRequest) (<-chan *types.JoinResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.managed[request.NetworkID]; !ok {
		return nil, fmt.Errorf("network not managed by this node: %s", request.NetworkID)
	}
	if _, ok := m.pending[request.RequestID]; ok {
		return nil, errdefs.Wrapf(errdefs.ErrDuplicateJoin, "request %s already pending", request.RequestID)
	}

	p := &pendingJoin{
		request:  request,
		decision: make(chan *types.JoinResponse, 1),
	}
	m.pending[request.RequestID] = p

	m.logger.Info().
		Str("request_id", request.RequestID).
		Str("node_id", request.NodeID).
		Str("network_id", request.NetworkID).
		Msg("Join request pending")
	return p.decision, nil
}

// Approve grants a pending join request and emits the client-scoped
// network configuration.
func (m *Manager) Approve(requestID, adminMessage string) error {
	err := m.approve(requestID, adminMessage)
	if err == nil && m.disc != nil {
		// Push the new client count to observers ahead of the next
		// heartbeat.
		m.disc.Announce()
	}
	return err
}

func (m *Manager) approve(requestID, adminMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[requestID]
	if !ok {
		return fmt.Errorf("no pending join request: %s", requestID)
	}

	network, ok := m.managed[p.request.NetworkID]
	if !ok {
		return fmt.Errorf("network not managed by this node: %s", p.request.NetworkID)
	}

	if !network.HasCapacity() {
		m.resolveLocked(requestID, &types.JoinResponse{
			RequestID: requestID,
			Approved:  false,
			Reason:    "network at capacity",
		})
		return errdefs.ErrAtCapacity
	}

	if !p.request.LicenseTier.AtLeast(network.RequiredTier) {
		m.resolveLocked(requestID, &types.JoinResponse{
			RequestID: requestID,
			Approved:  false,
			Reason:    fmt.Sprintf("network requires tier %s", network.RequiredTier),
		})
		return errdefs.ErrTierTooLow
	}

	config := &types.NetworkConfig{
		NetworkID:       network.NetworkID,
		NetworkName:     network.NetworkName,
		ModelID:         network.ModelID,
		AdminAddress:    network.AdminAddress,
		ModelChainOrder: m.chainOrderFor(network.ModelID),
		HeartbeatPort:   discovery.HeartbeatPort,
	}

	network.CurrentClients++
	if err := m.store.UpdateNetwork(network); err != nil {
		network.CurrentClients--
		return fmt.Errorf("failed to persist client count: %w", err)
	}

	m.resolveLocked(requestID, &types.JoinResponse{
		RequestID:     requestID,
		Approved:      true,
		NetworkConfig: config,
		AdminMessage:  adminMessage,
	})

	m.logger.Info().
		Str("request_id", requestID).
		Str("network_id", network.NetworkID).
		Int("current_clients", network.CurrentClients).
		Msg("Approved join request")
	return nil
}

// Deny rejects a pending join request
func (m *Manager) Deny(requestID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[requestID]; !ok {
		return fmt.Errorf("no pending join request: %s", requestID)
	}

	m.resolveLocked(requestID, &types.JoinResponse{
		RequestID: requestID,
		Approved:  false,
		Reason:    reason,
	})
	return nil
}

// resolveLocked delivers the decision and purges the pending entry.
// Caller holds the lock.
func (m *Manager) resolveLocked(requestID string, response *types.JoinResponse) {
	p := m.pending[requestID]
	delete(m.pending, requestID)
	p.decision <- response
	close(p.decision)
}

// AbandonJoinRequest purges a pending request whose requester went away
func (m *Manager) AbandonJoinRequest(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, requestID)
}

// PendingRequests returns a snapshot of undecided join requests
func (m *Manager) PendingRequests() []types.JoinRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.JoinRequest, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, *p.request)
	}
	return out
}

// ManagedNetworks returns this node's networks; it implements
// discovery.NetworkSource.
func (m *Manager) ManagedNetworks() []types.NetworkInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.NetworkInfo, 0, len(m.managed))
	for _, n := range m.managed {
		out = append(out, *n)
	}
	return out
}

// ManagedNetwork returns one managed network by id
func (m *Manager) ManagedNetwork(networkID string) (*types.NetworkInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.managed[networkID]
	if !ok {
		return nil, false
	}
	copied := *n
	return &copied, true
}

// JoinedNetworks returns the configs of networks this node has joined
func (m *Manager) JoinedNetworks() []types.NetworkConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.NetworkConfig, 0, len(m.joined))
	for _, c := range m.joined {
		out = append(out, *c)
	}
	return out
}

// ClientLeft decrements a managed network's client count
func (m *Manager) ClientLeft(networkID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.managed[networkID]; ok && n.CurrentClients > 0 {
		n.CurrentClients--
		m.store.UpdateNetwork(n)
	}
}

func (m *Manager) updateMetrics() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.updateMetricsLocked()
}

func (m *Manager) updateMetricsLocked() {
	counts := make(map[types.NetworkStatus]int)
	for _, n := range m.managed {
		counts[n.Status]++
	}
	for _, status := range []types.NetworkStatus{
		types.NetworkStatusActive, types.NetworkStatusInactive,
		types.NetworkStatusMaintenance, types.NetworkStatusRestricted,
	} {
		metrics.NetworksTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// chainOrderFor builds the layer chain for a model: explicit metadata
// wins, otherwise the family heuristic.
func (m *Manager) chainOrderFor(modelID string) []int {
	count, ok := m.modelBlocks[modelID]
	if !ok {
		count = types.ModelChainOrder(modelID)
	}
	order := make([]int, count)
	for i := range order {
		order[i] = i
	}
	return order
}
