// Package discovery implements UDP multicast network discovery:
// announce, query, heartbeat and prune. Peers learn about networks from
// announcements and responses and forget them when heartbeats stop.
package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/metrics"
	"github.com/tiktrue/platform/pkg/types"
)

const (
	// MulticastGroup is the discovery multicast address
	MulticastGroup = "239.255.255.250"

	// DiscoveryPort carries requests/responses/announcements
	DiscoveryPort = 8700

	// HeartbeatPort carries liveness refreshes
	HeartbeatPort = 8701

	// MaxDatagram bounds every discovery message on the wire
	MaxDatagram = 8 * 1024

	heartbeatInterval = 30 * time.Second
	pruneAfter        = 90 * time.Second
	pruneInterval     = 15 * time.Second
	readTimeout       = 500 * time.Millisecond
)

// NetworkSource exposes the networks this node manages; implemented by
// the network manager.
type NetworkSource interface {
	ManagedNetworks() []types.NetworkInfo
}

// Config holds discovery service configuration
type Config struct {
	NodeID          string
	Tier            types.Tier
	SupportedModels []string

	// Group and ports default to the package constants when zero.
	Group         string
	DiscoveryPort int
	HeartbeatPort int
}

// Service is the discovery endpoint of one node
type Service struct {
	cfg      Config
	sourceMu sync.RWMutex
	source   NetworkSource
	logger   zerolog.Logger

	mu         sync.RWMutex
	discovered map[string]*types.NetworkInfo

	conn      *net.UDPConn
	hbConn    *net.UDPConn
	groupAddr *net.UDPAddr
	hbAddr    *net.UDPAddr

	stopCh  chan struct{}
	stopped sync.WaitGroup
	running bool
}

// NewService creates a discovery service; Start opens the sockets.
// source may be nil at construction and wired later with SetSource —
// the network manager that provides it is itself constructed over this
// service.
func NewService(cfg Config, source NetworkSource) *Service {
	if cfg.Group == "" {
		cfg.Group = MulticastGroup
	}
	if cfg.DiscoveryPort == 0 {
		cfg.DiscoveryPort = DiscoveryPort
	}
	if cfg.HeartbeatPort == 0 {
		cfg.HeartbeatPort = HeartbeatPort
	}

	return &Service{
		cfg:        cfg,
		source:     source,
		logger:     log.WithComponent("discovery"),
		discovered: make(map[string]*types.NetworkInfo),
		stopCh:     make(chan struct{}),
	}
}

// SetSource wires the provider of this node's managed networks. Until
// a source is set the service only observes; it does not announce,
// answer requests or heartbeat.
func (s *Service) SetSource(source NetworkSource) {
	s.sourceMu.Lock()
	defer s.sourceMu.Unlock()
	s.source = source
}

func (s *Service) networkSource() NetworkSource {
	s.sourceMu.RLock()
	defer s.sourceMu.RUnlock()
	return s.source
}

// LocalNetworks returns the networks this node currently advertises,
// or nil when no source is wired.
func (s *Service) LocalNetworks() []types.NetworkInfo {
	source := s.networkSource()
	if source == nil {
		return nil
	}
	return source.ManagedNetworks()
}

// Start opens the multicast sockets and spawns the listener, heartbeat
// and prune loops.
func (s *Service) Start() error {
	groupAddr := &net.UDPAddr{IP: net.ParseIP(s.cfg.Group), Port: s.cfg.DiscoveryPort}
	hbAddr := &net.UDPAddr{IP: net.ParseIP(s.cfg.Group), Port: s.cfg.HeartbeatPort}

	conn, err := net.ListenMulticastUDP("udp4", nil, groupAddr)
	if err != nil {
		return fmt.Errorf("failed to join discovery group: %w", err)
	}
	if err := conn.SetReadBuffer(MaxDatagram); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to set read buffer")
	}

	hbConn, err := net.ListenMulticastUDP("udp4", nil, hbAddr)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to join heartbeat group: %w", err)
	}

	s.conn = conn
	s.hbConn = hbConn
	s.groupAddr = groupAddr
	s.hbAddr = hbAddr
	s.running = true

	s.stopped.Add(4)
	go s.listenLoop(s.conn)
	go s.listenLoop(s.hbConn)
	go s.heartbeatLoop()
	go s.pruneLoop()

	s.logger.Info().
		Str("group", s.cfg.Group).
		Int("port", s.cfg.DiscoveryPort).
		Msg("Discovery service started")
	return nil
}

// Stop announces shutdown for managed networks, closes the sockets and
// joins the loops.
func (s *Service) Stop() {
	if !s.running {
		return
	}
	s.running = false

	// Tell peers our networks are going away.
	if source := s.networkSource(); source != nil {
		managed := source.ManagedNetworks()
		ids := make([]string, 0, len(managed))
		for _, n := range managed {
			ids = append(ids, n.NetworkID)
		}
		if len(ids) > 0 {
			s.send(&Message{Type: TypeNetworkShutdown, NetworkIDs: ids}, s.groupAddr)
		}
	}

	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.stopped.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn().Msg("Discovery loops did not stop in time, abandoning")
	}

	s.conn.Close()
	s.hbConn.Close()
	s.logger.Info().Msg("Discovery service stopped")
}

// Announce multicasts this node's managed networks
func (s *Service) Announce() {
	managed := s.LocalNetworks()
	if len(managed) == 0 {
		return
	}
	s.send(&Message{Type: TypeNetworkAnnouncement, Networks: managed}, s.groupAddr)
}

// Query multicasts a discovery request; responses arrive on the
// listener and land in the discovered table.
func (s *Service) Query() {
	s.send(&Message{
		Type:            TypeDiscoveryRequest,
		RequesterTier:   s.cfg.Tier,
		SupportedModels: s.cfg.SupportedModels,
	}, s.groupAddr)
}

// Discovered returns a snapshot of currently visible remote networks
func (s *Service) Discovered() []types.NetworkInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.NetworkInfo, 0, len(s.discovered))
	for _, n := range s.discovered {
		out = append(out, *n)
	}
	return out
}

// Lookup returns one discovered network by id
func (s *Service) Lookup(networkID string) (*types.NetworkInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.discovered[networkID]
	if !ok {
		return nil, false
	}
	copied := *n
	return &copied, true
}

func (s *Service) listenLoop(conn *net.UDPConn) {
	defer s.stopped.Done()

	buf := make([]byte, MaxDatagram)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Debug().Err(err).Msg("Discovery read failed")
				continue
			}
		}

		var msg Message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			s.logger.Debug().Err(err).Msg("Malformed discovery datagram")
			continue
		}

		// Replies from self are ignored.
		if msg.SenderID == s.cfg.NodeID {
			continue
		}

		metrics.DiscoveryMessages.WithLabelValues(string(msg.Type)).Inc()
		s.handle(&msg, addr)
	}
}

func (s *Service) handle(msg *Message, from *net.UDPAddr) {
	switch msg.Type {
	case TypeDiscoveryRequest:
		s.respond(msg, from)

	case TypeDiscoveryResponse, TypeNetworkAnnouncement, TypeNetworkUpdate:
		s.observe(msg.Networks)

	case TypeNetworkShutdown:
		s.mu.Lock()
		for _, id := range msg.NetworkIDs {
			delete(s.discovered, id)
		}
		metrics.DiscoveredNetworks.Set(float64(len(s.discovered)))
		s.mu.Unlock()

	case TypeHeartbeat:
		s.refresh(msg.NetworkIDs)
	}
}

// respond unicasts the requester a license-filtered view of our
// managed networks.
func (s *Service) respond(req *Message, from *net.UDPAddr) {
	matches := FilterNetworks(s.LocalNetworks(), req.RequesterTier, req.SupportedModels, req.NetworkTypes)
	if len(matches) == 0 {
		return
	}

	s.send(&Message{Type: TypeDiscoveryResponse, Networks: matches}, from)
}

// observe records or refreshes remote networks
func (s *Service) observe(networks []types.NetworkInfo) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range networks {
		n := networks[i]
		n.LastSeen = now
		s.discovered[n.NetworkID] = &n
	}
	metrics.DiscoveredNetworks.Set(float64(len(s.discovered)))
}

// refresh bumps last_seen for a sender's networks
func (s *Service) refresh(networkIDs []string) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range networkIDs {
		if n, ok := s.discovered[id]; ok {
			n.LastSeen = now
		}
	}
}

func (s *Service) heartbeatLoop() {
	defer s.stopped.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			managed := s.LocalNetworks()
			if len(managed) == 0 {
				continue
			}
			ids := make([]string, 0, len(managed))
			for _, n := range managed {
				ids = append(ids, n.NetworkID)
			}
			s.sendOn(s.hbConn, &Message{Type: TypeHeartbeat, NetworkIDs: ids}, s.hbAddr)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) pruneLoop() {
	defer s.stopped.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.prune()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) prune() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, n := range s.discovered {
		if now.Sub(n.LastSeen) > pruneAfter {
			s.logger.Debug().Str("network_id", id).Msg("Pruning stale network")
			delete(s.discovered, id)
		}
	}
	metrics.DiscoveredNetworks.Set(float64(len(s.discovered)))
}

func (s *Service) send(msg *Message, to *net.UDPAddr) {
	s.sendOn(s.conn, msg, to)
}

func (s *Service) sendOn(conn *net.UDPConn, msg *Message, to *net.UDPAddr) {
	if conn == nil || to == nil {
		return
	}
	msg.SenderID = s.cfg.NodeID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal discovery message")
		return
	}
	if len(data) > MaxDatagram {
		s.logger.Error().Int("size", len(data)).Msg("Discovery message exceeds datagram limit, dropped")
		return
	}

	if _, err := conn.WriteToUDP(data, to); err != nil {
		s.logger.Debug().Err(err).Str("type", string(msg.Type)).Msg("Failed to send discovery message")
	}
}

// Observe records a network learned out of band (join responses, static
// peer lists) as if it had been announced.
func (s *Service) Observe(n types.NetworkInfo) {
	s.observe([]types.NetworkInfo{n})
}
