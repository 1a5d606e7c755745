// Package service composes the control-plane components into the
// multi-network service that runs on one node: license enforcement,
// access control, discovery, network lifecycle, health, failover,
// config sync, monitoring and resource optimization with a shared
// resource budget.
package service

import (
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tiktrue/platform/pkg/access"
	"github.com/tiktrue/platform/pkg/configsync"
	"github.com/tiktrue/platform/pkg/discovery"
	"github.com/tiktrue/platform/pkg/events"
	"github.com/tiktrue/platform/pkg/failover"
	"github.com/tiktrue/platform/pkg/health"
	"github.com/tiktrue/platform/pkg/hwid"
	"github.com/tiktrue/platform/pkg/license"
	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/modelcrypto"
	"github.com/tiktrue/platform/pkg/monitoring"
	"github.com/tiktrue/platform/pkg/netmgr"
	"github.com/tiktrue/platform/pkg/optimizer"
	"github.com/tiktrue/platform/pkg/storage"
	"github.com/tiktrue/platform/pkg/types"
)

// Config is the node-level bootstrap configuration
type Config struct {
	NodeID  string `yaml:"node_id"`
	Address string `yaml:"address"`
	DataDir string `yaml:"data_dir"`

	DiscoveryGroup string `yaml:"discovery_group"`
	DiscoveryPort  int    `yaml:"discovery_port"`
	HeartbeatPort  int    `yaml:"heartbeat_port"`
	JoinBind       string `yaml:"join_bind"`

	ConflictStrategy string `yaml:"conflict_strategy"`

	// DisableNetworking skips sockets; used by tests and offline tools.
	DisableNetworking bool `yaml:"-"`
}

// Service is the per-node composition root
type Service struct {
	cfg    Config
	logger zerolog.Logger

	Enforcer   *license.Enforcer
	Access     *access.Manager
	Store      storage.Store
	Crypto     *modelcrypto.Engine
	Monitoring *monitoring.System
	Broker     *events.Broker
	Discovery  *discovery.Service
	Networks   *netmgr.Manager
	Health     *health.Monitor
	Failover   *failover.Manager
	Sync       *configsync.Synchronizer
	Collector  *optimizer.Collector
	Ledger     *Ledger

	joinServer *netmgr.JoinServer
	started    bool
}

// New builds the full component graph. The license enforcer and
// monitoring system come up first; everything else consumes them.
func New(cfg Config) (*Service, error) {
	hardwareSig, err := hwid.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("failed to derive hardware fingerprint: %w", err)
	}

	licStorage, err := license.NewStorage(cfg.DataDir, hardwareSig)
	if err != nil {
		return nil, err
	}
	enforcer, err := license.NewEnforcer(licStorage, hardwareSig)
	if err != nil {
		return nil, err
	}

	mon, err := monitoring.NewSystem(cfg.DataDir, monitoring.DefaultThresholds())
	if err != nil {
		return nil, err
	}

	accessMgr, err := access.NewManager(enforcer, cfg.DataDir, mon)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	engine, err := modelcrypto.NewEngine(cfg.DataDir, hardwareSig)
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()

	var disc *discovery.Service
	if !cfg.DisableNetworking {
		disc = discovery.NewService(discovery.Config{
			NodeID:        cfg.NodeID,
			Tier:          enforcer.Tier(),
			Group:         cfg.DiscoveryGroup,
			DiscoveryPort: cfg.DiscoveryPort,
			HeartbeatPort: cfg.HeartbeatPort,
		}, nil)
	}

	networks, err := netmgr.NewManager(netmgr.Config{NodeID: cfg.NodeID, Address: cfg.Address},
		enforcer, store, disc, broker, nil)
	if err != nil {
		return nil, err
	}
	// The manager is the discovery service's view of this node's
	// networks; both exist now, close the loop.
	if disc != nil {
		disc.SetSource(networks)
	}

	healthMon := health.NewMonitor(health.DefaultConfig(), nil, enforcer)

	failoverMgr := failover.NewManager(failover.DefaultConfig(), enforcer, store, nil, nil, healthMon, broker)

	strategy := configsync.Strategy(cfg.ConflictStrategy)
	if strategy == "" {
		strategy = configsync.TimestampWins
	}
	sync, err := configsync.NewSynchronizer(cfg.NodeID, enforcer, store, nil, strategy, broker)
	if err != nil {
		return nil, err
	}

	collector := optimizer.NewCollector(30*time.Second, nil)

	totalMemMB := int64(8192)
	if vm, err := mem.VirtualMemory(); err == nil {
		totalMemMB = int64(vm.Total / (1024 * 1024))
	}
	ledger := NewLedger(float64(runtime.NumCPU()), totalMemMB)

	s := &Service{
		cfg:        cfg,
		logger:     log.WithComponent("service"),
		Enforcer:   enforcer,
		Access:     accessMgr,
		Store:      store,
		Crypto:     engine,
		Monitoring: mon,
		Broker:     broker,
		Discovery:  disc,
		Networks:   networks,
		Health:     healthMon,
		Failover:   failoverMgr,
		Sync:       sync,
		Collector:  collector,
		Ledger:     ledger,
	}

	s.wire()
	return s, nil
}

// wire connects the cross-component callback tables
func (s *Service) wire() {
	// Health transitions land in the durable event log, and worker
	// criticality triggers failover.
	s.Health.RegisterCallback(func(n health.Notification) {
		severity := monitoring.SeverityInfo
		switch n.Severity {
		case health.SeverityWarning:
			severity = monitoring.SeverityWarning
		case health.SeverityCritical:
			severity = monitoring.SeverityCritical
		}
		s.Monitoring.RecordEvent(monitoring.Event{
			Type:     monitoring.EventNetworkEvent,
			Severity: severity,
			Message:  n.Message,
			NodeID:   n.TargetID,
		})

		if n.Kind == health.KindWorker && n.To == health.StatusCritical {
			if worker, err := s.Store.GetWorker(n.TargetID); err == nil {
				go s.Failover.HandleWorkerFailure(n.TargetID, worker.NetworkID)
			}
		}
		if n.Kind == health.KindNetwork && n.To == health.StatusCritical {
			go s.Failover.HandleNetworkFailure(n.TargetID)
		}
	})

	// Broker events mirror into monitoring.
	sub := s.Broker.Subscribe()
	go func() {
		for event := range sub {
			s.Monitoring.RecordEvent(monitoring.Event{
				Type:      monitoring.EventNetworkEvent,
				Severity:  monitoring.SeverityInfo,
				Message:   event.Message,
				NetworkID: event.NetworkID,
				NodeID:    event.NodeID,
				Details:   event.Metadata,
			})
		}
	}()
}

// Start brings the long-lived loops up
func (s *Service) Start() error {
	if s.started {
		return nil
	}

	s.Broker.Start()

	if s.Discovery != nil {
		if err := s.Discovery.Start(); err != nil {
			return err
		}
	}

	if !s.cfg.DisableNetworking {
		bind := s.cfg.JoinBind
		if bind == "" {
			bind = fmt.Sprintf(":%d", netmgr.JoinPort)
		}
		joinServer, err := netmgr.NewJoinServer(s.Networks, bind)
		if err != nil {
			return err
		}
		s.joinServer = joinServer
		joinServer.Start()
	}

	s.Health.Start()
	s.Sync.Start()
	s.Collector.Start()

	s.Monitoring.RecordEvent(monitoring.Event{
		Type:     monitoring.EventSystemStart,
		Severity: monitoring.SeverityInfo,
		Message:  fmt.Sprintf("node %s started", s.cfg.NodeID),
		NodeID:   s.cfg.NodeID,
	})

	s.started = true
	s.logger.Info().Str("node_id", s.cfg.NodeID).Msg("Multi-network service started")
	return nil
}

// Stop tears the loops down in reverse order; the monitoring system and
// the store close last so shutdown events are recorded.
func (s *Service) Stop() {
	if !s.started {
		return
	}
	s.started = false

	s.Collector.Stop()
	s.Sync.Stop()
	s.Health.Stop()
	if s.joinServer != nil {
		s.joinServer.Stop()
	}
	if s.Discovery != nil {
		s.Discovery.Stop()
	}
	s.Broker.Stop()

	s.Monitoring.RecordEvent(monitoring.Event{
		Type:     monitoring.EventSystemStop,
		Severity: monitoring.SeverityInfo,
		Message:  fmt.Sprintf("node %s stopped", s.cfg.NodeID),
		NodeID:   s.cfg.NodeID,
	})
	s.Monitoring.Close()
	s.Store.Close()

	s.logger.Info().Msg("Multi-network service stopped")
}

// CreateNetwork validates quota, reserves resources, creates the
// network and registers it for health monitoring.
func (s *Service) CreateNetwork(name string, networkType types.NetworkType, modelID string, maxClients, priority int) (*types.NetworkInfo, error) {
	if !s.Access.ConsumeQuota(access.ResourceNetwork, 1, 0) {
		s.Monitoring.RecordEvent(monitoring.Event{
			Type:     monitoring.EventQuotaExceeded,
			Severity: monitoring.SeverityWarning,
			Message:  "network quota exceeded",
		})
		return nil, fmt.Errorf("network quota exceeded")
	}

	// Reserve under a placeholder id, rebind after creation.
	tempID := "pending-" + name
	if _, err := s.Ledger.Allocate(tempID, modelID, maxClients, priority); err != nil {
		s.Access.ReleaseQuota(access.ResourceNetwork, 1, 0)
		return nil, err
	}

	network, err := s.Networks.CreateNetwork(name, networkType, modelID, maxClients)
	if err != nil {
		s.Ledger.Release(tempID)
		s.Access.ReleaseQuota(access.ResourceNetwork, 1, 0)
		return nil, err
	}

	s.Ledger.Release(tempID)
	if _, err := s.Ledger.Allocate(network.NetworkID, modelID, maxClients, priority); err != nil {
		// The placeholder fit, so this only races another creator;
		// surface it rather than leaving an unaccounted network.
		s.logger.Error().Err(err).Str("network_id", network.NetworkID).Msg("Failed to rebind allocation")
	}

	s.Health.AddTarget(health.KindNetwork, network.NetworkID, network.AdminAddress)

	if s.Enforcer.Current() != nil {
		s.Monitoring.RecordLicenseUsage(monitoring.LicenseUsage{
			LicenseChecksum: license.Fingerprint(s.Enforcer.Current()),
			Feature:         "multi_network",
			Action:          "create_network",
			Allowed:         true,
		})
	}

	return network, nil
}

// DeleteNetwork tears a network down in reverse creation order
func (s *Service) DeleteNetwork(networkID string) error {
	s.Health.RemoveTarget(networkID)

	if err := s.Networks.DeleteNetwork(networkID); err != nil {
		return err
	}

	s.Ledger.Release(networkID)
	s.Access.ReleaseQuota(access.ResourceNetwork, 1, 0)
	return nil
}

// RegisterWorker records a worker for a managed network and starts
// monitoring it.
func (s *Service) RegisterWorker(worker *types.WorkerInfo) error {
	if _, ok := s.Networks.ManagedNetwork(worker.NetworkID); !ok {
		return fmt.Errorf("network not managed by this node: %s", worker.NetworkID)
	}

	if !s.Access.ConsumeQuota(access.ResourceWorker, 1, 0) {
		return fmt.Errorf("worker quota exceeded")
	}

	worker.LastHeartbeat = time.Now()
	if err := s.Store.SaveWorker(worker); err != nil {
		s.Access.ReleaseQuota(access.ResourceWorker, 1, 0)
		return err
	}

	s.Health.AddTarget(health.KindWorker, worker.NodeID, worker.Address)
	s.Broker.Publish(&events.Event{
		Type:      events.EventWorkerRegistered,
		NetworkID: worker.NetworkID,
		NodeID:    worker.NodeID,
		Message:   fmt.Sprintf("worker %s registered", worker.NodeID),
	})
	return nil
}

// DashboardSnapshot aggregates node state for a UI poll
type DashboardSnapshot struct {
	NodeID          string                `json:"node_id"`
	Tier            types.Tier            `json:"tier"`
	Managed         []types.NetworkInfo   `json:"managed_networks"`
	Joined          []types.NetworkConfig `json:"joined_networks"`
	Discovered      []types.NetworkInfo   `json:"discovered_networks"`
	Health          health.Summary        `json:"health"`
	Allocations     map[string]Allocation `json:"allocations"`
	RecentEvents    []monitoring.Event    `json:"recent_events"`
	QuotaUsage      map[string]access.ResourceQuota `json:"quota_usage"`
	DegradationMode string                `json:"degradation_mode"`
}

// Dashboard builds a point-in-time snapshot of the node
func (s *Service) Dashboard() DashboardSnapshot {
	var discovered []types.NetworkInfo
	if s.Discovery != nil {
		discovered = s.Discovery.Discovered()
	}

	return DashboardSnapshot{
		NodeID:          s.cfg.NodeID,
		Tier:            s.Enforcer.Tier(),
		Managed:         s.Networks.ManagedNetworks(),
		Joined:          s.Networks.JoinedNetworks(),
		Discovered:      discovered,
		Health:          s.Health.Summary(),
		Allocations:     s.Ledger.Snapshot(),
		RecentEvents:    s.Monitoring.RecentEvents(50),
		QuotaUsage:      s.Access.Quotas(),
		DegradationMode: s.Failover.DegradationLevelNow().String(),
	}
}

// DoctorResult reports one subsystem's self-check outcome
type DoctorResult struct {
	Subsystem string `json:"subsystem"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
}

// Doctor runs the node self-check: license validity, storage
// reachability, monitoring writability and discovery state.
func (s *Service) Doctor() []DoctorResult {
	var out []DoctorResult

	if err := s.Enforcer.Check(); err != nil {
		out = append(out, DoctorResult{Subsystem: "license", OK: false, Detail: err.Error()})
	} else {
		out = append(out, DoctorResult{Subsystem: "license", OK: true,
			Detail: fmt.Sprintf("tier %s", s.Enforcer.Tier())})
	}

	if _, err := s.Store.ListNetworks(); err != nil {
		out = append(out, DoctorResult{Subsystem: "storage", OK: false, Detail: err.Error()})
	} else {
		out = append(out, DoctorResult{Subsystem: "storage", OK: true})
	}

	if err := s.Monitoring.RecordMetric(monitoring.Metric{Name: "doctor_probe", Value: 1}); err != nil {
		out = append(out, DoctorResult{Subsystem: "monitoring", OK: false, Detail: err.Error()})
	} else {
		out = append(out, DoctorResult{Subsystem: "monitoring", OK: true})
	}

	if s.Discovery == nil {
		out = append(out, DoctorResult{Subsystem: "discovery", OK: false, Detail: "networking disabled"})
	} else {
		out = append(out, DoctorResult{Subsystem: "discovery", OK: true,
			Detail: fmt.Sprintf("%d networks visible", len(s.Discovery.Discovered()))})
	}

	return out
}
