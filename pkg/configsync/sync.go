package configsync

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tiktrue/platform/pkg/errdefs"
	"github.com/tiktrue/platform/pkg/events"
	"github.com/tiktrue/platform/pkg/license"
	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/metrics"
	"github.com/tiktrue/platform/pkg/storage"
	"github.com/tiktrue/platform/pkg/types"
)

const (
	retryAfter    = 5 * time.Minute
	retryInterval = 30 * time.Second
)

// Transport delivers serialized changes to mesh peers
type Transport interface {
	SendConfigChange(nodeID string, payload []byte) error
}

// Stats tracks synchronizer activity
type Stats struct {
	Broadcasts        int `json:"broadcasts"`
	UpdatesReceived   int `json:"updates_received"`
	UpdatesApplied    int `json:"updates_applied"`
	ConflictsDetected int `json:"conflicts_detected"`
	ConflictsResolved int `json:"conflicts_resolved"`
}

// Synchronizer owns this node's configuration items and exchanges
// changes with the mesh.
type Synchronizer struct {
	nodeID    string
	enforcer  *license.Enforcer
	store     storage.Store
	transport Transport
	strategy  Strategy
	broker    *events.Broker
	logger    zerolog.Logger

	mu        sync.Mutex
	items     map[string]*Item
	peers     []string
	pending   map[string]*pendingChange
	conflicts map[string]*Conflict
	stats     Stats

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

type pendingChange struct {
	change  Change
	sentAt  time.Time
	targets []string
}

// NewSynchronizer wires the config synchronizer; persisted items are
// reloaded from the store.
func NewSynchronizer(nodeID string, enforcer *license.Enforcer, store storage.Store, transport Transport, strategy Strategy, broker *events.Broker) (*Synchronizer, error) {
	s := &Synchronizer{
		nodeID:    nodeID,
		enforcer:  enforcer,
		store:     store,
		transport: transport,
		strategy:  strategy,
		broker:    broker,
		logger:    log.WithComponent("configsync"),
		items:     make(map[string]*Item),
		pending:   make(map[string]*pendingChange),
		conflicts: make(map[string]*Conflict),
		stopCh:    make(chan struct{}),
	}

	persisted, err := store.ListConfigItems()
	if err != nil {
		return nil, fmt.Errorf("failed to load config items: %w", err)
	}
	for key, data := range persisted {
		var item Item
		if err := json.Unmarshal(data, &item); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Dropping unreadable config item")
			continue
		}
		if !item.Verify() {
			s.logger.Warn().Str("key", key).Msg("Dropping config item with bad checksum")
			continue
		}
		s.items[key] = &item
	}

	return s, nil
}

// SetPeers replaces the mesh peer set used for broadcasts
func (s *Synchronizer) SetPeers(peers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = append([]string(nil), peers...)
}

// Start spawns the pending-change retry loop
func (s *Synchronizer) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.retryLoop()
}

// Stop cancels the retry loop
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// Get returns a copy of the item for a key
func (s *Synchronizer) Get(key string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

// Items returns a copy of all items
func (s *Synchronizer) Items() map[string]Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Item, len(s.items))
	for k, v := range s.items {
		out[k] = *v
	}
	return out
}

// Version returns the node's global configuration version
func (s *Synchronizer) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return GlobalVersion(s.items)
}

// Set records a local change (create or update), persists it and
// broadcasts it to the mesh. The per-key version is bumped
// monotonically.
func (s *Synchronizer) Set(key string, value Value, scope Scope, licenseReqs []string) (*Change, error) {
	if err := s.checkLicense(scope, licenseReqs); err != nil {
		return nil, err
	}

	s.mu.Lock()

	changeType := ChangeCreate
	var version int64 = 1
	var oldValue *Value
	if existing, ok := s.items[key]; ok {
		changeType = ChangeUpdate
		version = existing.Version + 1
		old := existing.Value
		oldValue = &old
	}

	item := &Item{
		Key:                 key,
		Value:               value,
		Scope:               scope,
		Version:             version,
		Timestamp:           time.Now().UTC(),
		Author:              s.nodeID,
		LicenseRequirements: licenseReqs,
	}
	item.Seal()
	s.items[key] = item

	change := Change{
		ChangeID:   uuid.New().String(),
		Type:       changeType,
		Item:       *item,
		OldValue:   oldValue,
		NodeID:     s.nodeID,
		AuthorTier: string(s.enforcer.Tier()),
		Applied:    true,
		Timestamp:  item.Timestamp,
	}
	s.mu.Unlock()

	if err := s.persist(item); err != nil {
		return nil, err
	}

	s.Broadcast(&change)
	return &change, nil
}

// Delete removes a key locally and broadcasts the deletion
func (s *Synchronizer) Delete(key string) (*Change, error) {
	s.mu.Lock()
	existing, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("config item not found: %s", key)
	}

	old := existing.Value
	item := &Item{
		Key:       key,
		Value:     Null(),
		Scope:     existing.Scope,
		Version:   existing.Version + 1,
		Timestamp: time.Now().UTC(),
		Author:    s.nodeID,
	}
	item.Seal()
	delete(s.items, key)

	change := Change{
		ChangeID:   uuid.New().String(),
		Type:       ChangeDelete,
		Item:       *item,
		OldValue:   &old,
		NodeID:     s.nodeID,
		AuthorTier: string(s.enforcer.Tier()),
		Applied:    true,
		Timestamp:  item.Timestamp,
	}
	s.mu.Unlock()

	if err := s.store.DeleteConfigItem(key); err != nil {
		return nil, err
	}

	s.Broadcast(&change)
	return &change, nil
}

// Broadcast serializes a change and sends it to every peer. Peers whose
// send fails are recorded as pending for the retry loop.
func (s *Synchronizer) Broadcast(change *Change) {
	s.mu.Lock()
	peers := append([]string(nil), s.peers...)
	s.mu.Unlock()

	if s.transport == nil || len(peers) == 0 {
		return
	}

	payload, err := json.Marshal(change)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal config change")
		return
	}

	var failed []string
	for _, peer := range peers {
		if err := s.transport.SendConfigChange(peer, payload); err != nil {
			s.logger.Warn().Err(err).Str("peer", peer).Msg("Failed to send config change")
			failed = append(failed, peer)
		}
	}

	s.mu.Lock()
	s.stats.Broadcasts++
	if len(failed) > 0 {
		s.pending[change.ChangeID] = &pendingChange{
			change:  *change,
			sentAt:  time.Now(),
			targets: failed,
		}
	}
	s.mu.Unlock()

	metrics.ConfigBroadcasts.Inc()
}

// Receive ingests a change from a peer: newer versions apply, equal or
// older versions with a different checksum open a conflict fed to the
// local strategy.
func (s *Synchronizer) Receive(payload []byte) error {
	var change Change
	if err := json.Unmarshal(payload, &change); err != nil {
		return errdefs.Wrapf(errdefs.ErrMessageInvalid, "config change payload: %v", err)
	}
	if !change.Item.Verify() {
		return errdefs.Wrapf(errdefs.ErrMessageInvalid, "config change %s checksum mismatch", change.ChangeID)
	}

	s.mu.Lock()
	s.stats.UpdatesReceived++
	local, exists := s.items[change.Item.Key]

	switch {
	case !exists || local.Version < change.Item.Version:
		s.mu.Unlock()
		return s.apply(&change)

	case local.Checksum == change.Item.Checksum:
		// Same change seen again; nothing to do.
		s.mu.Unlock()
		return nil

	default:
		// Competing change: group it with the local state.
		s.stats.ConflictsDetected++
		localChange := Change{
			ChangeID:   uuid.New().String(),
			Type:       ChangeUpdate,
			Item:       *local,
			NodeID:     s.nodeID,
			AuthorTier: string(s.enforcer.Tier()),
			Timestamp:  local.Timestamp,
		}
		conflict := &Conflict{
			Key:        change.Item.Key,
			Changes:    []Change{localChange, change},
			Strategy:   s.strategy,
			DetectedAt: time.Now().UTC(),
		}
		s.conflicts[change.Item.Key] = conflict
		s.mu.Unlock()

		if s.broker != nil {
			s.broker.Publish(&events.Event{
				Type:    events.EventConfigConflict,
				NodeID:  s.nodeID,
				Message: fmt.Sprintf("config conflict on %s", change.Item.Key),
			})
		}
		return s.resolveConflict(conflict)
	}
}

// apply installs a change after license validation and persists it
func (s *Synchronizer) apply(change *Change) error {
	if err := s.checkLicense(change.Item.Scope, change.Item.LicenseRequirements); err != nil {
		return err
	}

	s.mu.Lock()
	if change.Type == ChangeDelete {
		delete(s.items, change.Item.Key)
		s.stats.UpdatesApplied++
		s.mu.Unlock()
		return s.store.DeleteConfigItem(change.Item.Key)
	}

	item := change.Item
	s.items[item.Key] = &item
	s.stats.UpdatesApplied++
	s.mu.Unlock()

	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:    events.EventConfigApplied,
			NodeID:  s.nodeID,
			Message: fmt.Sprintf("config %s applied at version %d", item.Key, item.Version),
		})
	}
	return s.persist(&item)
}

// resolveConflict runs the strategy and applies the winner. Unresolved
// conflicts stay in the conflicts table.
func (s *Synchronizer) resolveConflict(conflict *Conflict) error {
	winner := Resolve(conflict)
	if winner == nil {
		s.logger.Warn().Str("key", conflict.Key).Msg("Conflict left for manual resolution")
		return nil
	}

	s.mu.Lock()
	conflict.Resolved = true
	resolution := winner.Item
	conflict.Resolution = &resolution
	delete(s.conflicts, conflict.Key)
	s.items[conflict.Key] = &resolution
	s.stats.ConflictsResolved++
	s.mu.Unlock()

	metrics.ConfigConflictsResolved.WithLabelValues(string(conflict.Strategy)).Inc()
	s.logger.Info().
		Str("key", conflict.Key).
		Str("strategy", string(conflict.Strategy)).
		Str("winner_node", winner.NodeID).
		Msg("Config conflict resolved")

	// Re-broadcast the resolution so the mesh converges.
	rebroadcast := *winner
	rebroadcast.ChangeID = uuid.New().String()
	rebroadcast.NodeID = s.nodeID
	s.Broadcast(&rebroadcast)

	return s.persist(&resolution)
}

// Conflicts returns the unresolved conflicts
func (s *Synchronizer) Conflicts() []Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conflict, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		out = append(out, *c)
	}
	return out
}

// ResolveManually settles a manual-resolution conflict with the given
// value.
func (s *Synchronizer) ResolveManually(key string, value Value) error {
	s.mu.Lock()
	conflict, ok := s.conflicts[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no open conflict for key: %s", key)
	}

	var maxVersion int64
	for _, c := range conflict.Changes {
		if c.Item.Version > maxVersion {
			maxVersion = c.Item.Version
		}
	}

	item := &Item{
		Key:       key,
		Value:     value,
		Scope:     conflict.Changes[0].Item.Scope,
		Version:   maxVersion + 1,
		Timestamp: time.Now().UTC(),
		Author:    s.nodeID,
	}
	item.Seal()

	delete(s.conflicts, key)
	s.items[key] = item
	s.stats.ConflictsResolved++
	s.mu.Unlock()

	change := Change{
		ChangeID:   uuid.New().String(),
		Type:       ChangeUpdate,
		Item:       *item,
		NodeID:     s.nodeID,
		AuthorTier: string(s.enforcer.Tier()),
		Applied:    true,
		Timestamp:  item.Timestamp,
	}
	s.Broadcast(&change)
	return s.persist(item)
}

// Stats returns a snapshot of synchronizer counters
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// checkLicense validates a change against the current license: every
// requirement must be a licensed feature and global scope needs PRO.
func (s *Synchronizer) checkLicense(scope Scope, requirements []string) error {
	if scope == ScopeGlobal {
		if err := s.enforcer.RequireTier(types.TierPro); err != nil {
			return err
		}
	}

	tier := s.enforcer.Tier()
	for _, req := range requirements {
		if !license.HasFeature(tier, req) {
			return errdefs.Wrapf(errdefs.ErrFeatureDisallowed, "config requires feature %s", req)
		}
	}
	return nil
}

func (s *Synchronizer) persist(item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal config item: %w", err)
	}
	if err := s.store.SaveConfigItem(item.Key, data); err != nil {
		return fmt.Errorf("failed to persist config item: %w", err)
	}
	return nil
}

func (s *Synchronizer) retryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.retryPending()
		case <-s.stopCh:
			return
		}
	}
}

// retryPending resends changes that stayed undelivered past the retry
// window.
func (s *Synchronizer) retryPending() {
	now := time.Now()

	s.mu.Lock()
	var due []*pendingChange
	for id, p := range s.pending {
		if now.Sub(p.sentAt) >= retryAfter {
			due = append(due, p)
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	for _, p := range due {
		payload, err := json.Marshal(&p.change)
		if err != nil {
			continue
		}

		var failed []string
		for _, peer := range p.targets {
			if err := s.transport.SendConfigChange(peer, payload); err != nil {
				failed = append(failed, peer)
			}
		}

		if len(failed) > 0 {
			s.mu.Lock()
			s.pending[p.change.ChangeID] = &pendingChange{
				change:  p.change,
				sentAt:  now,
				targets: failed,
			}
			s.mu.Unlock()
		}
	}
}
