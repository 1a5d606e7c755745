package kvcache

import (
	"sort"
	"sync"

	"github.com/tiktrue/platform/pkg/errdefs"
)

// SessionCache owns one layer storage per global layer index this node
// is responsible for. Stores and retrieves on the same layer are
// serialized by the session lock; different sessions are independent.
type SessionCache struct {
	sessionID string
	pool      *PageManager

	mu     sync.Mutex
	layers map[int]*LayerStorage
}

// Metadata is the lightweight per-session summary shipped alongside
// inference requests.
type Metadata struct {
	SessionID              string `json:"session_id"`
	TotalTokensOnNode      int    `json:"total_tokens_on_node"`
	TotalActivePagesOnNode int    `json:"total_active_pages_on_node"`
}

// NewSessionCache creates a cache for a session over the node's
// assigned global layer indices.
func NewSessionCache(sessionID string, assignedLayers []int, pool *PageManager) *SessionCache {
	layers := make(map[int]*LayerStorage, len(assignedLayers))
	for _, idx := range assignedLayers {
		layers[idx] = newLayerStorage(sessionID, idx, pool)
	}
	return &SessionCache{
		sessionID: sessionID,
		pool:      pool,
		layers:    layers,
	}
}

// SessionID returns the owning session id
func (sc *SessionCache) SessionID() string {
	return sc.sessionID
}

// AssignedLayers returns the managed layer indices in ascending order
func (sc *SessionCache) AssignedLayers() []int {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	out := make([]int, 0, len(sc.layers))
	for idx := range sc.layers {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// StoreForLayer appends tokens to a managed layer. Storing to an
// unmanaged layer is a state error: silently dropping the tokens would
// lose data.
func (sc *SessionCache) StoreForLayer(layerIdx int, keys, values *Tensor) (int, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	ls, ok := sc.layers[layerIdx]
	if !ok {
		return 0, errdefs.Wrapf(errdefs.ErrUnmanagedLayer, "layer %d not managed by session %s", layerIdx, sc.sessionID)
	}
	return ls.Store(keys, values)
}

// RetrieveForLayer gathers up to length tokens from a managed layer.
// length < 0 means everything. Retrieval from an unmanaged layer is
// benign and returns empty tensors.
func (sc *SessionCache) RetrieveForLayer(layerIdx int, length int) (*Tensor, *Tensor) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	ls, ok := sc.layers[layerIdx]
	if !ok {
		cfg := sc.pool.Config()
		return NewTensor(cfg.DType, cfg.Batch, cfg.NumHeads, 0, cfg.HeadDim),
			NewTensor(cfg.DType, cfg.Batch, cfg.NumHeads, 0, cfg.HeadDim)
	}
	return ls.Retrieve(length)
}

// TokensForLayer returns the stored token count for a layer, 0 when
// unmanaged.
func (sc *SessionCache) TokensForLayer(layerIdx int) int {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if ls, ok := sc.layers[layerIdx]; ok {
		return ls.TotalTokens()
	}
	return 0
}

// ResetForNewPrompt releases every page across all layer storages back
// to the pool.
func (sc *SessionCache) ResetForNewPrompt() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for _, ls := range sc.layers {
		ls.Reset()
	}
}

// LightweightMetadata summarizes the cache for transport with
// inference requests.
func (sc *SessionCache) LightweightMetadata() Metadata {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	meta := Metadata{SessionID: sc.sessionID}
	for _, ls := range sc.layers {
		meta.TotalTokensOnNode += ls.TotalTokens()
		meta.TotalActivePagesOnNode += ls.PageCount()
	}
	return meta
}
