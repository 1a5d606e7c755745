package kvcache

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tiktrue/platform/pkg/errdefs"
	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/metrics"
)

// PoolConfig fixes the page geometry at construction. Every page in the
// pool shares it.
type PoolConfig struct {
	Batch        int
	NumHeads     int
	HeadDim      int
	DType        DType
	PageCapacity int
	InitialPages int

	// MaxPages bounds on-demand growth; 0 means unbounded.
	MaxPages int
}

// PoolStats is a snapshot of pool occupancy
type PoolStats struct {
	Allocated    int `json:"allocated"`
	Free         int `json:"free"`
	PageCapacity int `json:"page_capacity"`
}

// PageManager owns all physical pages. Allocation drains a free list
// and grows the pool on demand; freeing resets the page counters and
// returns it to the list.
type PageManager struct {
	cfg    PoolConfig
	logger zerolog.Logger

	mu        sync.Mutex
	free      []*Page
	allocated map[int]*Page
	nextID    int
}

// NewPageManager creates a pool pre-populated with cfg.InitialPages
func NewPageManager(cfg PoolConfig) *PageManager {
	pm := &PageManager{
		cfg:       cfg,
		logger:    log.WithComponent("kvcache"),
		allocated: make(map[int]*Page),
	}
	for i := 0; i < cfg.InitialPages; i++ {
		pm.free = append(pm.free, newPage(pm.nextID, cfg))
		pm.nextID++
	}
	metrics.KVPagesFree.Set(float64(len(pm.free)))
	return pm
}

// Config returns the pool geometry
func (pm *PageManager) Config() PoolConfig {
	return pm.cfg
}

// Allocate hands out a page, synthesizing a new one when the free list
// is empty. Fails only when MaxPages is reached.
func (pm *PageManager) Allocate() (*Page, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var page *Page
	if n := len(pm.free); n > 0 {
		page = pm.free[n-1]
		pm.free = pm.free[:n-1]
	} else {
		if pm.cfg.MaxPages > 0 && len(pm.allocated) >= pm.cfg.MaxPages {
			return nil, errdefs.Wrapf(errdefs.ErrInsufficientMemory,
				"page pool exhausted (%d pages)", pm.cfg.MaxPages)
		}
		page = newPage(pm.nextID, pm.cfg)
		pm.nextID++
		pm.logger.Debug().Int("page_id", page.id).Msg("Grew page pool")
	}

	pm.allocated[page.id] = page
	metrics.KVPagesAllocated.Set(float64(len(pm.allocated)))
	metrics.KVPagesFree.Set(float64(len(pm.free)))
	return page, nil
}

// Free returns a page to the pool. Freeing a page the pool did not hand
// out is a state error.
func (pm *PageManager) Free(pageID int) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	page, ok := pm.allocated[pageID]
	if !ok {
		return errdefs.Wrapf(errdefs.ErrUnknownPage, "page %d", pageID)
	}

	delete(pm.allocated, pageID)
	page.reset()
	pm.free = append(pm.free, page)
	metrics.KVPagesAllocated.Set(float64(len(pm.allocated)))
	metrics.KVPagesFree.Set(float64(len(pm.free)))
	return nil
}

// Stats returns current pool occupancy
func (pm *PageManager) Stats() PoolStats {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return PoolStats{
		Allocated:    len(pm.allocated),
		Free:         len(pm.free),
		PageCapacity: pm.cfg.PageCapacity,
	}
}
