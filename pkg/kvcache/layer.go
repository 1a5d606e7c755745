package kvcache

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/metrics"
)

// LayerStorage is the per-(session, layer) logical cache: an ordered
// list of pages plus a running token count. Only the last page may be
// partially filled.
type LayerStorage struct {
	layerIdx    int
	sessionID   string
	pool        *PageManager
	pages       []*Page
	totalTokens int
	logger      zerolog.Logger
}

func newLayerStorage(sessionID string, layerIdx int, pool *PageManager) *LayerStorage {
	return &LayerStorage{
		layerIdx:  layerIdx,
		sessionID: sessionID,
		pool:      pool,
		logger:    log.WithSessionID(sessionID).With().Int("layer", layerIdx).Logger(),
	}
}

// TotalTokens returns the number of tokens stored
func (ls *LayerStorage) TotalTokens() int {
	return ls.totalTokens
}

// PageCount returns the number of pages currently held
func (ls *LayerStorage) PageCount() int {
	return len(ls.pages)
}

// PageIDs returns the held page ids in order
func (ls *LayerStorage) PageIDs() []int {
	ids := make([]int, len(ls.pages))
	for i, p := range ls.pages {
		ids[i] = p.ID()
	}
	return ids
}

// Store appends [B, H, T, D] key/value tensors. The last page is filled
// first, then new pages are allocated until T tokens are consumed or
// allocation fails, in which case the stored prefix is kept and the
// shortfall is returned with an error.
func (ls *LayerStorage) Store(keys, values *Tensor) (int, error) {
	if keys.Shape() != values.Shape() {
		return 0, fmt.Errorf("key shape %v does not match value shape %v", keys.Shape(), values.Shape())
	}

	total := keys.Tokens()
	if total == 0 {
		return 0, nil
	}

	remaining := total
	offset := 0

	// Fill the tail page first.
	if n := len(ls.pages); n > 0 && !ls.pages[n-1].IsFull() {
		written := ls.pages[n-1].Append(keys, values, offset)
		offset += written
		remaining -= written
	}

	// Allocation loop, bounded defensively relative to the input size.
	var allocErr error
	for iterations := 0; remaining > 0 && iterations < total+5; iterations++ {
		page, err := ls.pool.Allocate()
		if err != nil {
			allocErr = err
			ls.logger.Error().Err(err).
				Int("unwritten_tokens", remaining).
				Msg("Page allocation failed, store incomplete")
			break
		}
		ls.pages = append(ls.pages, page)

		written := page.Append(keys, values, offset)
		offset += written
		remaining -= written
	}

	stored := total - remaining
	ls.totalTokens += stored
	metrics.KVTokensStored.Add(float64(stored))

	if remaining > 0 {
		return stored, fmt.Errorf("stored %d of %d tokens: %w", stored, total, allocErr)
	}
	return stored, nil
}

// Retrieve gathers up to length tokens in page order and concatenates
// them along the token axis. length < 0 means everything stored. The
// result dtype is the pool dtype; zero-length requests return empty
// tensors of the right geometry.
func (ls *LayerStorage) Retrieve(length int) (*Tensor, *Tensor) {
	cfg := ls.pool.Config()

	effective := ls.totalTokens
	if length >= 0 {
		effective = min(length, ls.totalTokens)
	}

	keysOut := NewTensor(cfg.DType, cfg.Batch, cfg.NumHeads, effective, cfg.HeadDim)
	valuesOut := NewTensor(cfg.DType, cfg.Batch, cfg.NumHeads, effective, cfg.HeadDim)
	if effective == 0 {
		return keysOut, valuesOut
	}

	gathered := 0
	for _, page := range ls.pages {
		if gathered >= effective {
			break
		}
		if page.Filled() == 0 {
			continue
		}

		n := min(page.Filled(), effective-gathered)
		keysOut.copyTokens(gathered, page.keys, 0, n)
		valuesOut.copyTokens(gathered, page.values, 0, n)
		gathered += n
	}

	if gathered != effective {
		ls.logger.Warn().
			Int("gathered", gathered).
			Int("expected", effective).
			Msg("Retrieve gathered fewer tokens than accounted")
	}

	return keysOut, valuesOut
}

// Reset frees every held page back to the pool and zeroes the counters
func (ls *LayerStorage) Reset() {
	for _, page := range ls.pages {
		if err := ls.pool.Free(page.ID()); err != nil {
			ls.logger.Error().Err(err).Int("page_id", page.ID()).Msg("Failed to free page")
		}
	}
	ls.pages = nil
	ls.totalTokens = 0
}
