package kvcache

// Page is one fixed-size physical unit of KV storage: a key tensor and
// a value tensor of identical shape plus a fill counter. Pages are owned
// by exactly one layer storage at a time; the pool hands them out and
// takes them back whole. Key and value buffers are allocated together
// and never replaced independently.
type Page struct {
	id       int
	capacity int
	filled   int
	keys     *Tensor
	values   *Tensor
}

func newPage(id int, cfg PoolConfig) *Page {
	return &Page{
		id:       id,
		capacity: cfg.PageCapacity,
		keys:     NewTensor(cfg.DType, cfg.Batch, cfg.NumHeads, cfg.PageCapacity, cfg.HeadDim),
		values:   NewTensor(cfg.DType, cfg.Batch, cfg.NumHeads, cfg.PageCapacity, cfg.HeadDim),
	}
}

// ID returns the page id. IDs are assigned monotonically by the pool
// and never reused across distinct page lifetimes.
func (p *Page) ID() int {
	return p.id
}

// Filled returns the number of tokens currently stored
func (p *Page) Filled() int {
	return p.filled
}

// Capacity returns the token capacity
func (p *Page) Capacity() int {
	return p.capacity
}

// IsFull reports whether no more tokens fit
func (p *Page) IsFull() bool {
	return p.filled >= p.capacity
}

// Remaining returns the free token slots
func (p *Page) Remaining() int {
	return p.capacity - p.filled
}

// Append writes as many tokens as fit from the segments, starting at
// srcOffset, and returns how many were written (possibly zero). Segments
// are cast to the page dtype element-wise when they differ.
func (p *Page) Append(keySeg, valueSeg *Tensor, srcOffset int) int {
	if p.IsFull() {
		return 0
	}

	available := keySeg.Tokens() - srcOffset
	n := min(available, p.Remaining())
	if n <= 0 {
		return 0
	}

	p.keys.copyTokens(p.filled, keySeg, srcOffset, n)
	p.values.copyTokens(p.filled, valueSeg, srcOffset, n)
	p.filled += n
	return n
}

// reset clears the fill counter. Buffer contents are not zeroed; they
// are overwritten by the next owner.
func (p *Page) reset() {
	p.filled = 0
}
