package optimizer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tiktrue/platform/pkg/log"
)

const windowCapacity = 2880 // 24h of 30s samples

// LoadFunc reports the node's logical load (active sessions, queue
// depth) for the current instant.
type LoadFunc func() (load float64, connections int)

// Collector samples host CPU/memory plus the logical load on a fixed
// interval into a rolling window.
type Collector struct {
	interval time.Duration
	loadFn   LoadFunc
	logger   zerolog.Logger

	mu      sync.Mutex
	window  []Sample
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewCollector creates a collector; loadFn may be nil
func NewCollector(interval time.Duration, loadFn LoadFunc) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		interval: interval,
		loadFn:   loadFn,
		logger:   log.WithComponent("optimizer"),
		stopCh:   make(chan struct{}),
	}
}

// Start spawns the sampling loop
func (c *Collector) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()
}

// Stop cancels the sampling loop
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.sample()
	for {
		select {
		case <-ticker.C:
			c.sample()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) sample() {
	s := Sample{Timestamp: time.Now()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = vm.UsedPercent
	}
	if c.loadFn != nil {
		s.Load, s.Connections = c.loadFn()
	} else {
		// Without a logical load source, CPU stands in.
		s.Load = s.CPUPercent
	}

	c.Add(s)
}

// Add appends a sample to the window, evicting the oldest beyond
// capacity. Exported so tests and replay tooling can feed windows
// directly.
func (c *Collector) Add(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.window = append(c.window, s)
	if len(c.window) > windowCapacity {
		c.window = c.window[len(c.window)-windowCapacity:]
	}
}

// Window returns a copy of the current sample window
func (c *Collector) Window() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sample(nil), c.window...)
}

// Analyze runs the workload-pattern analysis over the current window
func (c *Collector) Analyze() (*Analysis, error) {
	return AnalyzeWorkload(c.Window())
}
