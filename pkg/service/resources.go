package service

import (
	"fmt"
	"sync"

	"github.com/tiktrue/platform/pkg/errdefs"
	"github.com/tiktrue/platform/pkg/types"
)

// Overcommit ratios applied when validating allocations against the
// node's physical resources.
const (
	cpuOvercommit    = 1.5
	memoryOvercommit = 1.2
)

// Allocation reserves node resources for one network
type Allocation struct {
	NetworkID string  `json:"network_id"`
	ModelID   string  `json:"model_id"`
	CPUCores  float64 `json:"cpu_cores"`
	MemoryMB  int64   `json:"memory_mb"`
	Clients   int     `json:"clients"`
	Priority  int     `json:"priority"`
}

// Ledger tracks resource reservations for all networks on this node.
// Only the multi-network service mutates it; readers get snapshots.
type Ledger struct {
	mu          sync.Mutex
	totalCPU    float64
	totalMemMB  int64
	allocations map[string]Allocation
}

// NewLedger creates a ledger over the node's physical budget
func NewLedger(cpuCores float64, memoryMB int64) *Ledger {
	return &Ledger{
		totalCPU:    cpuCores,
		totalMemMB:  memoryMB,
		allocations: make(map[string]Allocation),
	}
}

// estimate derives the resource demand of a network from its model and
// expected client count. Block count scales memory; clients scale CPU.
func estimate(modelID string, clients, priority int) (cpu float64, memMB int64) {
	blocks := types.ModelChainOrder(modelID)

	cpu = 1.0 + 0.1*float64(clients)
	memMB = int64(blocks)*128 + int64(clients)*64
	if priority > 5 {
		// High-priority networks reserve extra headroom.
		cpu *= 1.25
		memMB = memMB * 5 / 4
	}
	return cpu, memMB
}

// Allocate reserves resources for a network, validating the projected
// totals against the overcommit-adjusted budget.
func (l *Ledger) Allocate(networkID, modelID string, clients, priority int) (Allocation, error) {
	cpu, memMB := estimate(modelID, clients, priority)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.allocations[networkID]; exists {
		return Allocation{}, fmt.Errorf("network %s already has an allocation", networkID)
	}

	var usedCPU float64
	var usedMem int64
	for _, a := range l.allocations {
		usedCPU += a.CPUCores
		usedMem += a.MemoryMB
	}

	if usedCPU+cpu > l.totalCPU*cpuOvercommit {
		return Allocation{}, errdefs.Wrapf(errdefs.ErrInsufficientCPU,
			"need %.1f cores, %.1f of %.1f (x%.1f) in use", cpu, usedCPU, l.totalCPU, cpuOvercommit)
	}
	if usedMem+memMB > int64(float64(l.totalMemMB)*memoryOvercommit) {
		return Allocation{}, errdefs.Wrapf(errdefs.ErrInsufficientMemory,
			"need %d MB, %d of %d (x%.1f) in use", memMB, usedMem, l.totalMemMB, memoryOvercommit)
	}

	alloc := Allocation{
		NetworkID: networkID,
		ModelID:   modelID,
		CPUCores:  cpu,
		MemoryMB:  memMB,
		Clients:   clients,
		Priority:  priority,
	}
	l.allocations[networkID] = alloc
	return alloc, nil
}

// Release returns a network's reservation to the pool
func (l *Ledger) Release(networkID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.allocations, networkID)
}

// Snapshot returns a copy of all current allocations
func (l *Ledger) Snapshot() map[string]Allocation {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]Allocation, len(l.allocations))
	for k, v := range l.allocations {
		out[k] = v
	}
	return out
}

// Available returns the remaining overcommit-adjusted budget
func (l *Ledger) Available() (cpu float64, memMB int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cpu = l.totalCPU * cpuOvercommit
	memMB = int64(float64(l.totalMemMB) * memoryOvercommit)
	for _, a := range l.allocations {
		cpu -= a.CPUCores
		memMB -= a.MemoryMB
	}
	return cpu, memMB
}
