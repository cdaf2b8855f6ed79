// Package resource tracks shared GPU/CPU capacity and arbitrates
// reservation and release across all projects.
package resource

import (
	"errors"
	"fmt"
	"sync"

	"fableforge/pkg/models"
)

// ErrOverRelease indicates a release would drop allocation below zero.
// This is an invariant violation: every reservation must be released
// exactly once.
var ErrOverRelease = errors.New("release exceeds allocated resources")

// Snapshot is a point-in-time view of budget state.
type Snapshot struct {
	// TotalGPU is the configured GPU capacity in units.
	TotalGPU int `json:"total_gpu"`
	// TotalCPU is the configured CPU capacity in units.
	TotalCPU int `json:"total_cpu"`
	// AllocatedGPU is the GPU units currently reserved.
	AllocatedGPU int `json:"allocated_gpu"`
	// AllocatedCPU is the CPU units currently reserved.
	AllocatedCPU int `json:"allocated_cpu"`
}

// GPUUtilization returns allocated GPU as a percentage of total.
func (s Snapshot) GPUUtilization() float64 {
	if s.TotalGPU <= 0 {
		return 0
	}
	return float64(s.AllocatedGPU) / float64(s.TotalGPU) * 100
}

// CPUUtilization returns allocated CPU as a percentage of total.
func (s Snapshot) CPUUtilization() float64 {
	if s.TotalCPU <= 0 {
		return 0
	}
	return float64(s.AllocatedCPU) / float64(s.TotalCPU) * 100
}

// Budget is the shared GPU/CPU capacity pool. Every mutation is an atomic
// check-and-commit under one mutex; no task runs without a successful
// reservation. Allocated never exceeds total except transiently after a
// lazy capacity reduction, which is enforced on future admissions rather
// than by killing running tasks.
type Budget struct {
	mu sync.Mutex
	// totalGPU is the configured GPU capacity.
	totalGPU int
	// totalCPU is the configured CPU capacity.
	totalCPU int
	// allocGPU is the currently reserved GPU units.
	allocGPU int
	// allocCPU is the currently reserved CPU units.
	allocCPU int
}

// NewBudget creates a budget with the given total capacities.
func NewBudget(totalGPU, totalCPU int) *Budget {
	return &Budget{totalGPU: totalGPU, totalCPU: totalCPU}
}

// Reserve atomically reserves the requested units. Returns false without
// mutating state if the request does not fit in the free capacity.
func (b *Budget) Reserve(spec models.ResourceSpec) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.allocGPU+spec.GPUUnits > b.totalGPU || b.allocCPU+spec.CPUUnits > b.totalCPU {
		return false
	}
	b.allocGPU += spec.GPUUnits
	b.allocCPU += spec.CPUUnits
	return true
}

// Release returns previously reserved units to the pool.
// Releasing more than is allocated is an invariant violation and returns
// ErrOverRelease without mutating state.
func (b *Budget) Release(spec models.ResourceSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if spec.GPUUnits > b.allocGPU || spec.CPUUnits > b.allocCPU {
		return fmt.Errorf("%w: gpu %d/%d cpu %d/%d", ErrOverRelease,
			spec.GPUUnits, b.allocGPU, spec.CPUUnits, b.allocCPU)
	}
	b.allocGPU -= spec.GPUUnits
	b.allocCPU -= spec.CPUUnits
	return nil
}

// SetGPUTotal updates the total GPU capacity. A reduction below the
// current allocation is accepted and enforced lazily: running tasks keep
// their reservations, and admissions are blocked until usage drops under
// the new total.
func (b *Budget) SetGPUTotal(total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalGPU = total
}

// SetCPUTotal updates the total CPU capacity with the same lazy
// enforcement as SetGPUTotal.
func (b *Budget) SetCPUTotal(total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalCPU = total
}

// Snapshot returns the current budget state.
func (b *Budget) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		TotalGPU:     b.totalGPU,
		TotalCPU:     b.totalCPU,
		AllocatedGPU: b.allocGPU,
		AllocatedCPU: b.allocCPU,
	}
}
