package monitor

import (
	"fableforge/internal/registry"
	"fableforge/internal/resource"
	"fableforge/internal/scheduler"
)

// SystemSource adapts the live budget, scheduler, and project registry
// into the monitor's Source interface.
type SystemSource struct {
	Budget   *resource.Budget
	Sched    *scheduler.Scheduler
	Projects *registry.Registry
}

func (s *SystemSource) GPUUtilization() float64 { return s.Budget.Snapshot().GPUUtilization() }
func (s *SystemSource) CPUUtilization() float64 { return s.Budget.Snapshot().CPUUtilization() }
func (s *SystemSource) QueueDepth() int         { return s.Sched.QueueDepth() }
func (s *SystemSource) RunningCount() int       { return s.Sched.RunningCount() }
func (s *SystemSource) ActiveProjects() int     { return s.Projects.ActiveCount() }
