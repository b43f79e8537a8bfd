// Package models defines the core entities shared across the MAS core:
// agent descriptors, envelopes, tasks, action records, feedback, and the
// error taxonomy. Subsystems exchange these types; ownership stays with the
// subsystem that created them (registry, scheduler, gate, memory).
package models

import "time"

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

// Agent lifecycle states.
const (
	StatusInitializing AgentStatus = "initializing"
	StatusReady        AgentStatus = "ready"
	StatusBusy         AgentStatus = "busy"
	StatusDegraded     AgentStatus = "degraded"
	StatusQuarantined  AgentStatus = "quarantined"
	StatusStopped      AgentStatus = "stopped"
)

// validTransitions encodes the agent state machine:
//
//	Initializing --ready--> Ready
//	Ready        --busy---> Busy --done--> Ready
//	Ready|Busy   --warn---> Degraded --ok--> Ready
//	any          --fail---> Quarantined --manual--> Stopped
var validTransitions = map[AgentStatus][]AgentStatus{
	StatusInitializing: {StatusReady, StatusQuarantined, StatusStopped},
	StatusReady:        {StatusBusy, StatusDegraded, StatusQuarantined, StatusStopped},
	StatusBusy:         {StatusReady, StatusDegraded, StatusQuarantined, StatusStopped},
	StatusDegraded:     {StatusReady, StatusQuarantined, StatusStopped},
	StatusQuarantined:  {StatusStopped},
	StatusStopped:      {},
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s AgentStatus) CanTransition(next AgentStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status accepts no further transitions.
func (s AgentStatus) Terminal() bool {
	return s == StatusStopped
}

// Routable reports whether the scheduler may route tasks of the given
// priority to an agent in this status. Degraded agents accept low-priority
// work only; quarantined and stopped agents accept nothing.
func (s AgentStatus) Routable(priority TaskPriority) bool {
	switch s {
	case StatusReady, StatusBusy:
		return true
	case StatusDegraded:
		return priority == PriorityLow
	default:
		return false
	}
}

// DeclaredLimits are the per-agent resource bounds advertised at registration.
type DeclaredLimits struct {
	MaxInFlight int           `json:"max_in_flight" yaml:"max_in_flight"`
	QueueDepth  int           `json:"queue_depth" yaml:"queue_depth"`
	BaseTimeout time.Duration `json:"base_timeout" yaml:"base_timeout"`
}

// AgentDescriptor is the immutable identity and capability advertisement of
// an agent. Re-registration with the same AgentID replaces the descriptor
// atomically.
type AgentDescriptor struct {
	AgentID      string         `json:"agent_id"`
	Name         string         `json:"name"`
	Kind         string         `json:"kind"`
	Version      string         `json:"version"`
	Capabilities []string       `json:"capabilities"`
	Config       map[string]any `json:"config,omitempty"`
	Limits       DeclaredLimits `json:"declared_limits"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// HasCapability reports whether the descriptor advertises the capability.
func (d *AgentDescriptor) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// HealthState is the coarse result of an agent health probe.
type HealthState string

// Health probe results.
const (
	HealthOK       HealthState = "ok"
	HealthDegraded HealthState = "degraded"
	HealthFailed   HealthState = "failed"
)

// HealthReport is returned by an agent's Health() and consumed by the
// supervisor's probe loop.
type HealthReport struct {
	State        HealthState    `json:"state"`
	Message      string         `json:"message,omitempty"`
	DrainLatency time.Duration  `json:"drain_latency"`
	InFlight     int            `json:"in_flight"`
	Details      map[string]any `json:"details,omitempty"`
	ReportedAt   time.Time      `json:"reported_at"`
}
