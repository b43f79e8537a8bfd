// Package registry is the authoritative in-memory directory of agents:
// descriptors, lifecycle status, heartbeats, and mailbox ownership. Every
// change is published on the registry events topic so the scheduler can
// react without polling.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mycosoft/mascore/pkg/bus"
	"github.com/mycosoft/mascore/pkg/metrics"
	"github.com/mycosoft/mascore/pkg/models"
	"github.com/mycosoft/mascore/pkg/store"
)

var (
	// ErrAgentNotFound indicates no agent is registered under the id.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentExists indicates the id is already registered and the caller
	// did not ask to replace it.
	ErrAgentExists = errors.New("agent already registered")

	// ErrInvalidTransition indicates the requested status change is not a
	// legal lifecycle step.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Record is the registry's view of one agent.
type Record struct {
	Descriptor    models.AgentDescriptor
	Status        models.AgentStatus
	Mailbox       *bus.Mailbox
	LastHeartbeat time.Time
	LastHealth    models.HealthReport
}

// Registry tracks registered agents. The in-memory state is authoritative;
// snapshots are written through to the agent repository for inspection
// across restarts.
type Registry struct {
	bus     *bus.Bus
	metrics *metrics.Registry
	agents  store.AgentRepo

	mu      sync.RWMutex
	records map[string]*Record
}

// New creates an empty registry.
func New(b *bus.Bus, m *metrics.Registry, agents store.AgentRepo) *Registry {
	return &Registry{
		bus:     b,
		metrics: m,
		agents:  agents,
		records: make(map[string]*Record),
	}
}

// Register adds the agent and creates its mailbox. An existing id is
// rejected with ErrAgentExists unless replace is set; a replacement swaps
// the descriptor atomically and keeps the mailbox so queued envelopes
// survive. Replacements publish the old and new capability sets so the
// scheduler can re-route in-flight tasks whose capability disappeared.
func (r *Registry) Register(ctx context.Context, desc models.AgentDescriptor, replace bool) (*Record, error) {
	if desc.AgentID == "" {
		return nil, errors.New("agent id must not be empty")
	}
	desc.RegisteredAt = time.Now()

	r.mu.Lock()
	existing, replaced := r.records[desc.AgentID]
	if replaced && !replace {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, desc.AgentID)
	}

	var record *Record
	var oldCapabilities []string
	if replaced {
		oldCapabilities = existing.Descriptor.Capabilities
		oldStatus := existing.Status
		existing.Descriptor = desc
		existing.Status = models.StatusInitializing
		record = existing
		r.metrics.AgentsByStatus.WithLabelValues(string(oldStatus)).Dec()
	} else {
		mailbox, err := r.bus.Register(desc.AgentID, desc.Limits.QueueDepth)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("failed to create mailbox: %w", err)
		}
		record = &Record{
			Descriptor: desc,
			Status:     models.StatusInitializing,
			Mailbox:    mailbox,
		}
		r.records[desc.AgentID] = record
	}
	r.metrics.AgentsByStatus.WithLabelValues(string(models.StatusInitializing)).Inc()
	snapshot := r.snapshotLocked(record)
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	if replaced {
		r.publish("agent_replaced", desc.AgentID, map[string]any{
			"kind":             desc.Kind,
			"old_capabilities": oldCapabilities,
			"new_capabilities": desc.Capabilities,
		})
	} else {
		r.publish("agent_registered", desc.AgentID, map[string]any{
			"kind":       desc.Kind,
			"capability": desc.Capabilities,
		})
	}
	slog.Info("Agent registered",
		"agent_id", desc.AgentID,
		"kind", desc.Kind,
		"capabilities", desc.Capabilities,
		"replaced", replaced)
	return record, nil
}

// Deregister removes the agent and closes its mailbox.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	record, ok := r.records[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	delete(r.records, agentID)
	r.metrics.AgentsByStatus.WithLabelValues(string(record.Status)).Dec()
	r.mu.Unlock()

	r.bus.Deregister(agentID)
	if r.agents != nil {
		if err := r.agents.Delete(ctx, agentID); err != nil {
			slog.Warn("Failed to delete agent snapshot", "agent_id", agentID, "error", err)
		}
	}
	r.publish("agent_deregistered", agentID, nil)
	slog.Info("Agent deregistered", "agent_id", agentID)
	return nil
}

// Get returns a copy of the agent's record.
func (r *Registry) Get(agentID string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	cp := *record
	return &cp, nil
}

// List returns copies of all records.
func (r *Registry) List() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.records))
	for _, record := range r.records {
		cp := *record
		out = append(out, &cp)
	}
	return out
}

// FindByCapability returns agents advertising the capability, regardless of
// status. Routing eligibility is the scheduler's call.
func (r *Registry) FindByCapability(capability string) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Record
	for _, record := range r.records {
		if record.Descriptor.HasCapability(capability) {
			cp := *record
			out = append(out, &cp)
		}
	}
	return out
}

// SetStatus moves the agent through its lifecycle. Illegal transitions are
// rejected; legal ones are published on the registry topic.
func (r *Registry) SetStatus(ctx context.Context, agentID string, status models.AgentStatus) error {
	r.mu.Lock()
	record, ok := r.records[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	old := record.Status
	if !old.CanTransition(status) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s for agent %s", ErrInvalidTransition, old, status, agentID)
	}
	record.Status = status
	if old != status {
		r.metrics.AgentsByStatus.WithLabelValues(string(old)).Dec()
		r.metrics.AgentsByStatus.WithLabelValues(string(status)).Inc()
	}
	snapshot := r.snapshotLocked(record)
	r.mu.Unlock()

	if old == status {
		return nil
	}

	r.persist(ctx, snapshot)
	r.publish("agent_status_changed", agentID, map[string]any{
		"old_status": string(old),
		"new_status": string(status),
	})
	slog.Info("Agent status changed", "agent_id", agentID, "old_status", old, "new_status", status)
	return nil
}

// Heartbeat records the latest health report for the agent.
func (r *Registry) Heartbeat(agentID string, report models.HealthReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	record.LastHeartbeat = time.Now()
	record.LastHealth = report
	return nil
}

// snapshotLocked builds a persistable snapshot; callers hold the lock.
func (r *Registry) snapshotLocked(record *Record) *store.AgentSnapshot {
	return &store.AgentSnapshot{
		Descriptor: record.Descriptor,
		Status:     record.Status,
		UpdatedAt:  time.Now(),
	}
}

// persist writes the snapshot through to the repository. Persistence is
// best effort: the in-memory state stays authoritative on failure.
func (r *Registry) persist(ctx context.Context, snapshot *store.AgentSnapshot) {
	if r.agents == nil {
		return
	}
	if err := r.agents.Save(ctx, snapshot); err != nil {
		slog.Warn("Failed to persist agent snapshot",
			"agent_id", snapshot.Descriptor.AgentID,
			"error", err)
	}
}

func (r *Registry) publish(kind, agentID string, details map[string]any) {
	r.bus.Publish(bus.Event{
		Topic:   bus.TopicRegistryEvents,
		Kind:    kind,
		AgentID: agentID,
		Details: details,
	})
}
