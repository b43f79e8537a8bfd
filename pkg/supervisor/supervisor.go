// Package supervisor keeps the agent fleet alive: it probes health on an
// interval, restarts failing agents with backoff, quarantines agents that
// exhaust their restart budget, and shuts the fleet down in reverse start
// order.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mycosoft/mascore/pkg/agent"
	"github.com/mycosoft/mascore/pkg/bus"
	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/logging"
	"github.com/mycosoft/mascore/pkg/metrics"
	"github.com/mycosoft/mascore/pkg/models"
	"github.com/mycosoft/mascore/pkg/registry"
)

// managed is one supervised agent: the live instance, its runtime, and the
// factory used to rebuild it on restart.
type managed struct {
	id      string
	factory agent.Factory
	agent   agent.Agent
	runtime *agent.Runtime

	failures    []time.Time
	restarts    []time.Time
	restarting  bool
	quarantined bool
}

// Supervisor owns the lifecycle of every agent added to it.
type Supervisor struct {
	cfg      *config.SupervisorConfig
	bus      *bus.Bus
	registry *registry.Registry
	metrics  *metrics.Registry

	mu     sync.Mutex
	agents map[string]*managed
	order  []string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates the supervisor. Call Add for each agent, then Start.
func New(cfg *config.SupervisorConfig, b *bus.Bus, reg *registry.Registry, m *metrics.Registry) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		bus:      b,
		registry: reg,
		metrics:  m,
		agents:   make(map[string]*managed),
		stopCh:   make(chan struct{}),
	}
}

// Add builds the agent, registers it, starts its runtime, and marks it
// Ready.
func (s *Supervisor) Add(ctx context.Context, factory agent.Factory) error {
	a := factory()
	desc := a.Descriptor()
	if err := a.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing agent %s: %w", desc.AgentID, err)
	}
	record, err := s.registry.Register(ctx, desc, false)
	if err != nil {
		return fmt.Errorf("registering agent %s: %w", desc.AgentID, err)
	}
	rt := agent.NewRuntime(a, record.Mailbox, s.bus, s.metrics)
	s.watch(desc.AgentID, rt)
	rt.Start(ctx)
	if err := s.registry.SetStatus(ctx, desc.AgentID, models.StatusReady); err != nil {
		return fmt.Errorf("marking agent %s ready: %w", desc.AgentID, err)
	}

	s.mu.Lock()
	s.agents[desc.AgentID] = &managed{
		id:      desc.AgentID,
		factory: factory,
		agent:   a,
		runtime: rt,
	}
	s.order = append(s.order, desc.AgentID)
	s.mu.Unlock()
	return nil
}

// Start launches the probe loop.
func (s *Supervisor) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.probeAll(ctx)
			}
		}
	}()
}

func (s *Supervisor) probeAll(ctx context.Context) {
	s.mu.Lock()
	targets := make([]*managed, 0, len(s.agents))
	for _, id := range s.order {
		if m, ok := s.agents[id]; ok && !m.quarantined {
			targets = append(targets, m)
		}
	}
	s.mu.Unlock()

	for _, m := range targets {
		s.probe(ctx, m)
	}
}

// probe runs one health check with a hard timeout and applies the probe
// semantics: failed on timeout or explicit failure, degraded on drain
// latency, otherwise healthy.
func (s *Supervisor) probe(ctx context.Context, m *managed) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	reports := make(chan models.HealthReport, 1)
	go func() {
		reports <- m.runtime.Health(probeCtx)
	}()

	select {
	case report := <-reports:
		_ = s.registry.Heartbeat(m.id, report)
		switch {
		case report.State == models.HealthFailed:
			s.noteFailure(ctx, m, report.Message)
		case report.State == models.HealthDegraded || report.DrainLatency > s.cfg.DrainThreshold:
			s.setStatus(ctx, m.id, models.StatusDegraded)
		default:
			s.setStatus(ctx, m.id, models.StatusReady)
		}
	case <-probeCtx.Done():
		s.noteFailure(ctx, m, "probe timed out")
	}
}

// setStatus applies a lifecycle transition, ignoring transitions the state
// machine rejects (a quarantined agent stays quarantined until restored).
func (s *Supervisor) setStatus(ctx context.Context, agentID string, status models.AgentStatus) {
	if err := s.registry.SetStatus(ctx, agentID, status); err != nil {
		logging.Logger(ctx).Debug("Status transition skipped",
			"agent_id", agentID, "status", status, "error", err)
	}
}

// watch feeds handler panics into the failure accounting, so an agent that
// keeps panicking restarts even when its health probes look fine.
func (s *Supervisor) watch(agentID string, rt *agent.Runtime) {
	rt.OnFailure(func(reason string) {
		ctx := context.Background()
		if err := s.ReportFailure(ctx, agentID, reason); err != nil {
			logging.Logger(ctx).Debug("Failure report dropped",
				"agent_id", agentID, "error", err)
		}
	})
}

// ReportFailure lets other subsystems flag an agent as failing outside the
// probe cycle.
func (s *Supervisor) ReportFailure(ctx context.Context, agentID, reason string) error {
	s.mu.Lock()
	m, ok := s.agents[agentID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrAgentNotFound, agentID)
	}
	s.noteFailure(ctx, m, reason)
	return nil
}

// noteFailure records one failure; crossing the threshold within the
// window triggers a restart. Failure reports arrive concurrently, so only
// the report that trips the threshold owns the restart.
func (s *Supervisor) noteFailure(ctx context.Context, m *managed, reason string) {
	log := logging.Logger(ctx).With("agent_id", m.id)
	log.Warn("Agent failure recorded", "reason", reason)
	s.setStatus(ctx, m.id, models.StatusDegraded)

	s.mu.Lock()
	cutoff := time.Now().Add(-s.cfg.FailureWindow)
	kept := m.failures[:0]
	for _, at := range m.failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	m.failures = append(kept, time.Now())
	trip := !m.quarantined && !m.restarting && len(m.failures) >= s.cfg.FailureThreshold
	if trip {
		m.restarting = true
		m.failures = nil
	}
	s.mu.Unlock()

	if trip {
		s.restart(ctx, m)
	}
}

// restart tears the agent down and rebuilds it from its factory. Exceeding
// the restart budget within the window quarantines the agent instead.
func (s *Supervisor) restart(ctx context.Context, m *managed) {
	log := logging.Logger(ctx).With("agent_id", m.id)
	defer func() {
		s.mu.Lock()
		m.restarting = false
		s.mu.Unlock()
	}()

	s.mu.Lock()
	cutoff := time.Now().Add(-s.cfg.RestartWindow)
	kept := m.restarts[:0]
	for _, at := range m.restarts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	m.restarts = kept
	if len(m.restarts) >= s.cfg.MaxRestartAttempts {
		m.quarantined = true
		s.mu.Unlock()
		log.Error("Restart budget exhausted, quarantining agent")
		s.setStatus(ctx, m.id, models.StatusQuarantined)
		s.teardown(ctx, m)
		return
	}
	m.restarts = append(m.restarts, time.Now())
	attempt := len(m.restarts)
	s.mu.Unlock()

	backoff := s.cfg.RestartBackoff << (attempt - 1)
	log.Info("Restarting agent", "attempt", attempt, "backoff", backoff)
	select {
	case <-time.After(backoff):
	case <-s.stopCh:
		return
	}

	s.teardown(ctx, m)

	fresh := m.factory()
	if err := fresh.Initialize(ctx); err != nil {
		log.Error("Agent re-initialization failed", "error", err)
		s.noteFailure(ctx, m, "re-initialization failed")
		return
	}
	record, err := s.registry.Register(ctx, fresh.Descriptor(), true)
	if err != nil {
		log.Error("Agent re-registration failed", "error", err)
		return
	}
	rt := agent.NewRuntime(fresh, record.Mailbox, s.bus, s.metrics)
	s.watch(m.id, rt)
	rt.Start(ctx)

	s.mu.Lock()
	m.agent = fresh
	m.runtime = rt
	m.failures = nil
	s.mu.Unlock()

	s.setStatus(ctx, m.id, models.StatusReady)
	log.Info("Agent restarted")
}

// Restore brings a quarantined agent back into service. It is the operator
// path; re-registration resets the lifecycle.
func (s *Supervisor) Restore(ctx context.Context, agentID string) error {
	s.mu.Lock()
	m, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", registry.ErrAgentNotFound, agentID)
	}
	if !m.quarantined {
		s.mu.Unlock()
		return fmt.Errorf("agent %s is not quarantined", agentID)
	}
	s.mu.Unlock()

	fresh := m.factory()
	if err := fresh.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing agent %s: %w", agentID, err)
	}
	record, err := s.registry.Register(ctx, fresh.Descriptor(), true)
	if err != nil {
		return fmt.Errorf("registering agent %s: %w", agentID, err)
	}
	rt := agent.NewRuntime(fresh, record.Mailbox, s.bus, s.metrics)
	s.watch(agentID, rt)
	rt.Start(ctx)
	if err := s.registry.SetStatus(ctx, agentID, models.StatusReady); err != nil {
		return err
	}

	s.mu.Lock()
	m.agent = fresh
	m.runtime = rt
	m.failures = nil
	m.restarts = nil
	m.quarantined = false
	s.mu.Unlock()

	logging.Logger(ctx).Info("Agent restored from quarantine", "agent_id", agentID)
	return nil
}

// Shutdown stops probing and winds the fleet down in reverse start order.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.mu.Lock()
	order := make([]string, len(s.order))
	copy(order, s.order)
	s.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		s.mu.Lock()
		m, ok := s.agents[order[i]]
		s.mu.Unlock()
		if !ok {
			continue
		}
		s.teardown(ctx, m)
		if err := s.registry.SetStatus(ctx, m.id, models.StatusStopped); err != nil {
			logging.Logger(ctx).Warn("Failed to mark agent stopped",
				"agent_id", m.id, "error", err)
		}
	}
	return nil
}

// teardown stops the runtime and shuts the agent instance down, each
// bounded by the configured shutdown timeout.
func (s *Supervisor) teardown(ctx context.Context, m *managed) {
	stopCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := m.runtime.Stop(stopCtx); err != nil {
		logging.Logger(ctx).Warn("Runtime stop timed out",
			"agent_id", m.id, "error", err)
	}
	if err := m.agent.Shutdown(stopCtx); err != nil {
		logging.Logger(ctx).Warn("Agent shutdown failed",
			"agent_id", m.id, "error", err)
	}
}

// Agents returns the supervised agent ids in start order.
func (s *Supervisor) Agents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
