package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycosoft/mascore/pkg/agent"
	"github.com/mycosoft/mascore/pkg/bus"
	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/metrics"
	"github.com/mycosoft/mascore/pkg/models"
	"github.com/mycosoft/mascore/pkg/registry"
	"github.com/mycosoft/mascore/pkg/store/inmemory"
)

// healthControl is shared across agent instances built by one factory so
// tests can steer probe outcomes.
type healthControl struct {
	mu        sync.Mutex
	state     models.HealthState
	instances int
	shutdowns int
}

func (c *healthControl) set(state models.HealthState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *healthControl) get() models.HealthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *healthControl) instanceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instances
}

type probeAgent struct {
	id      string
	control *healthControl
}

func (a *probeAgent) Descriptor() models.AgentDescriptor {
	return models.AgentDescriptor{
		AgentID:      a.id,
		Name:         a.id,
		Kind:         "test",
		Capabilities: []string{"probe"},
		Limits:       models.DeclaredLimits{MaxInFlight: 1, QueueDepth: 4, BaseTimeout: time.Second},
	}
}

func (a *probeAgent) Initialize(_ context.Context) error {
	a.control.mu.Lock()
	a.control.instances++
	a.control.mu.Unlock()
	return nil
}

func (a *probeAgent) Shutdown(_ context.Context) error {
	a.control.mu.Lock()
	a.control.shutdowns++
	a.control.mu.Unlock()
	return nil
}

func (a *probeAgent) Health(_ context.Context) models.HealthReport {
	return models.HealthReport{State: a.control.get()}
}

func (a *probeAgent) HandleEnvelope(_ context.Context, _ *models.Envelope) (*models.Envelope, error) {
	return nil, nil
}

func factoryFor(id string, control *healthControl) agent.Factory {
	return func() agent.Agent {
		return &probeAgent{id: id, control: control}
	}
}

// panicAgent blows up on every envelope while reporting healthy probes.
type panicAgent struct {
	probeAgent
}

func (a *panicAgent) HandleEnvelope(_ context.Context, _ *models.Envelope) (*models.Envelope, error) {
	panic("handler blew up")
}

func panickyFactoryFor(id string, control *healthControl) agent.Factory {
	return func() agent.Agent {
		return &panicAgent{probeAgent{id: id, control: control}}
	}
}

type testHarness struct {
	bus        *bus.Bus
	registry   *registry.Registry
	supervisor *Supervisor
}

func newHarness(t *testing.T, cfg *config.SupervisorConfig) *testHarness {
	t.Helper()
	m := metrics.New()
	b := bus.New(&config.BusConfig{
		MailboxCapacity:        8,
		PubSubSubscriberBuffer: 16,
		SendBudget:             50 * time.Millisecond,
	}, m)
	t.Cleanup(b.Close)

	reg := registry.New(b, m, inmemory.NewRelational().Agents())
	sup := New(cfg, b, reg, m)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return &testHarness{bus: b, registry: reg, supervisor: sup}
}

func probingConfig() *config.SupervisorConfig {
	return &config.SupervisorConfig{
		ProbeInterval:      10 * time.Millisecond,
		ProbeTimeout:       50 * time.Millisecond,
		DrainThreshold:     time.Second,
		FailureThreshold:   2,
		FailureWindow:      time.Minute,
		MaxRestartAttempts: 2,
		RestartWindow:      time.Minute,
		RestartBackoff:     time.Millisecond,
		ShutdownTimeout:    time.Second,
	}
}

func (h *testHarness) awaitStatus(t *testing.T, agentID string, status models.AgentStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		record, err := h.registry.Get(agentID)
		return err == nil && record.Status == status
	}, 2*time.Second, 5*time.Millisecond, "agent %s never reached %s", agentID, status)
}

func TestAddStartsAndReadiesAgent(t *testing.T) {
	h := newHarness(t, probingConfig())
	control := &healthControl{state: models.HealthOK}

	require.NoError(t, h.supervisor.Add(context.Background(), factoryFor("p1", control)))

	record, err := h.registry.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, record.Status)
	assert.Equal(t, 1, control.instanceCount())
	assert.Equal(t, []string{"p1"}, h.supervisor.Agents())
}

func TestProbeDegradesAndRecovers(t *testing.T) {
	h := newHarness(t, probingConfig())
	control := &healthControl{state: models.HealthOK}
	require.NoError(t, h.supervisor.Add(context.Background(), factoryFor("p1", control)))
	h.supervisor.Start(context.Background())

	control.set(models.HealthDegraded)
	h.awaitStatus(t, "p1", models.StatusDegraded)

	control.set(models.HealthOK)
	h.awaitStatus(t, "p1", models.StatusReady)
	assert.Equal(t, 1, control.instanceCount(), "degradation alone must not restart")
}

func TestRepeatedFailuresRestartAgent(t *testing.T) {
	h := newHarness(t, probingConfig())
	control := &healthControl{state: models.HealthOK}
	require.NoError(t, h.supervisor.Add(context.Background(), factoryFor("p1", control)))
	h.supervisor.Start(context.Background())

	control.set(models.HealthFailed)
	require.Eventually(t, func() bool {
		return control.instanceCount() >= 2
	}, 2*time.Second, 5*time.Millisecond, "failure threshold never triggered a restart")

	control.set(models.HealthOK)
	h.awaitStatus(t, "p1", models.StatusReady)
}

func TestRestartBudgetQuarantines(t *testing.T) {
	h := newHarness(t, probingConfig())
	control := &healthControl{state: models.HealthFailed}
	require.NoError(t, h.supervisor.Add(context.Background(), factoryFor("p1", control)))
	h.supervisor.Start(context.Background())

	h.awaitStatus(t, "p1", models.StatusQuarantined)

	// Quarantined agents are left alone.
	instances := control.instanceCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, instances, control.instanceCount())
}

func TestRestoreFromQuarantine(t *testing.T) {
	h := newHarness(t, probingConfig())
	control := &healthControl{state: models.HealthFailed}
	require.NoError(t, h.supervisor.Add(context.Background(), factoryFor("p1", control)))
	h.supervisor.Start(context.Background())
	h.awaitStatus(t, "p1", models.StatusQuarantined)

	control.set(models.HealthOK)
	require.NoError(t, h.supervisor.Restore(context.Background(), "p1"))
	h.awaitStatus(t, "p1", models.StatusReady)

	// Restoring a healthy agent fails.
	assert.Error(t, h.supervisor.Restore(context.Background(), "p1"))
}

func TestReportFailureCountsTowardThreshold(t *testing.T) {
	h := newHarness(t, probingConfig())
	control := &healthControl{state: models.HealthOK}
	require.NoError(t, h.supervisor.Add(context.Background(), factoryFor("p1", control)))

	require.NoError(t, h.supervisor.ReportFailure(context.Background(), "p1", "handler panic"))
	require.NoError(t, h.supervisor.ReportFailure(context.Background(), "p1", "handler panic"))

	require.Eventually(t, func() bool {
		return control.instanceCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Error(t, h.supervisor.ReportFailure(context.Background(), "ghost", "x"))
}

func TestHandlerPanicsRestartThenQuarantine(t *testing.T) {
	cfg := probingConfig()
	h := newHarness(t, cfg)
	control := &healthControl{state: models.HealthOK}
	require.NoError(t, h.supervisor.Add(context.Background(), panickyFactoryFor("p1", control)))

	ctx := context.Background()
	for range cfg.FailureThreshold {
		_, err := h.bus.Send(ctx, models.NewEnvelope("s", "p1", models.KindEvent, nil))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return control.instanceCount() >= 2
	}, 2*time.Second, 5*time.Millisecond, "repeated handler panics never restarted the agent")

	// The rebuilt instance panics too; the restart budget runs out and the
	// agent is quarantined.
	require.Eventually(t, func() bool {
		_, _ = h.bus.Send(ctx, models.NewEnvelope("s", "p1", models.KindEvent, nil))
		record, err := h.registry.Get("p1")
		return err == nil && record.Status == models.StatusQuarantined
	}, 2*time.Second, 5*time.Millisecond, "restart budget never quarantined the agent")
}

func TestShutdownStopsFleetInReverseOrder(t *testing.T) {
	h := newHarness(t, probingConfig())
	c1 := &healthControl{state: models.HealthOK}
	c2 := &healthControl{state: models.HealthOK}
	require.NoError(t, h.supervisor.Add(context.Background(), factoryFor("p1", c1)))
	require.NoError(t, h.supervisor.Add(context.Background(), factoryFor("p2", c2)))
	h.supervisor.Start(context.Background())

	require.NoError(t, h.supervisor.Shutdown(context.Background()))

	for _, id := range []string{"p1", "p2"} {
		record, err := h.registry.Get(id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusStopped, record.Status, id)
	}
	assert.Equal(t, 1, c1.shutdowns)
	assert.Equal(t, 1, c2.shutdowns)
}
