package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycosoft/mascore/pkg/bus"
	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/metrics"
	"github.com/mycosoft/mascore/pkg/models"
	"github.com/mycosoft/mascore/pkg/store/inmemory"
)

func testRegistry(t *testing.T) (*Registry, *bus.Bus) {
	t.Helper()
	b := bus.New(&config.BusConfig{
		MailboxCapacity:        8,
		PubSubSubscriberBuffer: 8,
		SendBudget:             50 * time.Millisecond,
	}, metrics.New())
	t.Cleanup(b.Close)
	return New(b, metrics.New(), inmemory.NewRelational().Agents()), b
}

func echoDescriptor(id string) models.AgentDescriptor {
	return models.AgentDescriptor{
		AgentID:      id,
		Name:         "echo",
		Kind:         "echo",
		Version:      "1.0.0",
		Capabilities: []string{"echo"},
	}
}

func TestRegisterCreatesMailbox(t *testing.T) {
	r, b := testRegistry(t)
	ctx := context.Background()

	record, err := r.Register(ctx, echoDescriptor("echo-1"), false)
	require.NoError(t, err)

	assert.Equal(t, models.StatusInitializing, record.Status)
	require.NotNil(t, record.Mailbox)

	// The mailbox is live on the bus.
	status, err := b.Send(ctx, models.NewEnvelope("s", "echo-1", models.KindEvent, nil))
	require.NoError(t, err)
	assert.Equal(t, bus.Queued, status)
}

func TestRegisterEmptyID(t *testing.T) {
	r, _ := testRegistry(t)
	_, err := r.Register(context.Background(), models.AgentDescriptor{}, false)
	assert.Error(t, err)
}

func TestReRegisterReplacesDescriptorKeepsMailbox(t *testing.T) {
	r, b := testRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, echoDescriptor("echo-1"), false)
	require.NoError(t, err)
	require.NoError(t, r.SetStatus(ctx, "echo-1", models.StatusReady))

	// Queue an envelope, then replace the registration.
	_, err = b.Send(ctx, models.NewEnvelope("s", "echo-1", models.KindEvent, nil))
	require.NoError(t, err)

	desc := echoDescriptor("echo-1")
	desc.Version = "2.0.0"
	desc.Capabilities = []string{"echo", "reverse"}

	second, err := r.Register(ctx, desc, true)
	require.NoError(t, err)

	assert.Equal(t, "2.0.0", second.Descriptor.Version)
	assert.Equal(t, models.StatusInitializing, second.Status)
	assert.Same(t, first.Mailbox, second.Mailbox)
	assert.Equal(t, 1, second.Mailbox.Depth())
}

func TestRegisterConflictWithoutReplace(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, echoDescriptor("echo-1"), false)
	require.NoError(t, err)

	desc := echoDescriptor("echo-1")
	desc.Version = "2.0.0"
	_, err = r.Register(ctx, desc, false)
	assert.ErrorIs(t, err, ErrAgentExists)

	// The original registration is untouched.
	record, err := r.Get("echo-1")
	require.NoError(t, err)
	assert.Equal(t, first.Descriptor.Version, record.Descriptor.Version)
}

func TestReplacePublishesCapabilitySets(t *testing.T) {
	r, b := testRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, echoDescriptor("echo-1"), false)
	require.NoError(t, err)

	events, cancel := b.Subscribe(bus.TopicRegistryEvents)
	defer cancel()

	desc := echoDescriptor("echo-1")
	desc.Capabilities = []string{"reverse"}
	_, err = r.Register(ctx, desc, true)
	require.NoError(t, err)

	select {
	case event := <-events:
		assert.Equal(t, "agent_replaced", event.Kind)
		assert.Equal(t, "echo-1", event.AgentID)
		assert.Equal(t, []string{"echo"}, event.Details["old_capabilities"])
		assert.Equal(t, []string{"reverse"}, event.Details["new_capabilities"])
	case <-time.After(time.Second):
		t.Fatal("expected an agent_replaced event")
	}
}

func TestDeregisterRemovesAgent(t *testing.T) {
	r, b := testRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, echoDescriptor("echo-1"), false)
	require.NoError(t, err)

	require.NoError(t, r.Deregister(ctx, "echo-1"))

	_, err = r.Get("echo-1")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	status, _ := b.Send(ctx, models.NewEnvelope("s", "echo-1", models.KindEvent, nil))
	assert.Equal(t, bus.Undeliverable, status)

	assert.ErrorIs(t, r.Deregister(ctx, "echo-1"), ErrAgentNotFound)
}

func TestFindByCapability(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, echoDescriptor("echo-1"), false)
	require.NoError(t, err)

	chat := echoDescriptor("chat-1")
	chat.Capabilities = []string{"chat"}
	_, err = r.Register(ctx, chat, false)
	require.NoError(t, err)

	found := r.FindByCapability("echo")
	require.Len(t, found, 1)
	assert.Equal(t, "echo-1", found[0].Descriptor.AgentID)

	assert.Empty(t, r.FindByCapability("vision"))
}

func TestSetStatusEnforcesLifecycle(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, echoDescriptor("echo-1"), false)
	require.NoError(t, err)

	require.NoError(t, r.SetStatus(ctx, "echo-1", models.StatusReady))
	require.NoError(t, r.SetStatus(ctx, "echo-1", models.StatusBusy))
	require.NoError(t, r.SetStatus(ctx, "echo-1", models.StatusReady))

	// Initializing is not reachable from Ready.
	err = r.SetStatus(ctx, "echo-1", models.StatusInitializing)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, r.SetStatus(ctx, "echo-1", models.StatusQuarantined))
	err = r.SetStatus(ctx, "echo-1", models.StatusReady)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.ErrorIs(t, r.SetStatus(ctx, "ghost", models.StatusReady), ErrAgentNotFound)
}

func TestStatusChangePublishesEvent(t *testing.T) {
	r, b := testRegistry(t)
	ctx := context.Background()

	events, cancel := b.Subscribe(bus.TopicRegistryEvents)
	defer cancel()

	_, err := r.Register(ctx, echoDescriptor("echo-1"), false)
	require.NoError(t, err)
	require.NoError(t, r.SetStatus(ctx, "echo-1", models.StatusReady))

	var kinds []string
	timeout := time.After(time.Second)
	for len(kinds) < 2 {
		select {
		case event := <-events:
			kinds = append(kinds, event.Kind)
		case <-timeout:
			t.Fatalf("expected 2 registry events, got %v", kinds)
		}
	}
	assert.Equal(t, []string{"agent_registered", "agent_status_changed"}, kinds)
}

func TestHeartbeat(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, echoDescriptor("echo-1"), false)
	require.NoError(t, err)

	report := models.HealthReport{State: models.HealthOK, InFlight: 2, ReportedAt: time.Now()}
	require.NoError(t, r.Heartbeat("echo-1", report))

	record, err := r.Get("echo-1")
	require.NoError(t, err)
	assert.Equal(t, models.HealthOK, record.LastHealth.State)
	assert.False(t, record.LastHeartbeat.IsZero())

	assert.ErrorIs(t, r.Heartbeat("ghost", report), ErrAgentNotFound)
}

func TestListReturnsCopies(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, echoDescriptor("echo-1"), false)
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 1)
	list[0].Status = models.StatusStopped

	record, err := r.Get("echo-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInitializing, record.Status)
}
