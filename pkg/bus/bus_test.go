package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/metrics"
	"github.com/mycosoft/mascore/pkg/models"
)

func testBus(t *testing.T, capacity int) *Bus {
	t.Helper()
	b := New(&config.BusConfig{
		MailboxCapacity:        capacity,
		PubSubSubscriberBuffer: 8,
		SendBudget:             50 * time.Millisecond,
	}, metrics.New())
	t.Cleanup(b.Close)
	return b
}

func TestSendQueuesFIFO(t *testing.T) {
	b := testBus(t, 8)
	ctx := context.Background()

	mb, err := b.Register("worker-1", 0)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		env := models.NewEnvelope("sender", "worker-1", models.KindEvent, nil)
		env.Headers = map[string]string{"seq": id}
		status, err := b.Send(ctx, env)
		require.NoError(t, err)
		assert.Equal(t, Queued, status)
	}

	for _, want := range []string{"a", "b", "c"} {
		env := <-mb.Receive()
		assert.Equal(t, want, env.Headers["seq"])
	}
}

func TestSendUnknownRecipient(t *testing.T) {
	b := testBus(t, 8)

	status, err := b.Send(context.Background(), models.NewEnvelope("s", "ghost", models.KindEvent, nil))
	assert.Equal(t, Undeliverable, status)
	assert.ErrorIs(t, err, ErrUnknownRecipient)
}

func TestSendBackpressure(t *testing.T) {
	b := testBus(t, 1)
	ctx := context.Background()

	_, err := b.Register("slow", 1)
	require.NoError(t, err)

	status, err := b.Send(ctx, models.NewEnvelope("s", "slow", models.KindEvent, nil))
	require.NoError(t, err)
	require.Equal(t, Queued, status)

	// Mailbox is full and nobody is draining.
	status, err = b.Send(ctx, models.NewEnvelope("s", "slow", models.KindEvent, nil))
	assert.Equal(t, Backpressured, status)
	assert.ErrorIs(t, err, ErrMailboxFull)
}

func TestSendBlocksUntilDrained(t *testing.T) {
	b := testBus(t, 1)
	ctx := context.Background()

	mb, err := b.Register("worker", 1)
	require.NoError(t, err)

	_, err = b.Send(ctx, models.NewEnvelope("s", "worker", models.KindEvent, nil))
	require.NoError(t, err)

	// Drain shortly after the second send starts blocking.
	go func() {
		time.Sleep(10 * time.Millisecond)
		<-mb.Receive()
	}()

	status, err := b.Send(ctx, models.NewEnvelope("s", "worker", models.KindEvent, nil))
	require.NoError(t, err)
	assert.Equal(t, Queued, status)
}

func TestSendDropsExpiredEnvelope(t *testing.T) {
	b := testBus(t, 8)

	_, err := b.Register("worker", 0)
	require.NoError(t, err)

	events, cancel := b.Subscribe(TopicBusEvents)
	defer cancel()

	env := models.NewEnvelope("s", "worker", models.KindRequest, nil)
	env.Deadline = time.Now().Add(-time.Second)

	status, err := b.Send(context.Background(), env)
	assert.Equal(t, Undeliverable, status)
	assert.ErrorIs(t, err, ErrEnvelopeExpired)

	select {
	case event := <-events:
		assert.Equal(t, "deadline_exceeded", event.Kind)
		assert.Equal(t, env.EnvelopeID, event.EnvelopeID)
		assert.Equal(t, "s", event.AgentID, "drop notice goes back to the sender")
	case <-time.After(time.Second):
		t.Fatal("expected a deadline_exceeded event")
	}
}

func TestRequestResponse(t *testing.T) {
	b := testBus(t, 8)
	ctx := context.Background()

	mb, err := b.Register("responder", 0)
	require.NoError(t, err)

	// Responder echoes a reply to whatever arrives.
	go func() {
		req := <-mb.Receive()
		_, _ = b.Send(ctx, req.Reply([]byte(`"pong"`)))
	}()

	req := models.NewEnvelope("caller", "responder", models.KindRequest, []byte(`"ping"`))
	req.CorrelationID = "corr-1"
	req.Deadline = time.Now().Add(time.Second)

	resp, err := b.Request(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.KindResponse, resp.Kind)
	assert.Equal(t, req.EnvelopeID, resp.InReplyTo)
	assert.Equal(t, "corr-1", resp.CorrelationID)
	assert.Equal(t, []byte(`"pong"`), []byte(resp.Payload))
}

func TestRequestTimeout(t *testing.T) {
	b := testBus(t, 8)

	_, err := b.Register("silent", 0)
	require.NoError(t, err)

	req := models.NewEnvelope("caller", "silent", models.KindRequest, nil)
	req.Deadline = time.Now().Add(30 * time.Millisecond)

	_, err = b.Request(context.Background(), req)
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestRequestRejectsNonRequestKind(t *testing.T) {
	b := testBus(t, 8)

	_, err := b.Request(context.Background(), models.NewEnvelope("a", "b", models.KindEvent, nil))
	assert.Error(t, err)
}

func TestLateResponseFallsThroughToMailbox(t *testing.T) {
	b := testBus(t, 8)
	ctx := context.Background()

	mb, err := b.Register("caller", 0)
	require.NoError(t, err)

	// A response with no pending waiter queues like any other envelope.
	resp := models.NewEnvelope("responder", "caller", models.KindResponse, nil)
	resp.InReplyTo = "long-gone-request"

	status, err := b.Send(ctx, resp)
	require.NoError(t, err)
	assert.Equal(t, Queued, status)
	assert.Equal(t, resp.EnvelopeID, (<-mb.Receive()).EnvelopeID)
}

func TestRegisterDuplicate(t *testing.T) {
	b := testBus(t, 8)

	_, err := b.Register("a1", 0)
	require.NoError(t, err)

	_, err = b.Register("a1", 0)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestDeregisterClosesReceive(t *testing.T) {
	b := testBus(t, 8)

	mb, err := b.Register("a1", 0)
	require.NoError(t, err)

	b.Deregister("a1")

	_, open := <-mb.Receive()
	assert.False(t, open)

	status, err := b.Send(context.Background(), models.NewEnvelope("s", "a1", models.KindEvent, nil))
	assert.Equal(t, Undeliverable, status)
	assert.ErrorIs(t, err, ErrUnknownRecipient)
}

func TestPubSubFanout(t *testing.T) {
	b := testBus(t, 8)

	ch1, cancel1 := b.Subscribe(TopicRegistryEvents)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(TopicRegistryEvents)
	defer cancel2()

	b.Publish(Event{Topic: TopicRegistryEvents, Kind: "agent_registered", AgentID: "a1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case event := <-ch:
			assert.Equal(t, "agent_registered", event.Kind)
		case <-time.After(time.Second):
			t.Fatal("expected fanout to reach every subscriber")
		}
	}
}

func TestPubSubDropsOldestWhenFull(t *testing.T) {
	b := New(&config.BusConfig{
		MailboxCapacity:        8,
		PubSubSubscriberBuffer: 1,
		SendBudget:             50 * time.Millisecond,
	}, metrics.New())
	defer b.Close()

	ch, cancel := b.Subscribe(TopicTaskEvents)
	defer cancel()

	b.Publish(Event{Topic: TopicTaskEvents, Kind: "first"})
	b.Publish(Event{Topic: TopicTaskEvents, Kind: "second"})

	event := <-ch
	assert.Equal(t, "second", event.Kind)
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	b := testBus(t, 8)

	ch, cancel := b.Subscribe(TopicBusEvents)
	defer cancel()

	b.Close()

	_, open := <-ch
	assert.False(t, open)

	status, err := b.Send(context.Background(), models.NewEnvelope("s", "x", models.KindEvent, nil))
	assert.Equal(t, Undeliverable, status)
	assert.Error(t, err)
}

func TestMailboxDepth(t *testing.T) {
	b := testBus(t, 8)
	ctx := context.Background()

	_, err := b.Register("a1", 0)
	require.NoError(t, err)

	assert.Equal(t, 0, b.MailboxDepth("a1"))
	assert.Equal(t, -1, b.MailboxDepth("ghost"))

	_, err = b.Send(ctx, models.NewEnvelope("s", "a1", models.KindEvent, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, b.MailboxDepth("a1"))
}
