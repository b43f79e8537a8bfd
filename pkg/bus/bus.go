package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/metrics"
	"github.com/mycosoft/mascore/pkg/models"
)

// Bus routes envelopes between agents and fans system events out to
// subscribers. Mailbox registration is driven by the registry; agents never
// register themselves.
type Bus struct {
	cfg     *config.BusConfig
	metrics *metrics.Registry
	corr    *correlator
	ps      *pubsub

	mu        sync.RWMutex
	mailboxes map[string]*Mailbox
	closed    bool
}

// New creates a bus with no mailboxes registered.
func New(cfg *config.BusConfig, m *metrics.Registry) *Bus {
	b := &Bus{
		cfg:       cfg,
		metrics:   m,
		corr:      newCorrelator(),
		mailboxes: make(map[string]*Mailbox),
	}
	b.ps = newPubSub(cfg.PubSubSubscriberBuffer, func(topic string) {
		m.BusDrops.WithLabelValues("subscriber_overflow").Inc()
		slog.Debug("Dropped oldest event for slow subscriber", "topic", topic)
	})
	return b
}

// Register creates a mailbox for the agent. A capacity of zero or less uses
// the configured default.
func (b *Bus) Register(agentID string, capacity int) (*Mailbox, error) {
	if capacity <= 0 {
		capacity = b.cfg.MailboxCapacity
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.mailboxes[agentID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, agentID)
	}

	mb := newMailbox(agentID, capacity)
	b.mailboxes[agentID] = mb
	b.metrics.MailboxDepth.WithLabelValues(agentID).Set(0)
	return mb, nil
}

// Deregister closes and removes the agent's mailbox. Unknown agents are a
// no-op.
func (b *Bus) Deregister(agentID string) {
	b.mu.Lock()
	mb := b.mailboxes[agentID]
	delete(b.mailboxes, agentID)
	b.mu.Unlock()

	if mb != nil {
		mb.close()
		b.metrics.MailboxDepth.DeleteLabelValues(agentID)
	}
}

// Send delivers the envelope. Expired envelopes are dropped with an event on
// the bus topic; responses to pending requests bypass the mailbox; everything
// else queues FIFO, blocking up to the send budget when the mailbox is full.
func (b *Bus) Send(ctx context.Context, env *models.Envelope) (DeliveryStatus, error) {
	now := time.Now()

	if env.Expired(now) {
		b.metrics.BusDrops.WithLabelValues("deadline").Inc()
		// The drop notice is addressed to the sender, not the recipient the
		// envelope never reached.
		b.ps.publish(Event{
			Topic:         TopicBusEvents,
			Kind:          "deadline_exceeded",
			EnvelopeID:    env.EnvelopeID,
			CorrelationID: env.CorrelationID,
			AgentID:       env.From,
		})
		slog.Warn("Dropped expired envelope",
			"envelope_id", env.EnvelopeID,
			"to", env.To,
			"correlation_id", env.CorrelationID)
		return Undeliverable, ErrEnvelopeExpired
	}

	if b.corr.resolve(env) {
		b.metrics.BusLatency.Observe(time.Since(env.CreatedAt).Seconds())
		return Delivered, nil
	}

	b.mu.RLock()
	mb := b.mailboxes[env.To]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return Undeliverable, ErrBusClosed
	}
	if mb == nil {
		b.metrics.BusDrops.WithLabelValues("unknown_recipient").Inc()
		return Undeliverable, fmt.Errorf("%w: %s", ErrUnknownRecipient, env.To)
	}

	budget := b.cfg.SendBudget
	if !env.Deadline.IsZero() {
		if remaining := env.Deadline.Sub(now); remaining < budget {
			budget = remaining
		}
	}

	status, err := mb.enqueue(ctx, env, budget)
	switch status {
	case Queued:
		b.metrics.MailboxDepth.WithLabelValues(env.To).Set(float64(mb.Depth()))
		b.metrics.BusLatency.Observe(time.Since(env.CreatedAt).Seconds())
	case Backpressured:
		b.metrics.BusDrops.WithLabelValues("backpressure").Inc()
		slog.Warn("Mailbox backpressure",
			"to", env.To,
			"depth", mb.Depth(),
			"capacity", mb.Capacity())
	case Undeliverable:
		b.metrics.BusDrops.WithLabelValues("unknown_recipient").Inc()
	}
	return status, err
}

// Request sends a request envelope and blocks until its response arrives,
// the envelope's deadline passes, or ctx is cancelled.
func (b *Bus) Request(ctx context.Context, env *models.Envelope) (*models.Envelope, error) {
	if env.Kind != models.KindRequest {
		return nil, fmt.Errorf("request requires a %s envelope, got %s", models.KindRequest, env.Kind)
	}

	waiter := b.corr.add(env.EnvelopeID)
	defer b.corr.remove(env.EnvelopeID)

	if _, err := b.Send(ctx, env); err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	if !env.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(env.Deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-waiter:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		b.metrics.BusDrops.WithLabelValues("request_timeout").Inc()
		return nil, fmt.Errorf("%w: envelope %s to %s", ErrRequestTimeout, env.EnvelopeID, env.To)
	}
}

// Publish emits an event on its topic.
func (b *Bus) Publish(event Event) {
	b.ps.publish(event)
}

// Subscribe registers a subscriber on the topic. The cancel function closes
// the returned channel.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	return b.ps.subscribe(topic)
}

// MailboxDepth reports the queue depth for an agent, or -1 when unknown.
func (b *Bus) MailboxDepth(agentID string) int {
	b.mu.RLock()
	mb := b.mailboxes[agentID]
	b.mu.RUnlock()
	if mb == nil {
		return -1
	}
	return mb.Depth()
}

// Close shuts the bus down: all mailboxes close and pub/sub stops. Sends
// after Close return Undeliverable.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	mailboxes := b.mailboxes
	b.mailboxes = make(map[string]*Mailbox)
	b.mu.Unlock()

	for _, mb := range mailboxes {
		mb.close()
	}
	b.ps.close()
}
