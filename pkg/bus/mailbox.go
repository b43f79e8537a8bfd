package bus

import (
	"context"
	"sync"
	"time"

	"github.com/mycosoft/mascore/pkg/models"
)

// Mailbox is one agent's bounded FIFO inbox. The bus is the only writer;
// the agent runtime is the only reader.
type Mailbox struct {
	agentID string

	mu     sync.RWMutex
	ch     chan *models.Envelope
	closed bool
}

func newMailbox(agentID string, capacity int) *Mailbox {
	return &Mailbox{
		agentID: agentID,
		ch:      make(chan *models.Envelope, capacity),
	}
}

// AgentID returns the owning agent.
func (m *Mailbox) AgentID() string {
	return m.agentID
}

// Receive returns the channel the agent runtime reads envelopes from. The
// channel closes when the mailbox is deregistered.
func (m *Mailbox) Receive() <-chan *models.Envelope {
	return m.ch
}

// Depth returns the number of queued envelopes.
func (m *Mailbox) Depth() int {
	return len(m.ch)
}

// Capacity returns the mailbox bound.
func (m *Mailbox) Capacity() int {
	return cap(m.ch)
}

// enqueue appends the envelope, blocking up to budget when the mailbox is
// full. The read lock keeps close from racing the channel send.
func (m *Mailbox) enqueue(ctx context.Context, env *models.Envelope, budget time.Duration) (DeliveryStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Undeliverable, ErrUnknownRecipient
	}

	select {
	case m.ch <- env:
		return Queued, nil
	default:
	}

	if budget <= 0 {
		return Backpressured, ErrMailboxFull
	}

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case m.ch <- env:
		return Queued, nil
	case <-ctx.Done():
		return Backpressured, ctx.Err()
	case <-timer.C:
		return Backpressured, ErrMailboxFull
	}
}

// close marks the mailbox dead and closes the receive channel. Idempotent.
func (m *Mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}
