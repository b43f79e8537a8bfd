package bus

import (
	"sync"

	"github.com/mycosoft/mascore/pkg/models"
)

// correlator tracks in-flight requests. A response envelope whose InReplyTo
// matches a pending request is handed straight to the waiter instead of the
// requester's mailbox.
type correlator struct {
	mu      sync.Mutex
	waiters map[string]chan *models.Envelope // request envelope ID -> waiter
}

func newCorrelator() *correlator {
	return &correlator{waiters: make(map[string]chan *models.Envelope)}
}

// add registers a waiter for the request envelope ID.
func (c *correlator) add(requestID string) chan *models.Envelope {
	ch := make(chan *models.Envelope, 1)
	c.mu.Lock()
	c.waiters[requestID] = ch
	c.mu.Unlock()
	return ch
}

// remove drops the waiter, if still present.
func (c *correlator) remove(requestID string) {
	c.mu.Lock()
	delete(c.waiters, requestID)
	c.mu.Unlock()
}

// resolve delivers a response to its waiter. Returns false when no waiter is
// pending, in which case the envelope follows normal mailbox delivery.
func (c *correlator) resolve(env *models.Envelope) bool {
	if env.Kind != models.KindResponse || env.InReplyTo == "" {
		return false
	}

	c.mu.Lock()
	ch, ok := c.waiters[env.InReplyTo]
	if ok {
		delete(c.waiters, env.InReplyTo)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- env
	return true
}
