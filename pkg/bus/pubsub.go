package bus

import (
	"sync"
)

// pubsub fans Event values out to topic subscribers. Delivery is best
// effort: a slow subscriber loses its oldest buffered event rather than
// blocking publishers.
type pubsub struct {
	mu      sync.RWMutex
	subs    map[string]map[int]chan Event // topic -> subscriber id -> channel
	nextID  int
	bufSize int
	closed  bool
	onDrop  func(topic string)
}

func newPubSub(bufSize int, onDrop func(topic string)) *pubsub {
	if onDrop == nil {
		onDrop = func(string) {}
	}
	return &pubsub{
		subs:    make(map[string]map[int]chan Event),
		bufSize: bufSize,
		onDrop:  onDrop,
	}
}

// subscribe registers a buffered subscriber on the topic. The returned
// cancel function is idempotent and closes the channel.
func (p *pubsub) subscribe(topic string) (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := p.nextID
	p.nextID++

	ch := make(chan Event, p.bufSize)
	if p.subs[topic] == nil {
		p.subs[topic] = make(map[int]chan Event)
	}
	p.subs[topic][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if subs, ok := p.subs[topic]; ok {
				if ch, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
				}
			}
		})
	}
	return ch, cancel
}

// publish delivers the event to every subscriber of the topic, evicting the
// oldest buffered event from any subscriber that is full.
func (p *pubsub) publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for _, ch := range p.subs[event.Topic] {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
				p.onDrop(event.Topic)
			default:
			}
			select {
			case ch <- event:
			default:
				p.onDrop(event.Topic)
			}
		}
	}
}

// close shuts down every subscriber channel.
func (p *pubsub) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for topic, subs := range p.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
		delete(p.subs, topic)
	}
}
